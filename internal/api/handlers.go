package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"loop-library/internal/auth"
	"loop-library/internal/lifecycle"
	"loop-library/internal/observability/logging"
)

const (
	// DefaultMaxUploadBytes bounds a multipart submission.
	DefaultMaxUploadBytes int64 = 16 << 20

	listCacheControl = "public, max-age=86400"
	fileCacheControl = "public, max-age=31536000"
)

// HealthCheck is an extra component probed by /healthz.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type Handler struct {
	Service *lifecycle.Service
	Admin   *auth.Admin
	Logger  *slog.Logger
	// ClientIP resolves the caller's address. The server installs its
	// proxy-aware resolver; the default uses RemoteAddr.
	ClientIP       func(*http.Request) string
	MaxUploadBytes int64
	Checks         []HealthCheck
}

func NewHandler(svc *lifecycle.Service, admin *auth.Admin, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Service:        svc,
		Admin:          admin,
		Logger:         logging.WithComponent(logger, "api"),
		MaxUploadBytes: DefaultMaxUploadBytes,
	}
}

func (h *Handler) clientIP(r *http.Request) string {
	if h.ClientIP != nil {
		return h.ClientIP(r)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}

func (h *Handler) maxUploadBytes() int64 {
	if h.MaxUploadBytes > 0 {
		return h.MaxUploadBytes
	}
	return DefaultMaxUploadBytes
}

// requireAdmin checks the moderator credential before any data is touched.
// A failure costs the caller PenaltyAdminAuth requests of budget.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	if h.Admin.AuthenticateRequest(r) {
		return true
	}
	ip := h.clientIP(r)
	h.Service.Penalize(r.Context(), ip, lifecycle.PenaltyAdminAuth)
	logging.WithContext(r.Context(), h.Logger).Warn("admin authentication failed",
		"method", r.Method, "path", r.URL.Path, "remote_ip", ip)
	WriteFailure(w, http.StatusUnauthorized, "Unauthorized")
	return false
}

// fail writes err and logs the server-side failures with request context.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if status := StatusForError(err); status >= http.StatusInternalServerError {
		logging.WithContext(r.Context(), h.Logger).Error("request failed",
			"method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeError(w, err)
}

func allowAnyOrigin(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
}
