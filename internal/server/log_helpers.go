package server

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"loop-library/internal/observability/logging"
)

// clientIPResolver picks the address used for rate limiting and captcha
// checks. Forwarded headers are honoured only behind a trusted proxy.
type clientIPResolver struct {
	trustForwarded bool
}

func (c clientIPResolver) resolve(r *http.Request) (ip string, source string) {
	if c.trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if candidate := strings.TrimSpace(first); candidate != "" {
				return candidate, "x-forwarded-for"
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip, "x-real-ip"
		}
	}
	return remoteHost(r.RemoteAddr), "remote_addr"
}

func (c clientIPResolver) ClientIP(r *http.Request) string {
	ip, _ := c.resolve(r)
	return ip
}

func remoteHost(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// loggingWithRequest returns the request-scoped logger annotated with the
// path and the resolved client address.
func loggingWithRequest(base *slog.Logger, resolver clientIPResolver, r *http.Request) *slog.Logger {
	logger := logging.LoggerFromContext(r.Context())
	if logger == nil {
		logger = logging.WithContext(r.Context(), base)
	}
	if logger == nil {
		return slog.Default()
	}
	ip, source := resolver.resolve(r)
	return logger.With("path", r.URL.Path, "remote_ip", ip, "ip_source", source)
}
