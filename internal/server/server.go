package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"loop-library/internal/api"
	"loop-library/internal/observability/logging"
	"loop-library/internal/observability/metrics"
)

// DefaultShutdownTimeout bounds graceful shutdown when Run's context ends.
const DefaultShutdownTimeout = 10 * time.Second

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	// RateLimiter overrides the limiter built from RateLimit, letting the
	// caller share one limiter between the server and the lifecycle service.
	RateLimiter           *RateLimiter
	TrustForwardedHeaders bool
	ShutdownTimeout       time.Duration
	// Ready is closed once the listener is bound.
	Ready chan<- struct{}
}

type Server struct {
	httpServer      *http.Server
	logger          *slog.Logger
	metrics         *metrics.Recorder
	rateLimiter     *RateLimiter
	tls             TLSConfig
	shutdownTimeout time.Duration
	ready           chan<- struct{}

	bound chan struct{}
	addr  net.Addr
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("api handler is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return nil, fmt.Errorf("both TLS cert file and key file must be provided")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	policy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}
	rl := cfg.RateLimiter
	if rl == nil {
		rl = NewRateLimiter(cfg.RateLimit, logging.WithComponent(logger, "ratelimit"), recorder)
	}

	resolver := clientIPResolver{trustForwarded: cfg.TrustForwardedHeaders}
	handler.ClientIP = resolver.ClientIP
	handler.Checks = append(handler.Checks, api.HealthCheck{Name: "ratelimit", Ping: rl.Ping})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handler.Health)
	mux.Handle("GET /metrics", recorder.Handler())
	mux.HandleFunc("POST /submissions", handler.Contribute)
	mux.HandleFunc("GET /submissions", handler.ListSubmissions)
	mux.HandleFunc("GET /confirm", handler.Confirm)
	mux.HandleFunc("POST /submissions/{id}/approve", handler.Approve)
	mux.HandleFunc("DELETE /submissions/{id}", handler.Deny)
	mux.HandleFunc("GET /loops", handler.ListLoops)
	mux.HandleFunc("GET /loops/{file}", handler.DownloadLoop)
	mux.HandleFunc("DELETE /loops/{id}", handler.TakeDown)
	mux.HandleFunc("GET /instruments", handler.ListInstruments)

	chain := metrics.HTTPMiddleware(recorder, mux)
	chain = rateLimitMiddleware(rl, logger, resolver, chain)
	chain = corsMiddleware(policy, logger, chain)
	chain = securityHeadersMiddleware(cfg.Security, chain)
	chain = logging.RequestLogger(logging.RequestLoggerConfig{
		Logger:    logger,
		SkipPaths: []string{"/healthz", "/metrics"},
		ClientIP:  resolver.ClientIP,
	})(chain)
	chain = requestIDMiddleware(logger, chain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           chain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	if cfg.TLS.CertFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}

	return &Server{
		httpServer:      httpServer,
		logger:          logger,
		metrics:         recorder,
		rateLimiter:     rl,
		tls:             TLSConfig{CertFile: strings.TrimSpace(cfg.TLS.CertFile), KeyFile: strings.TrimSpace(cfg.TLS.KeyFile)},
		shutdownTimeout: timeout,
		ready:           cfg.Ready,
		bound:           make(chan struct{}),
	}, nil
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) RateLimiter() *RateLimiter {
	return s.rateLimiter
}

// Addr blocks until Run has bound its listener and returns the address.
func (s *Server) Addr(ctx context.Context) (net.Addr, error) {
	select {
	case <-s.bound:
		return s.addr, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run listens and serves until ctx is cancelled, then shuts down gracefully
// within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	if s.tls.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(s.tls.CertFile, s.tls.KeyFile)
		if err != nil {
			ln.Close()
			return err
		}
		tlsCfg := s.httpServer.TLSConfig.Clone()
		tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
		s.httpServer.TLSConfig = tlsCfg
		ln = tls.NewListener(ln, tlsCfg)
	}

	s.addr = ln.Addr()
	close(s.bound)
	if s.ready != nil {
		close(s.ready)
	}
	s.logger.Info("http server listening", "addr", s.addr.String(), "tls", s.tls.CertFile != "")

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.httpServer.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	shutdownErr := s.httpServer.Shutdown(shutdownCtx)

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-shutdownCtx.Done():
		if shutdownErr != nil {
			return shutdownErr
		}
		return shutdownCtx.Err()
	}
	return shutdownErr
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func rateLimitMiddleware(rl *RateLimiter, logger *slog.Logger, resolver clientIPResolver, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !rl.AllowRequest() {
			w.Header().Set("Retry-After", "1")
			writeMiddlewareError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		allowed, retryAfter, err := rl.AllowClient(r.Context(), resolver.ClientIP(r))
		if err != nil {
			loggingWithRequest(logger, resolver, r).Error("rate limiter failure", "error", err)
			writeMiddlewareError(w, http.StatusServiceUnavailable, "Service unavailable")
			return
		}
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(retrySeconds(retryAfter)))
			loggingWithRequest(logger, resolver, r).Warn("client rate limited", "retry_after", retryAfter)
			writeMiddlewareError(w, http.StatusTooManyRequests, "Too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func retrySeconds(d time.Duration) int {
	seconds := int((d + time.Second - 1) / time.Second)
	if seconds < 1 {
		return 1
	}
	return seconds
}
