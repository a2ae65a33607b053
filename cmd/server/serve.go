package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"loop-library/internal/api"
	"loop-library/internal/auth"
	"loop-library/internal/config"
	"loop-library/internal/lifecycle"
	"loop-library/internal/observability/logging"
	"loop-library/internal/observability/metrics"
	"loop-library/internal/server"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd)
		},
	}
}

func serveRun(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := logging.Init(logging.Config{
		Level:   cfg.Log.Level,
		Format:  cfg.Log.Format,
		Service: programName,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, cfg, logger)
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	recorder := metrics.New()
	metrics.SetDefault(recorder)

	store, err := openStore(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Warn("close datastore", "error", err)
		}
	}()

	objects, err := openObjects(ctx, cfg.Objects)
	if err != nil {
		return err
	}
	if err := objects.EnsureBuckets(ctx, cfg.Objects.SubmissionsBucket, cfg.Objects.LoopsBucket); err != nil {
		return fmt.Errorf("ensure buckets: %w", err)
	}

	verifier, err := buildCaptcha(cfg)
	if err != nil {
		return err
	}
	mailer, err := buildMailer(cfg.Email, logger)
	if err != nil {
		return err
	}
	dispatcher := buildDispatcher(cfg.Email, mailer, recorder, logger)
	dispatcher.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			logger.Warn("email dispatcher shutdown", "error", err)
		}
	}()

	transcoder, err := buildTranscoder(cfg.Media, logger)
	if err != nil {
		return err
	}

	limiter := server.NewRateLimiter(rateLimitConfig(cfg.RateLimit), logging.WithComponent(logger, "ratelimit"), recorder)
	defer func() {
		if err := limiter.Close(); err != nil {
			logger.Warn("close rate limiter", "error", err)
		}
	}()

	svc, err := lifecycle.New(lifecycle.Config{
		Store:             store,
		Objects:           objects,
		Captcha:           verifier,
		Notifier:          dispatcher,
		Transcoder:        transcoder,
		Penalizer:         limiter,
		Recorder:          recorder,
		Logger:            logging.WithComponent(logger, "lifecycle"),
		Production:        cfg.Production(),
		MinCaptchaScore:   cfg.Captcha.MinScore,
		TokenTTL:          cfg.TokenTTL,
		ConfirmURL:        cfg.ConfirmURL(),
		SubmissionsBucket: cfg.Objects.SubmissionsBucket,
		LoopsBucket:       cfg.Objects.LoopsBucket,
	})
	if err != nil {
		return err
	}

	admin, err := auth.NewAdmin(cfg.AdminSecret)
	if err != nil {
		return fmt.Errorf("admin secret: %w", err)
	}
	if !cfg.Production() {
		logger.Warn("captcha verification disabled", "mode", cfg.Mode)
	}
	if !admin.Enabled() {
		logger.Warn("no admin secret configured; moderation endpoints will reject every request")
	}

	srv, err := server.New(api.NewHandler(svc, admin, logger), server.Config{
		Addr:                  cfg.Addr,
		TLS:                   server.TLSConfig{CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey},
		CORS:                  server.CORSConfig{AllowedOrigins: cfg.AllowedOrigins},
		Logger:                logger,
		Metrics:               recorder,
		RateLimiter:           limiter,
		TrustForwardedHeaders: cfg.RateLimit.TrustForwardedHeaders,
		ShutdownTimeout:       cfg.ShutdownTimeout,
	})
	if err != nil {
		return err
	}

	logger.Info("starting loop library", "mode", cfg.Mode, "addr", cfg.Addr,
		"database", cfg.Database.Driver, "objects", cfg.Objects.Driver,
		"email", cfg.Email.Driver, "media", cfg.Media.Driver)
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server: %w", err)
	}
	logger.Info("loop library stopped")
	return nil
}

func rateLimitConfig(cfg config.RateLimitConfig) server.RateLimitConfig {
	return server.RateLimitConfig{
		GlobalRPS:     cfg.GlobalRPS,
		GlobalBurst:   cfg.GlobalBurst,
		RequestLimit:  cfg.RequestLimit,
		Window:        cfg.Window,
		RedisAddr:     cfg.RedisAddr,
		RedisPassword: cfg.RedisPassword,
		RedisTimeout:  cfg.RedisTimeout,
	}
}
