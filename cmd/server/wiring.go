package main

import (
	"context"
	"fmt"
	"log/slog"

	"loop-library/internal/captcha"
	"loop-library/internal/config"
	"loop-library/internal/media"
	"loop-library/internal/notify"
	"loop-library/internal/objectstore"
	"loop-library/internal/observability/logging"
	"loop-library/internal/observability/metrics"
	"loop-library/internal/storage"
	"loop-library/internal/storage/migrations"
)

func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (storage.Repository, error) {
	switch cfg.Driver {
	case "", "memory":
		logger.Warn("using in-memory datastore; submissions and loops are lost on restart")
		return storage.NewStorage(), nil
	case "postgres":
		if cfg.AutoMigrate {
			if err := migrations.MigrateUp(cfg.URL); err != nil {
				return nil, fmt.Errorf("apply migrations: %w", err)
			}
			logger.Info("database migrations applied")
		}
		repo, err := storage.NewPostgresRepository(ctx, cfg.URL, postgresOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("open postgres datastore: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func postgresOptions(cfg config.DatabaseConfig) []storage.Option {
	var opts []storage.Option
	if cfg.MaxConns > 0 || cfg.MinConns > 0 {
		opts = append(opts, storage.WithPoolLimits(cfg.MaxConns, cfg.MinConns))
	}
	if cfg.MaxConnLifetime > 0 {
		opts = append(opts, storage.WithConnLifetime(cfg.MaxConnLifetime, 0))
	}
	if cfg.AcquireTimeout > 0 {
		opts = append(opts, storage.WithAcquireTimeout(cfg.AcquireTimeout))
	}
	if cfg.ApplicationName != "" {
		opts = append(opts, storage.WithApplicationName(cfg.ApplicationName))
	}
	return opts
}

func openObjects(ctx context.Context, cfg config.ObjectsConfig) (objectstore.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return objectstore.NewMemory(), nil
	case "minio":
		return objectstore.NewMinio(objectstore.MinioConfig{
			Endpoint:  cfg.Endpoint,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			Region:    cfg.Region,
			UseSSL:    cfg.UseSSL,
		})
	case "s3":
		return objectstore.NewS3(ctx, objectstore.S3Config{
			Endpoint:  cfg.Endpoint,
			Region:    cfg.Region,
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
			PathStyle: cfg.PathStyle,
		})
	default:
		return nil, fmt.Errorf("unsupported object store driver %q", cfg.Driver)
	}
}

// buildCaptcha returns nil outside production when no secret is configured;
// the lifecycle then skips verification.
func buildCaptcha(cfg config.Config) (captcha.Verifier, error) {
	if cfg.Captcha.Secret == "" && !cfg.Production() {
		return nil, nil
	}
	verifier, err := captcha.NewTurnstile(captcha.TurnstileConfig{
		Secret:    cfg.Captcha.Secret,
		VerifyURL: cfg.Captcha.VerifyURL,
		Timeout:   cfg.Captcha.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("captcha: %w", err)
	}
	return verifier, nil
}

func buildMailer(cfg config.EmailConfig, logger *slog.Logger) (notify.Mailer, error) {
	switch cfg.Driver {
	case "", "log":
		return notify.LogMailer{Logger: logging.WithComponent(logger, "mailer")}, nil
	case "sendgrid":
		mailer, err := notify.NewSendGrid(notify.SendGridConfig{
			APIKey:   cfg.SendGridAPIKey,
			From:     cfg.From,
			FromName: cfg.FromName,
		})
		if err != nil {
			return nil, fmt.Errorf("sendgrid: %w", err)
		}
		return mailer, nil
	default:
		return nil, fmt.Errorf("unsupported email driver %q", cfg.Driver)
	}
}

func buildDispatcher(cfg config.EmailConfig, mailer notify.Mailer, recorder *metrics.Recorder, logger *slog.Logger) *notify.Dispatcher {
	return notify.NewDispatcher(notify.DispatcherConfig{
		Mailer:    mailer,
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		Timeout:   cfg.Timeout,
		Logger:    logging.WithComponent(logger, "notify"),
		OnResult: func(msg notify.Message, outcome string, _ error) {
			recorder.ObserveNotification(msg.Template, outcome)
		},
	})
}

func buildTranscoder(cfg config.MediaConfig, logger *slog.Logger) (media.Transcoder, error) {
	switch cfg.Driver {
	case "", "passthrough":
		return media.Passthrough{}, nil
	case "http":
		return media.NewHTTPTranscoder(media.HTTPConfig{
			Endpoint:  cfg.Endpoint,
			Token:     cfg.Token,
			AllowMIDI: cfg.AllowMIDI,
			Timeout:   cfg.Timeout,
		})
	case "exec":
		return media.NewExecTranscoder(media.ExecConfig{
			FFmpegPath:   cfg.FFmpegPath,
			TimidityPath: cfg.TimidityPath,
			Bitrate:      cfg.Bitrate,
			Logger:       logging.WithComponent(logger, "media"),
		})
	default:
		return nil, fmt.Errorf("unsupported media driver %q", cfg.Driver)
	}
}
