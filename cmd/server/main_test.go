package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"loop-library/internal/auth"
	"loop-library/internal/config"
	"loop-library/internal/media"
	"loop-library/internal/notify"
	"loop-library/internal/objectstore"
	"loop-library/internal/storage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestApplyFlagOverrides(t *testing.T) {
	cfg := config.Default()
	applyFlagOverrides(&cfg, "", "", "")
	if cfg.Addr != ":8080" || cfg.Mode != config.ModeDevelopment {
		t.Fatalf("empty flags must not change config: %+v", cfg)
	}

	applyFlagOverrides(&cfg, ":9090", config.ModeProduction, "debug")
	if cfg.Addr != ":9090" {
		t.Fatalf("expected addr override, got %q", cfg.Addr)
	}
	if cfg.Mode != config.ModeProduction {
		t.Fatalf("expected mode override, got %q", cfg.Mode)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("expected log level override, got %q", cfg.Log.Level)
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := rootCommand()
	want := map[string]bool{"serve": false, "migrate": false, "admin-hash": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("expected subcommand %q", name)
		}
	}
}

func TestAdminHashCommandProducesUsableHash(t *testing.T) {
	root := rootCommand()
	var out bytes.Buffer
	root.SetIn(strings.NewReader("moderator-secret\n"))
	root.SetOut(&out)
	root.SetArgs([]string{"admin-hash"})
	if err := root.Execute(); err != nil {
		t.Fatalf("admin-hash: %v", err)
	}

	hash := strings.TrimSpace(out.String())
	if !strings.HasPrefix(hash, "pbkdf2$sha256$") {
		t.Fatalf("unexpected hash %q", hash)
	}
	admin, err := auth.NewAdmin(hash)
	if err != nil {
		t.Fatalf("NewAdmin: %v", err)
	}
	if !admin.Authenticate("moderator-secret") {
		t.Fatal("expected the hash to authenticate the original secret")
	}
	if admin.Authenticate("wrong") {
		t.Fatal("expected a different secret to be rejected")
	}
}

func TestReadSecretRejectsEmpty(t *testing.T) {
	if _, err := readSecret(strings.NewReader("\n")); err == nil {
		t.Fatal("expected error for empty secret")
	}
	secret, err := readSecret(strings.NewReader("s3cret\r\n"))
	if err != nil {
		t.Fatalf("readSecret: %v", err)
	}
	if secret != "s3cret" {
		t.Fatalf("unexpected secret %q", secret)
	}
}

func TestOpenStoreDrivers(t *testing.T) {
	store, err := openStore(context.Background(), config.DatabaseConfig{Driver: "memory"}, discardLogger())
	if err != nil {
		t.Fatalf("openStore memory: %v", err)
	}
	if _, ok := store.(*storage.Storage); !ok {
		t.Fatalf("expected in-memory storage, got %T", store)
	}
	if _, err := openStore(context.Background(), config.DatabaseConfig{Driver: "sqlite"}, discardLogger()); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestOpenObjectsDrivers(t *testing.T) {
	objects, err := openObjects(context.Background(), config.ObjectsConfig{Driver: "memory"})
	if err != nil {
		t.Fatalf("openObjects memory: %v", err)
	}
	if _, ok := objects.(*objectstore.Memory); !ok {
		t.Fatalf("expected memory object store, got %T", objects)
	}
	minio, err := openObjects(context.Background(), config.ObjectsConfig{Driver: "minio", Endpoint: "http://127.0.0.1:9000"})
	if err != nil {
		t.Fatalf("openObjects minio: %v", err)
	}
	if _, ok := minio.(*objectstore.MinioStore); !ok {
		t.Fatalf("expected minio store, got %T", minio)
	}
	if _, err := openObjects(context.Background(), config.ObjectsConfig{Driver: "gcs"}); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestBuildCaptcha(t *testing.T) {
	cfg := config.Default()
	verifier, err := buildCaptcha(cfg)
	if err != nil {
		t.Fatalf("buildCaptcha: %v", err)
	}
	if verifier != nil {
		t.Fatalf("expected no verifier in development without a secret, got %T", verifier)
	}

	cfg.Mode = config.ModeProduction
	if _, err := buildCaptcha(cfg); err == nil {
		t.Fatal("expected error in production without a secret")
	}

	cfg.Captcha.Secret = "turnstile-secret"
	verifier, err = buildCaptcha(cfg)
	if err != nil {
		t.Fatalf("buildCaptcha: %v", err)
	}
	if verifier == nil {
		t.Fatal("expected a verifier when a secret is configured")
	}
}

func TestBuildMailer(t *testing.T) {
	mailer, err := buildMailer(config.EmailConfig{Driver: "log"}, discardLogger())
	if err != nil {
		t.Fatalf("buildMailer log: %v", err)
	}
	if _, ok := mailer.(notify.LogMailer); !ok {
		t.Fatalf("expected log mailer, got %T", mailer)
	}
	if _, err := buildMailer(config.EmailConfig{Driver: "sendgrid"}, discardLogger()); err == nil {
		t.Fatal("expected error for sendgrid without an api key")
	}
	sendgrid, err := buildMailer(config.EmailConfig{Driver: "sendgrid", SendGridAPIKey: "SG.key", From: "loops@example.com"}, discardLogger())
	if err != nil {
		t.Fatalf("buildMailer sendgrid: %v", err)
	}
	if _, ok := sendgrid.(*notify.SendGridMailer); !ok {
		t.Fatalf("expected sendgrid mailer, got %T", sendgrid)
	}
}

func TestBuildTranscoder(t *testing.T) {
	transcoder, err := buildTranscoder(config.MediaConfig{Driver: "passthrough"}, discardLogger())
	if err != nil {
		t.Fatalf("buildTranscoder: %v", err)
	}
	if _, ok := transcoder.(media.Passthrough); !ok {
		t.Fatalf("expected passthrough, got %T", transcoder)
	}
	httpTranscoder, err := buildTranscoder(config.MediaConfig{Driver: "http", Endpoint: "http://transcoder:8081/transcode", AllowMIDI: true}, discardLogger())
	if err != nil {
		t.Fatalf("buildTranscoder http: %v", err)
	}
	if !httpTranscoder.SupportsMIDI() {
		t.Fatal("expected MIDI support to follow the config")
	}
	if _, err := buildTranscoder(config.MediaConfig{Driver: "wasm"}, discardLogger()); err == nil {
		t.Fatal("expected error for unsupported driver")
	}
}

func TestRateLimitConfigMapping(t *testing.T) {
	cfg := config.Default().RateLimit
	cfg.RedisAddr = "redis:6379"
	mapped := rateLimitConfig(cfg)
	if mapped.GlobalRPS != cfg.GlobalRPS || mapped.GlobalBurst != cfg.GlobalBurst {
		t.Fatalf("global limits not mapped: %+v", mapped)
	}
	if mapped.RequestLimit != cfg.RequestLimit || mapped.Window != cfg.Window {
		t.Fatalf("client limits not mapped: %+v", mapped)
	}
	if mapped.RedisAddr != "redis:6379" || mapped.RedisTimeout != cfg.RedisTimeout {
		t.Fatalf("redis settings not mapped: %+v", mapped)
	}
}

func TestRunStopsWhenContextEnds(t *testing.T) {
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.ShutdownTimeout = time.Second

	var logs bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- run(ctx, cfg, slog.New(slog.NewTextHandler(&logs, nil)))
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if !strings.Contains(logs.String(), `level=WARN msg="captcha verification disabled" mode=development`) {
		t.Fatalf("expected captcha bypass warning at startup, got:\n%s", logs.String())
	}
}
