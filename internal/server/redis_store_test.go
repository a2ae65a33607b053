package server

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"loop-library/internal/observability/metrics"
	"loop-library/internal/testsupport/redisstub"
)

func startRedisStub(t *testing.T, opts redisstub.Options) *redisstub.Server {
	t.Helper()
	stub, err := redisstub.Start(opts)
	if err != nil {
		t.Fatalf("start redis stub: %v", err)
	}
	t.Cleanup(func() { _ = stub.Close() })
	return stub
}

func TestRedisStoreSharesWindowAcrossLimiters(t *testing.T) {
	stub := startRedisStub(t, redisstub.Options{Password: "secret"})
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := RateLimitConfig{
		RequestLimit:  3,
		Window:        time.Minute,
		RedisAddr:     stub.Addr(),
		RedisPassword: "secret",
		RedisTimeout:  time.Second,
	}
	first := NewRateLimiter(cfg, logger, metrics.New())
	second := NewRateLimiter(cfg, logger, metrics.New())
	t.Cleanup(func() {
		_ = first.Close()
		_ = second.Close()
	})
	ctx := context.Background()

	if err := first.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	first.Penalize(ctx, "203.0.113.9", 2)
	if allowed, _, err := second.AllowClient(ctx, "203.0.113.9"); err != nil || !allowed {
		t.Fatalf("expected third unit to pass: allowed=%v err=%v", allowed, err)
	}
	allowed, retryAfter, err := first.AllowClient(ctx, "203.0.113.9")
	if err != nil {
		t.Fatalf("AllowClient: %v", err)
	}
	if allowed {
		t.Fatal("expected the shared budget to be exhausted")
	}
	if retryAfter <= 0 || retryAfter > time.Minute {
		t.Fatalf("unexpected retry after %v", retryAfter)
	}
	if got := stub.Value(defaultKeyPrefix + "203.0.113.9"); got != 4 {
		t.Fatalf("expected counter 4, got %d", got)
	}
	if got := stub.Calls("EXPIRE"); got != 1 {
		t.Fatalf("expected a single EXPIRE for the window, got %d", got)
	}
}

func TestRedisStoreRejectsWrongPassword(t *testing.T) {
	stub := startRedisStub(t, redisstub.Options{Password: "secret"})
	store := newRedisStore(redisStoreConfig{Addr: stub.Addr(), Password: "wrong", Timeout: time.Second})
	t.Cleanup(func() { _ = store.Close() })

	if _, _, err := store.Add(context.Background(), "k", 1, 10, time.Minute); err == nil {
		t.Fatal("expected authentication failure")
	}
}

func TestRedisStoreUnavailable(t *testing.T) {
	stub := startRedisStub(t, redisstub.Options{})
	addr := stub.Addr()
	_ = stub.Close()

	rl := NewRateLimiter(RateLimitConfig{
		RequestLimit: 5,
		Window:       time.Minute,
		RedisAddr:    addr,
		RedisTimeout: 200 * time.Millisecond,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)), metrics.New())
	t.Cleanup(func() { _ = rl.Close() })

	if _, _, err := rl.AllowClient(context.Background(), "ip"); err == nil {
		t.Fatal("expected error when redis is down")
	}
	if err := rl.Ping(context.Background()); err == nil {
		t.Fatal("expected ping failure when redis is down")
	}
}
