package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"loop-library/internal/observability/metrics"
	"loop-library/internal/testsupport"
)

func TestMemoryStoreFixedWindow(t *testing.T) {
	t.Parallel()

	clock := testsupport.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newMemoryStore(clock.Now)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, _, err := store.Add(ctx, "k", 1, 3, time.Minute)
		if err != nil || !allowed {
			t.Fatalf("hit %d: allowed=%v err=%v", i, allowed, err)
		}
	}
	clock.Advance(20 * time.Second)
	allowed, retryAfter, err := store.Add(ctx, "k", 1, 3, time.Minute)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if allowed {
		t.Fatal("expected the fourth hit to be rejected")
	}
	if retryAfter != 40*time.Second {
		t.Fatalf("expected 40s until reset, got %v", retryAfter)
	}

	clock.Advance(40 * time.Second)
	if allowed, _, _ := store.Add(ctx, "k", 1, 3, time.Minute); !allowed {
		t.Fatal("expected a fresh window after reset")
	}
}

func TestMemoryStoreWeightedHits(t *testing.T) {
	t.Parallel()

	clock := testsupport.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	store := newMemoryStore(clock.Now)
	ctx := context.Background()

	if allowed, _, _ := store.Add(ctx, "k", 32, 33, time.Minute); !allowed {
		t.Fatal("expected weight within limit to pass")
	}
	if allowed, _, _ := store.Add(ctx, "k", 1, 33, time.Minute); !allowed {
		t.Fatal("expected the 33rd unit to pass")
	}
	if allowed, _, _ := store.Add(ctx, "k", 1, 33, time.Minute); allowed {
		t.Fatal("expected the 34th unit to be rejected")
	}
	if allowed, _, _ := store.Add(ctx, "other", 1, 33, time.Minute); !allowed {
		t.Fatal("expected keys to be independent")
	}
}

func TestRateLimiterPenalizeAndAllowClient(t *testing.T) {
	t.Parallel()

	recorder := metrics.New()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	rl := NewRateLimiter(RateLimitConfig{RequestLimit: 5, Window: time.Minute}, logger, recorder)
	ctx := context.Background()

	rl.Penalize(ctx, "198.51.100.7", 4)
	allowed, _, err := rl.AllowClient(ctx, "198.51.100.7")
	if err != nil || !allowed {
		t.Fatalf("expected fifth unit to pass: allowed=%v err=%v", allowed, err)
	}
	allowed, retryAfter, err := rl.AllowClient(ctx, "198.51.100.7")
	if err != nil {
		t.Fatalf("AllowClient: %v", err)
	}
	if allowed || retryAfter <= 0 {
		t.Fatalf("expected rejection with retry, got allowed=%v retry=%v", allowed, retryAfter)
	}
	rec := httptest.NewRecorder()
	recorder.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), `looplib_rate_limited_total{scope="client"} 1`) {
		t.Fatalf("expected one client rejection recorded:\n%s", rec.Body.String())
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(RateLimitConfig{}, nil, metrics.New())
	for i := 0; i < 100; i++ {
		if !rl.AllowRequest() {
			t.Fatal("global bucket should be disabled")
		}
		if allowed, _, _ := rl.AllowClient(context.Background(), "ip"); !allowed {
			t.Fatal("client window should be disabled")
		}
	}
	rl.Penalize(context.Background(), "ip", 1000)

	var nilLimiter *RateLimiter
	if !nilLimiter.AllowRequest() {
		t.Fatal("nil limiter should allow")
	}
}

func TestTokenBucketBurst(t *testing.T) {
	t.Parallel()

	bucket := newTokenBucket(0.001, 2)
	if !bucket.Allow() || !bucket.Allow() {
		t.Fatal("expected burst of two")
	}
	if bucket.Allow() {
		t.Fatal("expected bucket to be empty")
	}
}

func TestRetrySeconds(t *testing.T) {
	t.Parallel()

	cases := map[time.Duration]int{
		0:                       1,
		300 * time.Millisecond:  1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		40 * time.Second:        40,
	}
	for in, want := range cases {
		if got := retrySeconds(in); got != want {
			t.Fatalf("retrySeconds(%v) = %d, want %d", in, got, want)
		}
	}
}
