package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"loop-library/internal/observability/metrics"
)

// RateLimitConfig bounds request volume. RequestLimit is the weighted budget
// one client IP may spend per Window; penalties draw from the same budget.
type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	RequestLimit  int
	Window        time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
	// KeyPrefix namespaces the Redis keys.
	KeyPrefix string
}

const defaultKeyPrefix = "looplib:rate:"

// windowStore counts weighted hits per key inside a fixed window.
type windowStore interface {
	Add(ctx context.Context, key string, weight, limit int, window time.Duration) (bool, time.Duration, error)
	Ping(ctx context.Context) error
	Close() error
}

// RateLimiter combines a process-wide token bucket with a per-client window
// that is shared across replicas when Redis is configured.
type RateLimiter struct {
	global   *tokenBucket
	limit    int
	window   time.Duration
	prefix   string
	store    windowStore
	logger   *slog.Logger
	recorder *metrics.Recorder
}

func NewRateLimiter(cfg RateLimitConfig, logger *slog.Logger, recorder *metrics.Recorder) *RateLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	rl := &RateLimiter{
		limit:    cfg.RequestLimit,
		window:   cfg.Window,
		prefix:   cfg.KeyPrefix,
		logger:   logger,
		recorder: recorder,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		rl.global = newTokenBucket(cfg.GlobalRPS, burst)
	}
	if rl.limit < 0 {
		rl.limit = 0
	}
	if rl.window <= 0 {
		rl.window = time.Minute
	}
	if rl.prefix == "" {
		rl.prefix = defaultKeyPrefix
	}
	if cfg.RedisAddr != "" && rl.limit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(redisStoreConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, Timeout: timeout})
	} else {
		rl.store = newMemoryStore(time.Now)
	}
	return rl
}

// AllowRequest draws from the global bucket.
func (r *RateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	if r.global.Allow() {
		return true
	}
	r.recorder.ObserveRateLimited("global")
	return false
}

// AllowClient charges one request to ip and reports whether it is within
// budget, with the time until the window resets when it is not.
func (r *RateLimiter) AllowClient(ctx context.Context, ip string) (bool, time.Duration, error) {
	if r == nil || r.limit <= 0 {
		return true, 0, nil
	}
	allowed, retryAfter, err := r.store.Add(ctx, r.key(ip), 1, r.limit, r.window)
	if err != nil {
		return false, 0, err
	}
	if !allowed {
		r.recorder.ObserveRateLimited("client")
	}
	return allowed, retryAfter, nil
}

// Penalize charges extra weight against ip's window. Store failures are
// logged; a penalty never fails the request that earned it.
func (r *RateLimiter) Penalize(ctx context.Context, ip string, weight int) {
	if r == nil || r.limit <= 0 || weight <= 0 {
		return
	}
	if _, _, err := r.store.Add(ctx, r.key(ip), weight, r.limit, r.window); err != nil {
		r.logger.Error("rate limit penalty failed", "remote_ip", ip, "weight", weight, "error", err)
		return
	}
	r.logger.Debug("rate limit penalty applied", "remote_ip", ip, "weight", weight)
}

// Ping checks the shared store.
func (r *RateLimiter) Ping(ctx context.Context) error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Ping(ctx)
}

func (r *RateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func (r *RateLimiter) key(ip string) string {
	if ip == "" {
		ip = "unknown"
	}
	return r.prefix + ip
}

type memoryWindow struct {
	count   int
	resetAt time.Time
}

// memoryStore is the single-replica windowStore.
type memoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	windows   map[string]*memoryWindow
	lastSweep time.Time
}

func newMemoryStore(now func() time.Time) *memoryStore {
	return &memoryStore{now: now, windows: make(map[string]*memoryWindow)}
}

func (s *memoryStore) Add(_ context.Context, key string, weight, limit int, window time.Duration) (bool, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.cleanupLocked(now, window)

	w, ok := s.windows[key]
	if !ok || !now.Before(w.resetAt) {
		w = &memoryWindow{resetAt: now.Add(window)}
		s.windows[key] = w
	}
	w.count += weight
	if w.count <= limit {
		return true, 0, nil
	}
	return false, w.resetAt.Sub(now), nil
}

func (s *memoryStore) cleanupLocked(now time.Time, window time.Duration) {
	if now.Sub(s.lastSweep) < window {
		return
	}
	s.lastSweep = now
	for key, w := range s.windows {
		if !now.Before(w.resetAt) {
			delete(s.windows, key)
		}
	}
}

func (s *memoryStore) Ping(context.Context) error { return nil }

func (s *memoryStore) Close() error { return nil }

type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(tb.lastCheck).Seconds()
	tb.lastCheck = now
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
