package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/finchbase/finch/internal/config"
)

// tokenBucket is a per-client refillable budget.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	lastAccess time.Time
}

func newTokenBucket(requestsPerMinute, burstSize int) *tokenBucket {
	now := time.Now()
	return &tokenBucket{
		tokens:     float64(burstSize),
		maxTokens:  float64(burstSize),
		refillRate: float64(requestsPerMinute) / 60.0,
		lastRefill: now,
		lastAccess: now,
	}
}

func (tb *tokenBucket) allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.refillRate
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}
	tb.lastRefill = now
	tb.lastAccess = now

	if tb.tokens >= 1.0 {
		tb.tokens -= 1.0
		return true
	}
	return false
}

func (tb *tokenBucket) last() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// rateLimiter keeps one bucket per client key. Stale buckets are evicted to
// keep the map bounded under churning keys.
type rateLimiter struct {
	mu      sync.Mutex
	buckets map[string]*tokenBucket
	cfg     config.RateLimitConfig
}

func newRateLimiter(cfg config.RateLimitConfig) *rateLimiter {
	if cfg.RequestsPerMinute == 0 {
		cfg.RequestsPerMinute = 60
	}
	if cfg.BurstSize == 0 {
		cfg.BurstSize = 10
	}
	return &rateLimiter{
		buckets: make(map[string]*tokenBucket),
		cfg:     cfg,
	}
}

func (rl *rateLimiter) allow(key string) bool {
	if !rl.cfg.Enabled {
		return true
	}
	rl.mu.Lock()
	bucket, ok := rl.buckets[key]
	if !ok {
		bucket = newTokenBucket(rl.cfg.RequestsPerMinute, rl.cfg.BurstSize)
		rl.buckets[key] = bucket
	}
	rl.mu.Unlock()
	return bucket.allow()
}

// startEviction drops buckets idle longer than maxAge every interval, until
// ctx is canceled.
func (rl *rateLimiter) startEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.evictStale(maxAge)
			}
		}
	}()
}

func (rl *rateLimiter) evictStale(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, bucket := range rl.buckets {
		if bucket.last().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	return evicted
}
