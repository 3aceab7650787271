package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// TokenBucket is a token bucket refilled continuously at rate tokens per second.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	lastAccess time.Time
	now        func() time.Time
	mu         sync.Mutex
}

func NewTokenBucket(ratePerSecond float64, burst int) *TokenBucket {
	return newTokenBucket(ratePerSecond, burst, time.Now)
}

func newTokenBucket(ratePerSecond float64, burst int, now func() time.Time) *TokenBucket {
	t := now()
	return &TokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: ratePerSecond,
		lastRefill: t,
		lastAccess: t,
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	tb.tokens += elapsed * tb.refillRate
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

func (tb *TokenBucket) LastAccess() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastAccess
}

// RateLimiter keeps one bucket per agent.
type RateLimiter struct {
	buckets  map[string]*TokenBucket
	rate     float64
	burst    int
	onReject func(context.Context)
	now      func() time.Time
	mu       sync.RWMutex
}

// NewRateLimiter builds a limiter. A rate <= 0 disables limiting. onReject
// may be nil.
func NewRateLimiter(ratePerSecond float64, burst int, onReject func(context.Context)) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		buckets:  make(map[string]*TokenBucket),
		rate:     ratePerSecond,
		burst:    burst,
		onReject: onReject,
		now:      time.Now,
	}
}

func (rl *RateLimiter) Enabled() bool {
	return rl.rate > 0
}

// StartEviction drops buckets idle for longer than maxAge every interval
// until ctx is done.
func (rl *RateLimiter) StartEviction(ctx context.Context, interval, maxAge time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.EvictStale(maxAge)
			}
		}
	}()
}

func (rl *RateLimiter) EvictStale(maxAge time.Duration) {
	cutoff := rl.now().Add(-maxAge)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	evicted := 0
	for key, bucket := range rl.buckets {
		if bucket.LastAccess().Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("ratelimit: evicted idle buckets", "evicted", evicted, "remaining", len(rl.buckets))
	}
}

func (rl *RateLimiter) BucketCount() int {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	return len(rl.buckets)
}

// Wrap limits next per X-Agent-ID, falling back to the remote address.
func (rl *RateLimiter) Wrap(next http.Handler) http.Handler {
	if !rl.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := agentFrom(r)
		if key == "" {
			key = r.RemoteAddr
		}
		if !rl.getBucket(key).Allow() {
			if rl.onReject != nil {
				rl.onReject(r.Context())
			}
			w.Header().Set("Retry-After", "1")
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: apiError{
				Code:    "rate_limited",
				Message: "claim rate limit exceeded",
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) getBucket(key string) *TokenBucket {
	rl.mu.RLock()
	bucket, exists := rl.buckets[key]
	rl.mu.RUnlock()
	if exists {
		return bucket
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if bucket, exists = rl.buckets[key]; exists {
		return bucket
	}
	bucket = newTokenBucket(rl.rate, rl.burst, rl.now)
	rl.buckets[key] = bucket
	return bucket
}
