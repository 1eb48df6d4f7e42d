package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter refills limit tokens per window for every key, with a
// burst of limit. Idle buckets are dropped after one window.
type TokenBucketLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	limiter *rate.Limiter
	limit   int
	seen    time.Time
}

func NewTokenBucket(window time.Duration) *TokenBucketLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &TokenBucketLimiter{window: window, buckets: map[string]*bucket{}, now: time.Now}
}

func (l *TokenBucketLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, b := range l.buckets {
		if now.Sub(b.seen) > l.window {
			delete(l.buckets, k)
		}
	}
	b, ok := l.buckets[key]
	if !ok || b.limit != limit {
		every := rate.Every(l.window / time.Duration(limit))
		b = &bucket{limiter: rate.NewLimiter(every, limit), limit: limit}
		l.buckets[key] = b
	}
	b.seen = now
	allowed := b.limiter.AllowN(now, 1)
	remaining := int(math.Floor(b.limiter.TokensAt(now)))
	if remaining < 0 {
		remaining = 0
	}
	reset := now
	if missing := float64(limit) - b.limiter.TokensAt(now); missing > 0 {
		reset = now.Add(time.Duration(missing / float64(b.limiter.Limit()) * float64(time.Second)))
	}
	return Decision{Allowed: allowed, Count: limit - remaining, Limit: limit, Remaining: remaining, ResetAt: reset}
}
