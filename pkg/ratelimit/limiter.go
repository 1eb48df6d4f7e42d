// Package ratelimit limits API requests per caller. The server derives the
// key from the API key and client address.
package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/ziebelje/cora/pkg/fault"
)

const (
	StrategyWindow = "window"
	StrategyToken  = "token"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// Check consults l and turns a denial into a rate limit fault.
func Check(ctx context.Context, l Limiter, key string, limit int) (Decision, error) {
	d := l.Allow(ctx, key, limit)
	if d.Allowed {
		return d, nil
	}
	retry := time.Until(d.ResetAt).Round(time.Second)
	if retry < time.Second {
		retry = time.Second
	}
	return d, fault.Newf(fault.KindAuth, fault.CodeRateLimited, "rate limit of %d requests exceeded", d.Limit).
		With("retry_after_sec", int(retry.Seconds()))
}

// Key joins the parts of a limiter key, skipping empty ones.
func Key(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}

// InMemoryLimiter is a fixed window counter per key.
type InMemoryLimiter struct {
	mu     sync.Mutex
	window time.Duration
	items  map[string]entry
	now    func() time.Time
}

type entry struct {
	count   int
	resetAt time.Time
}

func NewInMemory(window time.Duration) *InMemoryLimiter {
	if window <= 0 {
		window = time.Minute
	}
	return &InMemoryLimiter{
		window: window,
		items:  make(map[string]entry),
		now:    time.Now,
	}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
	curr, ok := l.items[key]
	if !ok {
		curr = entry{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, limit, curr.resetAt)
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}
