package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ziebelje/cora/pkg/fault"
)

func TestInMemoryFixedWindow(t *testing.T) {
	lim := NewInMemory(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	lim.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d := lim.Allow(ctx, "k", 3)
		if !d.Allowed || d.Count != i || d.Remaining != 3-i {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	if d := lim.Allow(ctx, "k", 3); d.Allowed || d.Remaining != 0 {
		t.Fatalf("expected denial, got %+v", d)
	}
	if d := lim.Allow(ctx, "other", 3); !d.Allowed {
		t.Fatalf("keys must be independent, got %+v", d)
	}
	now = now.Add(time.Minute)
	if d := lim.Allow(ctx, "k", 3); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected new window, got %+v", d)
	}
}

func TestInMemoryDefaults(t *testing.T) {
	lim := NewInMemory(0)
	if lim.window != time.Minute {
		t.Fatalf("expected default window, got %v", lim.window)
	}
	if d := lim.Allow(context.Background(), "k", 0); d.Limit != 1 || !d.Allowed {
		t.Fatalf("expected limit clamped to 1, got %+v", d)
	}
}

func TestRedisLimiter(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	lim := NewRedis(client, 10*time.Second)
	ctx := context.Background()
	if d := lim.Allow(ctx, "key:1.2.3.4", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("first: %+v", d)
	}
	if d := lim.Allow(ctx, "key:1.2.3.4", 2); !d.Allowed || d.Remaining != 0 {
		t.Fatalf("second: %+v", d)
	}
	d := lim.Allow(ctx, "key:1.2.3.4", 2)
	if d.Allowed || d.Count != 3 {
		t.Fatalf("third should be denied: %+v", d)
	}
	if ttl := mr.TTL("cora:rl:key:1.2.3.4"); ttl <= 0 || ttl > 10*time.Second {
		t.Fatalf("expected window ttl on key, got %v", ttl)
	}
	mr.FastForward(11 * time.Second)
	if d := lim.Allow(ctx, "key:1.2.3.4", 2); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected reset after window, got %+v", d)
	}
}

func TestRedisLimiterFallsBack(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 5 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	lim := NewRedis(client, time.Minute)
	ctx := context.Background()
	lim.Allow(ctx, "k", 1)
	if d := lim.Allow(ctx, "k", 1); d.Allowed {
		t.Fatalf("expected in-memory fallback to count, got %+v", d)
	}

	open := &RedisLimiter{Window: time.Minute}
	if d := open.Allow(ctx, "k", 2); !d.Allowed || d.Remaining != 2 {
		t.Fatalf("expected permissive decision without client or fallback, got %+v", d)
	}
	if NewRedis(nil, 0).Window != time.Minute {
		t.Fatal("expected default window")
	}
}

func TestTokenBucket(t *testing.T) {
	lim := NewTokenBucket(time.Minute)
	now := time.Unix(1_700_000_000, 0)
	lim.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if d := lim.Allow(ctx, "k", 6); !d.Allowed {
			t.Fatalf("burst request %d denied: %+v", i, d)
		}
	}
	d := lim.Allow(ctx, "k", 6)
	if d.Allowed || d.Remaining != 0 || !d.ResetAt.After(now) {
		t.Fatalf("expected empty bucket, got %+v", d)
	}
	now = now.Add(10 * time.Second)
	if d := lim.Allow(ctx, "k", 6); !d.Allowed {
		t.Fatalf("expected one token refilled, got %+v", d)
	}
	if d := lim.Allow(ctx, "k", 6); d.Allowed {
		t.Fatalf("expected only one token refilled, got %+v", d)
	}
	now = now.Add(2 * time.Minute)
	lim.Allow(ctx, "fresh", 6)
	if _, ok := lim.buckets["k"]; ok {
		t.Fatal("expected idle bucket evicted")
	}
}

func TestCheck(t *testing.T) {
	lim := NewInMemory(time.Minute)
	ctx := context.Background()
	if _, err := Check(ctx, lim, "k", 1); err != nil {
		t.Fatalf("first request: %v", err)
	}
	d, err := Check(ctx, lim, "k", 1)
	if fault.CodeOf(err) != fault.CodeRateLimited || d.Allowed {
		t.Fatalf("expected rate limit fault, got %v", err)
	}
	fe := fault.From(err)
	if fe.Extra["retry_after_sec"].(int) < 1 {
		t.Fatalf("expected retry hint, got %v", fe.Extra)
	}
}

func TestKey(t *testing.T) {
	if got := Key("abc", " ", "10.0.0.1"); got != "abc:10.0.0.1" {
		t.Fatalf("Key = %q", got)
	}
}
