package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter requires a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	clean := func() {
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	clean()
	t.Cleanup(func() {
		clean()
		client.Close()
	})
	return NewLimiter(client)
}

var testRule = Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= testRule.Limit; i++ {
		ok, err := l.Allow(ctx, "a", testRule)
		if err != nil {
			t.Fatalf("Allow() #%d error: %v", i, err)
		}
		if !ok {
			t.Fatalf("Allow() #%d = false, want true", i)
		}
	}

	ok, err := l.Allow(ctx, "a", testRule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Error("Allow() over limit = true, want false")
	}

	// Identifiers are independent.
	if ok, _ := l.Allow(ctx, "b", testRule); !ok {
		t.Error("Allow() for a fresh identifier = false, want true")
	}
}

func TestRemainingAndRetryAfter(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()

	n, err := l.Remaining(ctx, "r", testRule)
	if err != nil || n != testRule.Limit {
		t.Fatalf("Remaining() = %d, %v; want %d, nil", n, err, testRule.Limit)
	}

	l.Allow(ctx, "r", testRule)
	l.Allow(ctx, "r", testRule)
	n, _ = l.Remaining(ctx, "r", testRule)
	if n != 1 {
		t.Errorf("Remaining() = %d, want 1", n)
	}

	d := l.RetryAfter(ctx, "r", testRule)
	if d <= 0 || d > testRule.Window {
		t.Errorf("RetryAfter() = %v, want (0, %v]", d, testRule.Window)
	}
	if d := l.RetryAfter(ctx, "never-seen", testRule); d != testRule.Window {
		t.Errorf("RetryAfter() for unknown key = %v, want %v", d, testRule.Window)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "x", testRule)
	if err == nil {
		t.Fatal("expected an error from an unreachable redis")
	}
	if !ok {
		t.Error("Allow() must fail open")
	}
	n, _ := l.Remaining(context.Background(), "x", testRule)
	if n != testRule.Limit {
		t.Errorf("Remaining() = %d, want %d", n, testRule.Limit)
	}
}
