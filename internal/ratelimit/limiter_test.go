package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter creates a Limiter connected to a local Redis instance and
// flushes test keys before returning. Tests that call this helper require a
// running Redis on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, prefix := range []string{"rl:login:test_*", "rl:msg:test_*", "rl:conn:test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLimiter(client)
}

func TestAllowWithinLimit(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < RuleLogin.Limit; i++ {
		ok, err := limiter.Allow(ctx, "test_within", RuleLogin)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("attempt %d rejected, limit is %d", i+1, RuleLogin.Limit)
		}
	}
}

func TestAllowRejectsOverLimit(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < RuleLogin.Limit; i++ {
		if _, err := limiter.Allow(ctx, "test_over", RuleLogin); err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
	}

	ok, err := limiter.Allow(ctx, "test_over", RuleLogin)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Errorf("attempt %d allowed, limit is %d", RuleLogin.Limit+1, RuleLogin.Limit)
	}
}

func TestLimitIsPerIdentifier(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()

	for i := 0; i < RuleLogin.Limit; i++ {
		if _, err := limiter.Allow(ctx, "test_busy", RuleLogin); err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
	}

	ok, err := limiter.Allow(ctx, "test_quiet", RuleLogin)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !ok {
		t.Error("unrelated identifier was throttled")
	}
}

func TestWindowExpiryResetsCounter(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:msg:test_", Limit: 2, Window: time.Second}

	for i := 0; i < rule.Limit; i++ {
		if _, err := limiter.Allow(ctx, "expiry", rule); err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
	}
	if ok, _ := limiter.Allow(ctx, "expiry", rule); ok {
		t.Fatal("over-limit attempt allowed before window expiry")
	}

	time.Sleep(rule.Window + 200*time.Millisecond)

	ok, err := limiter.Allow(ctx, "expiry", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !ok {
		t.Error("counter did not reset after the window expired")
	}
}

func TestRemaining(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()

	remaining, err := limiter.Remaining(ctx, "test_remaining", RuleMessage)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if remaining != RuleMessage.Limit {
		t.Errorf("fresh identifier remaining = %d, want %d", remaining, RuleMessage.Limit)
	}

	for i := 0; i < 3; i++ {
		if _, err := limiter.Allow(ctx, "test_remaining", RuleMessage); err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
	}

	remaining, err = limiter.Remaining(ctx, "test_remaining", RuleMessage)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if want := RuleMessage.Limit - 3; remaining != want {
		t.Errorf("remaining = %d, want %d", remaining, want)
	}
}

func TestConcurrentIncrementsDoNotExceedLimit(t *testing.T) {
	limiter := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:conn:test_", Limit: 10, Window: time.Minute}

	allowed := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		go func(n int) {
			ok, err := limiter.Allow(ctx, "concurrent", rule)
			if err != nil {
				t.Errorf("goroutine %d: %v", n, err)
			}
			allowed <- ok
		}(i)
	}

	count := 0
	for i := 0; i < 50; i++ {
		if <-allowed {
			count++
		}
	}
	if count != rule.Limit {
		t.Errorf("%d of 50 concurrent attempts allowed, want exactly %d", count, rule.Limit)
	}
}
