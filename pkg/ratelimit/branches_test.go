package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestNewInMemoryDefaultWindow(t *testing.T) {
	if lim := NewInMemory(0); lim.window != time.Minute {
		t.Fatalf("expected default 1 minute window, got %v", lim.window)
	}
}

func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:         "127.0.0.1:1",
		DialTimeout:  5 * time.Millisecond,
		ReadTimeout:  5 * time.Millisecond,
		WriteTimeout: 5 * time.Millisecond,
		MaxRetries:   0,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func miniredisClient(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLimiterPermitsWithoutFallback(t *testing.T) {
	t.Run("nil client", func(t *testing.T) {
		lim := &RedisLimiter{Window: 2 * time.Second, Prefix: "mcpgw:rl:"}
		got := lim.Allow("travel-agent:10.0.0.9", 0)
		if !got.Allowed || got.Limit != 1 || got.Count != 0 || got.Remaining != 1 {
			t.Fatalf("expected permissive decision, got %+v", got)
		}
	})

	t.Run("redis unreachable", func(t *testing.T) {
		lim := &RedisLimiter{
			Client: unreachableRedis(t),
			Window: 2 * time.Second,
			Prefix: "mcpgw:rl:",
		}
		got := lim.Allow("travel-agent:10.0.0.9", 2)
		if !got.Allowed || got.Count != 0 || got.Limit != 2 {
			t.Fatalf("expected permissive decision on redis outage, got %+v", got)
		}
	})
}

func TestRedisLimiterUnexpectedScriptResult(t *testing.T) {
	lim := &RedisLimiter{
		Client: miniredisClient(t),
		Window: 100 * time.Millisecond,
		Prefix: "mcpgw:rl:",
	}

	originalScript := rateLimitScript
	rateLimitScript = redis.NewScript(`return "bad-value"`)
	defer func() { rateLimitScript = originalScript }()

	got := lim.Allow("booking-agent:10.0.0.9", 5)
	if !got.Allowed || got.Count != 0 || got.Limit != 5 {
		t.Fatalf("expected permissive decision for invalid script result, got %+v", got)
	}
}

func TestRedisLimiterShortScriptResultUsesFallback(t *testing.T) {
	lim := NewRedis(miniredisClient(t), time.Second)

	originalScript := rateLimitScript
	rateLimitScript = redis.NewScript(`return {1}`)
	defer func() { rateLimitScript = originalScript }()

	first := lim.Allow("booking-agent:10.0.0.9", 1)
	if !first.Allowed || first.Count != 1 {
		t.Fatalf("expected in-memory fallback first decision, got %+v", first)
	}
	// The fallback keeps its own window, so the second request in the same
	// window must be denied even though Redis keeps misbehaving.
	if second := lim.Allow("booking-agent:10.0.0.9", 1); second.Allowed {
		t.Fatalf("expected fallback enforcement on second call, got %+v", second)
	}
}

func TestRedisLimiterNegativeTTLUsesWindow(t *testing.T) {
	client := miniredisClient(t)
	lim := NewRedis(client, 500*time.Millisecond)

	// A counter key without TTL makes PTTL return a negative value.
	key := lim.Prefix + "travel-agent:10.0.0.9"
	if err := client.Set(context.Background(), key, "1", 0).Err(); err != nil {
		t.Fatalf("seed redis key: %v", err)
	}

	got := lim.Allow("travel-agent:10.0.0.9", 10)
	if got.ResetAt.Before(time.Now().UTC()) {
		t.Fatalf("expected resetAt in the future, got %v", got.ResetAt)
	}
}
