package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
	return mr, client
}

func TestMemoryLimiter_DeniesPastBurst(t *testing.T) {
	limiter := NewMemoryLimiter(10) // burst of 1
	ctx := context.Background()

	allowed, _, err := limiter.Allow(ctx, "t1:caller")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if !allowed {
		t.Fatal("first request denied")
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "t1:caller")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if allowed {
		t.Fatal("second request allowed past burst")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfter = %d, want > 0", retryAfter)
	}
}

func TestMemoryLimiter_CallersAreIndependent(t *testing.T) {
	limiter := NewMemoryLimiter(10)
	ctx := context.Background()

	if allowed, _, _ := limiter.Allow(ctx, "t1:a"); !allowed {
		t.Fatal("caller a denied")
	}
	if allowed, _, _ := limiter.Allow(ctx, "t1:a"); allowed {
		t.Fatal("caller a allowed past burst")
	}
	// A different caller has its own bucket.
	if allowed, _, _ := limiter.Allow(ctx, "t1:b"); !allowed {
		t.Fatal("caller b denied by caller a's budget")
	}
}

func TestRedisLimiter_WindowBudget(t *testing.T) {
	_, client := newTestRedis(t)
	limiter := NewRedisLimiter(client, 3)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		allowed, _, err := limiter.Allow(ctx, "t1:caller")
		if err != nil {
			t.Fatalf("Allow error: %v", err)
		}
		if !allowed {
			t.Fatalf("request %d denied within budget", i)
		}
	}

	allowed, retryAfter, err := limiter.Allow(ctx, "t1:caller")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if allowed {
		t.Fatal("request allowed past budget")
	}
	if retryAfter <= 0 {
		t.Errorf("retryAfter = %d, want > 0", retryAfter)
	}
}

func TestRedisLimiter_WindowResets(t *testing.T) {
	mr, client := newTestRedis(t)
	limiter := NewRedisLimiter(client, 1)
	ctx := context.Background()

	if allowed, _, _ := limiter.Allow(ctx, "t1:caller"); !allowed {
		t.Fatal("first request denied")
	}
	if allowed, _, _ := limiter.Allow(ctx, "t1:caller"); allowed {
		t.Fatal("second request allowed past budget")
	}

	mr.FastForward(2 * time.Minute)

	allowed, _, err := limiter.Allow(ctx, "t1:caller")
	if err != nil {
		t.Fatalf("Allow error: %v", err)
	}
	if !allowed {
		t.Fatal("request denied after window reset")
	}
}
