// Package ratelimit enforces the per-caller request budget. Exceeding the
// budget yields a backpressure signal with a retry hint rather than blocking
// the caller.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// Limiter answers whether a caller may proceed.
type Limiter interface {
	// Allow reports whether the caller is within budget. When denied,
	// retryAfterSeconds carries the caller-facing retry hint.
	Allow(ctx context.Context, callerKey string) (allowed bool, retryAfterSeconds int, err error)
}

// --- RedisLimiter ---

// RedisLimiter counts requests in a one-minute window per caller key using
// an atomically-incremented counter with its own expiry.
type RedisLimiter struct {
	client redis.Cmdable
	limit  int
	window time.Duration
}

// NewRedisLimiter creates a Redis-backed limiter for the given
// requests-per-minute budget.
func NewRedisLimiter(client redis.Cmdable, requestsPerMinute int) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		limit:  requestsPerMinute,
		window: time.Minute,
	}
}

// Allow increments the caller's window counter and compares it to the limit.
func (l *RedisLimiter) Allow(ctx context.Context, callerKey string) (bool, int, error) {
	key := "rate:" + callerKey

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, fmt.Errorf("redis incr %q: %w", key, err)
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.window).Err(); err != nil {
			return false, 0, fmt.Errorf("redis expire %q: %w", key, err)
		}
	}

	if count > int64(l.limit) {
		ttl, err := l.client.TTL(ctx, key).Result()
		if err != nil || ttl <= 0 {
			ttl = l.window
		}
		return false, int(ttl.Seconds()) + 1, nil
	}
	return true, 0, nil
}

// --- MemoryLimiter ---

// MemoryLimiter is an in-process limiter using token buckets per caller.
// Suitable for testing and single-instance deployments.
type MemoryLimiter struct {
	limit   rate.Limit
	burst   int
	mu      sync.Mutex
	callers map[string]*callerLimiter
}

type callerLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// staleAfter bounds how long an idle caller's bucket is kept.
const staleAfter = 5 * time.Minute

// NewMemoryLimiter creates an in-process limiter for the given
// requests-per-minute budget.
func NewMemoryLimiter(requestsPerMinute int) *MemoryLimiter {
	burst := requestsPerMinute / 10
	if burst < 1 {
		burst = 1
	}
	return &MemoryLimiter{
		limit:   rate.Limit(float64(requestsPerMinute) / 60.0),
		burst:   burst,
		callers: make(map[string]*callerLimiter),
	}
}

// Allow consumes one token from the caller's bucket.
func (l *MemoryLimiter) Allow(_ context.Context, callerKey string) (bool, int, error) {
	now := time.Now()

	l.mu.Lock()
	entry, ok := l.callers[callerKey]
	if !ok {
		entry = &callerLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.callers[callerKey] = entry
		l.cleanupLocked(now)
	}
	entry.lastSeen = now
	l.mu.Unlock()

	if !entry.limiter.Allow() {
		return false, 60, nil
	}
	return true, 0, nil
}

func (l *MemoryLimiter) cleanupLocked(now time.Time) {
	for key, entry := range l.callers {
		if now.Sub(entry.lastSeen) > staleAfter {
			delete(l.callers, key)
		}
	}
}
