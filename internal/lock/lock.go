// Package lock provides the short-lived, auto-expiring exclusive locks that
// guard document finalization. Locks are keyed by document ID and carry a
// TTL so a crashed holder cannot starve a document indefinitely.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Locker grants exclusive, auto-expiring locks.
type Locker interface {
	// TryAcquire attempts to take the lock for the holder. Returns false
	// without error when another holder owns an unexpired lock.
	TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// Release frees the lock if the holder still owns it. Releasing a lock
	// already taken over by another holder is a no-op.
	Release(ctx context.Context, key, holder string) error
}

// Key builds the standard lock key for a document.
func Key(docID string) string {
	return "lock:doc:" + docID
}

// --- MemoryLocker ---

// MemoryLocker is an in-process Locker for testing and single-instance
// deployments.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]memLock
}

type memLock struct {
	holder    string
	expiresAt time.Time
}

// NewMemoryLocker creates a new in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]memLock)}
}

// TryAcquire takes the lock if it is free or expired.
func (l *MemoryLocker) TryAcquire(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if existing, ok := l.locks[key]; ok && now.Before(existing.expiresAt) {
		return false, nil
	}
	l.locks[key] = memLock{holder: holder, expiresAt: now.Add(ttl)}
	return true, nil
}

// Release frees the lock if the holder still owns it.
func (l *MemoryLocker) Release(_ context.Context, key, holder string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.locks[key]; ok && existing.holder == holder {
		delete(l.locks, key)
	}
	return nil
}

// --- RedisLocker ---

// releaseScript deletes the lock only when the holder still owns it, so an
// expired-and-reacquired lock is never released by the previous holder.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisLocker is a Redis-backed Locker using SET NX PX.
type RedisLocker struct {
	client redis.Cmdable
}

// NewRedisLocker creates a new Redis-backed locker.
func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client}
}

// TryAcquire takes the lock with a TTL if it is free.
func (l *RedisLocker) TryAcquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	return ok, nil
}

// Release frees the lock if the holder still owns it.
func (l *RedisLocker) Release(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key}, holder).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("redis release %q: %w", key, err)
	}
	return nil
}
