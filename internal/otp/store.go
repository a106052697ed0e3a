package otp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// --- MemoryStore ---

// MemoryStore is an in-memory Store for testing and single-instance
// deployments.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]memRecord
	attempts map[string]int
	locks    map[string]time.Time
}

type memRecord struct {
	rec       Record
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory OTP store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]memRecord),
		attempts: make(map[string]int),
		locks:    make(map[string]time.Time),
	}
}

// Save stores a fresh challenge and resets the attempt counter. An active
// lock is preserved so a resend cannot bypass lockout.
func (s *MemoryStore) Save(_ context.Context, key string, rec Record, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = memRecord{rec: rec, expiresAt: time.Now().Add(ttl)}
	delete(s.attempts, key)
	return nil
}

// Get returns the record merged with its attempt counter and lock state.
func (s *MemoryStore) Get(_ context.Context, key string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	lockedUntil, locked := s.locks[key]
	if locked && now.After(lockedUntil) {
		delete(s.locks, key)
		locked = false
	}

	entry, exists := s.records[key]
	if exists && now.After(entry.expiresAt) {
		delete(s.records, key)
		exists = false
	}

	if !exists && !locked {
		return Record{}, false, nil
	}

	rec := entry.rec
	rec.Attempts = s.attempts[key]
	if locked {
		rec.LockedUntil = lockedUntil
	}
	return rec, true, nil
}

// IncrementAttempts atomically increments and returns the attempt count.
func (s *MemoryStore) IncrementAttempts(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[key]++
	return s.attempts[key], nil
}

// Lock sets the lock-until timestamp for a key.
func (s *MemoryStore) Lock(_ context.Context, key string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.locks[key] = until
	return nil
}

// Delete removes the record and its counters.
func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	delete(s.attempts, key)
	delete(s.locks, key)
	return nil
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store. The challenge, attempt counter, and
// lock live in separate keys so INCR keeps the threshold exact and the lock
// outlives the code's own TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed OTP store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

func attemptsKey(key string) string { return key + ":attempts" }
func lockKey(key string) string     { return key + ":lock" }

// Save stores a fresh challenge and clears the attempt counter. The lock
// key, if present, is left alone.
func (s *RedisStore) Save(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal otp record: %w", err)
	}
	if err := s.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	if err := s.client.Del(ctx, attemptsKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", attemptsKey(key), err)
	}
	return nil
}

// Get returns the record merged with its attempt counter and lock state.
func (s *RedisStore) Get(ctx context.Context, key string) (Record, bool, error) {
	var rec Record
	found := false

	raw, err := s.client.Get(ctx, key).Bytes()
	if err == nil {
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Record{}, false, fmt.Errorf("unmarshal otp record %q: %w", key, err)
		}
		found = true
	} else if err != redis.Nil {
		return Record{}, false, fmt.Errorf("redis get %q: %w", key, err)
	}

	lockRaw, err := s.client.Get(ctx, lockKey(key)).Result()
	if err == nil {
		if until, perr := time.Parse(time.RFC3339Nano, lockRaw); perr == nil {
			rec.LockedUntil = until
			found = true
		}
	} else if err != redis.Nil {
		return Record{}, false, fmt.Errorf("redis get %q: %w", lockKey(key), err)
	}

	if !found {
		return Record{}, false, nil
	}

	attempts, err := s.client.Get(ctx, attemptsKey(key)).Int()
	if err != nil && err != redis.Nil {
		return Record{}, false, fmt.Errorf("redis get %q: %w", attemptsKey(key), err)
	}
	rec.Attempts = attempts
	return rec, true, nil
}

// IncrementAttempts atomically increments and returns the attempt count.
func (s *RedisStore) IncrementAttempts(ctx context.Context, key string) (int, error) {
	n, err := s.client.Incr(ctx, attemptsKey(key)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis incr %q: %w", attemptsKey(key), err)
	}
	return int(n), nil
}

// Lock sets the lock-until timestamp with a matching TTL.
func (s *RedisStore) Lock(ctx context.Context, key string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, lockKey(key), until.UTC().Format(time.RFC3339Nano), ttl).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", lockKey(key), err)
	}
	return nil
}

// Delete removes the record and its counters.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key, attemptsKey(key), lockKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del %q: %w", key, err)
	}
	return nil
}
