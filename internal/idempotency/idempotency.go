// Package idempotency deduplicates externally-initiated create requests.
// The key format is "idem:{tenantId}:{key}". The key, not the payload, is
// authoritative: any request bearing a known key within the window gets the
// stored response back, byte for byte, regardless of payload differences.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Store provides deduplication for create requests.
type Store interface {
	// Get looks up a previously stored response by key.
	Get(ctx context.Context, key string) (response []byte, found bool, err error)

	// PutIfAbsent stores a response under the key only if the key is unused:
	// a unique-constrained insert. Exactly one concurrent caller wins; every
	// caller gets the winner's response back. won reports whether this call
	// was the winner.
	PutIfAbsent(ctx context.Context, key string, response []byte, ttl time.Duration) (winner []byte, won bool, err error)
}

// FormatKey builds the standard idempotency key.
func FormatKey(tenantID, key string) string {
	return fmt.Sprintf("idem:%s:%s", tenantID, key)
}

// --- MemoryStore ---

// MemoryStore is an in-memory Store with TTL support. Suitable for testing
// and single-instance deployments.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

type memEntry struct {
	response  []byte
	expiresAt time.Time
}

// NewMemoryStore creates a new in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

// Get looks up a stored response.
func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		return nil, false, nil
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.entries, key)
		return nil, false, nil
	}
	return entry.response, true, nil
}

// PutIfAbsent stores a response only if the key is unused.
func (s *MemoryStore) PutIfAbsent(_ context.Context, key string, response []byte, ttl time.Duration) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, exists := s.entries[key]; exists && time.Now().Before(entry.expiresAt) {
		return entry.response, false, nil
	}

	s.entries[key] = &memEntry{
		response:  response,
		expiresAt: time.Now().Add(ttl),
	}
	return response, true, nil
}

// Len returns the number of entries (including expired ones). For testing.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// --- RedisStore ---

// RedisStore is a Redis-backed Store with TTL.
type RedisStore struct {
	client redis.Cmdable
}

// NewRedisStore creates a new Redis-backed idempotency store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client}
}

// Get looks up a stored response in Redis.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return raw, true, nil
}

// PutIfAbsent stores a response via SET NX so concurrent first uses have
// exactly one winner.
func (s *RedisStore) PutIfAbsent(ctx context.Context, key string, response []byte, ttl time.Duration) ([]byte, bool, error) {
	won, err := s.client.SetNX(ctx, key, response, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis setnx %q: %w", key, err)
	}
	if won {
		return response, true, nil
	}

	winner, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		// Winner's entry expired between SETNX and GET; treat our value as
		// stored so the caller proceeds.
		return response, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return winner, false, nil
}
