package lock

import (
	"context"
	"sync"
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

func TestKey(t *testing.T) {
	if got := Key("doc-1"); got != "lock:doc:doc-1" {
		t.Errorf("Key = %q", got)
	}
}

func TestMemoryLocker_Exclusive(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	ok, err := locker.TryAcquire(ctx, "k", "holder-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}

	ok, err = locker.TryAcquire(ctx, "k", "holder-b", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}
	if ok {
		t.Fatal("second holder acquired a held lock")
	}

	if err := locker.Release(ctx, "k", "holder-a"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	ok, err = locker.TryAcquire(ctx, "k", "holder-b", time.Minute)
	if err != nil || !ok {
		t.Fatalf("post-release TryAcquire = %v, %v", ok, err)
	}
}

func TestMemoryLocker_ReleaseByNonHolder(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	if _, err := locker.TryAcquire(ctx, "k", "holder-a", time.Minute); err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}
	// Wrong holder releasing is a no-op.
	if err := locker.Release(ctx, "k", "holder-b"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	ok, err := locker.TryAcquire(ctx, "k", "holder-c", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}
	if ok {
		t.Fatal("lock released by a non-holder")
	}
}

func TestMemoryLocker_TTLExpiry(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	if _, err := locker.TryAcquire(ctx, "k", "crashed", 10*time.Millisecond); err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	ok, err := locker.TryAcquire(ctx, "k", "next", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire after expiry = %v, %v", ok, err)
	}
}

func TestMemoryLocker_SingleWinnerUnderContention(t *testing.T) {
	locker := NewMemoryLocker()
	ctx := context.Background()

	const contenders = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := locker.TryAcquire(ctx, "k", string(rune('a'+n)), time.Minute)
			if err != nil {
				t.Errorf("TryAcquire error: %v", err)
				return
			}
			if ok {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("winners = %d, want 1", winners)
	}
}

// --- RedisLocker ---

func TestRedisLocker_Exclusive(t *testing.T) {
	_, client := newTestRedis(t)
	locker := NewRedisLocker(client)
	ctx := context.Background()

	ok, err := locker.TryAcquire(ctx, Key("doc-1"), "holder-a", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire = %v, %v", ok, err)
	}
	ok, err = locker.TryAcquire(ctx, Key("doc-1"), "holder-b", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}
	if ok {
		t.Fatal("second holder acquired a held lock")
	}
}

func TestRedisLocker_ReleaseIsHolderChecked(t *testing.T) {
	_, client := newTestRedis(t)
	locker := NewRedisLocker(client)
	ctx := context.Background()
	key := Key("doc-1")

	if _, err := locker.TryAcquire(ctx, key, "holder-a", time.Minute); err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}
	if err := locker.Release(ctx, key, "holder-b"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	ok, err := locker.TryAcquire(ctx, key, "holder-c", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}
	if ok {
		t.Fatal("lock released by a non-holder")
	}

	if err := locker.Release(ctx, key, "holder-a"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	ok, err = locker.TryAcquire(ctx, key, "holder-c", time.Minute)
	if err != nil || !ok {
		t.Fatalf("post-release TryAcquire = %v, %v", ok, err)
	}
}

func TestRedisLocker_TTLExpiry(t *testing.T) {
	mr, client := newTestRedis(t)
	locker := NewRedisLocker(client)
	ctx := context.Background()
	key := Key("doc-1")

	if _, err := locker.TryAcquire(ctx, key, "crashed", time.Minute); err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}
	mr.FastForward(2 * time.Minute)

	ok, err := locker.TryAcquire(ctx, key, "next", time.Minute)
	if err != nil || !ok {
		t.Fatalf("TryAcquire after TTL = %v, %v", ok, err)
	}

	// The crashed holder's late release must not free the new holder's lock.
	if err := locker.Release(ctx, key, "crashed"); err != nil {
		t.Fatalf("Release error: %v", err)
	}
	ok, err = locker.TryAcquire(ctx, key, "third", time.Minute)
	if err != nil {
		t.Fatalf("TryAcquire error: %v", err)
	}
	if ok {
		t.Fatal("stale holder's release freed the reacquired lock")
	}
}
