package state

import (
	"context"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCacheSetGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "greeting", "hello", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get(ctx, "greeting")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || got != "hello" {
		t.Fatalf("Get = (%q, %v), want (hello, true)", got, ok)
	}

	// Upsert replaces the value.
	if err := s.Set(ctx, "greeting", "hi", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, _ = s.Get(ctx, "greeting")
	if !ok || got != "hi" {
		t.Fatalf("Get after upsert = (%q, %v), want (hi, true)", got, ok)
	}
}

func TestCacheMiss(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.Get(context.Background(), "absent")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("Get reported a hit for an absent key")
	}
}

func TestCacheTTLExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.SetNow(func() time.Time { return base })

	if err := s.Set(ctx, "ephemeral", "value", 100*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "ephemeral"); !ok {
		t.Fatal("entry should be readable before expiry")
	}

	s.SetNow(func() time.Time { return base.Add(150 * time.Millisecond) })
	if _, ok, _ := s.Get(ctx, "ephemeral"); ok {
		t.Fatal("entry should be a miss after its ttl elapsed")
	}

	// The expired row was evicted, not just skipped.
	row := s.db.QueryRow(`SELECT COUNT(*) FROM state_cache WHERE key = 'ephemeral'`)
	var n int
	if err := row.Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("expired row still present, count = %d", n)
	}
}

func TestEvictExpiredKeepsRefreshedEntry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.SetNow(func() time.Time { return base })
	if err := s.Set(ctx, "k", "stale", 100*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// A writer refreshes the entry after the old one expired. The eviction a
	// concurrent reader would then issue must not delete the fresh value.
	s.SetNow(func() time.Time { return base.Add(150 * time.Millisecond) })
	if err := s.Set(ctx, "k", "fresh", 200*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.evictExpired(ctx, "k"); err != nil {
		t.Fatalf("evictExpired: %v", err)
	}
	got, ok, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || got != "fresh" {
		t.Fatalf("Get = (%q, %v), want (fresh, true)", got, ok)
	}

	// Once the fresh entry expires too, eviction removes it.
	s.SetNow(func() time.Time { return base.Add(400 * time.Millisecond) })
	if err := s.evictExpired(ctx, "k"); err != nil {
		t.Fatalf("evictExpired: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("expired entry survived eviction")
	}
}

func TestCacheDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("Get reported a hit after Delete")
	}
	// Deleting an absent key is fine.
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete of absent key: %v", err)
	}
}

func TestLockRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, "thread-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	if lock == nil {
		t.Fatal("first acquisition returned nil lock")
	}
	if lock.Token == "" {
		t.Fatal("lock has empty token")
	}

	second, err := s.AcquireLock(ctx, "thread-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock while held: %v", err)
	}
	if second != nil {
		t.Fatal("second acquisition succeeded while lock held")
	}

	// A different thread is unaffected.
	other, err := s.AcquireLock(ctx, "thread-2", time.Minute)
	if err != nil || other == nil {
		t.Fatalf("AcquireLock other thread = (%v, %v)", other, err)
	}

	if err := s.ReleaseLock(ctx, lock); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	reacquired, err := s.AcquireLock(ctx, "thread-1", time.Minute)
	if err != nil || reacquired == nil {
		t.Fatalf("AcquireLock after release = (%v, %v)", reacquired, err)
	}
}

func TestLockExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.SetNow(func() time.Time { return base })

	lock, err := s.AcquireLock(ctx, "thread-1", 50*time.Millisecond)
	if err != nil || lock == nil {
		t.Fatalf("AcquireLock = (%v, %v)", lock, err)
	}

	s.SetNow(func() time.Time { return base.Add(100 * time.Millisecond) })
	after, err := s.AcquireLock(ctx, "thread-1", time.Minute)
	if err != nil {
		t.Fatalf("AcquireLock after expiry: %v", err)
	}
	if after == nil {
		t.Fatal("acquisition after expiry returned nil")
	}
	if after.Token == lock.Token {
		t.Fatal("new lock reused the old token")
	}
}

func TestExtendLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.SetNow(func() time.Time { return base })

	lock, err := s.AcquireLock(ctx, "thread-1", 100*time.Millisecond)
	if err != nil || lock == nil {
		t.Fatalf("AcquireLock = (%v, %v)", lock, err)
	}

	ok, err := s.ExtendLock(ctx, lock, time.Minute)
	if err != nil {
		t.Fatalf("ExtendLock: %v", err)
	}
	if !ok {
		t.Fatal("extending a live lock with its own token failed")
	}
	if got, want := lock.ExpiresAt, base.Add(time.Minute).UTC(); !got.Equal(want) {
		t.Fatalf("ExpiresAt = %v, want %v", got, want)
	}

	// Extension past the original ttl holds the lock.
	s.SetNow(func() time.Time { return base.Add(30 * time.Second) })
	if held, _ := s.AcquireLock(ctx, "thread-1", time.Minute); held != nil {
		t.Fatal("lock was acquirable inside the extended window")
	}
}

func TestExtendLockWrongToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, "thread-1", time.Minute)
	if err != nil || lock == nil {
		t.Fatalf("AcquireLock = (%v, %v)", lock, err)
	}

	forged := &Lock{ThreadID: "thread-1", Token: "not-the-token"}
	ok, err := s.ExtendLock(ctx, forged, time.Hour)
	if err != nil {
		t.Fatalf("ExtendLock: %v", err)
	}
	if ok {
		t.Fatal("extension succeeded with a mismatched token")
	}
}

func TestExtendExpiredLock(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	s.SetNow(func() time.Time { return base })

	lock, err := s.AcquireLock(ctx, "thread-1", 50*time.Millisecond)
	if err != nil || lock == nil {
		t.Fatalf("AcquireLock = (%v, %v)", lock, err)
	}

	s.SetNow(func() time.Time { return base.Add(time.Second) })
	ok, err := s.ExtendLock(ctx, lock, time.Minute)
	if err != nil {
		t.Fatalf("ExtendLock: %v", err)
	}
	if ok {
		t.Fatal("extension succeeded on an expired lock")
	}
}

func TestReleaseLockWrongToken(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	lock, err := s.AcquireLock(ctx, "thread-1", time.Minute)
	if err != nil || lock == nil {
		t.Fatalf("AcquireLock = (%v, %v)", lock, err)
	}

	forged := &Lock{ThreadID: "thread-1", Token: "not-the-token"}
	if err := s.ReleaseLock(ctx, forged); err != nil {
		t.Fatalf("ReleaseLock: %v", err)
	}
	// The real lock is still held.
	if held, _ := s.AcquireLock(ctx, "thread-1", time.Minute); held != nil {
		t.Fatal("lock was released by a mismatched token")
	}
}

func TestSubscriptions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if ok, _ := s.IsSubscribed(ctx, "thread-1"); ok {
		t.Fatal("fresh store reports a subscription")
	}
	if err := s.Subscribe(ctx, "thread-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	// Re-subscribing is a no-op.
	if err := s.Subscribe(ctx, "thread-1"); err != nil {
		t.Fatalf("Subscribe twice: %v", err)
	}
	if ok, _ := s.IsSubscribed(ctx, "thread-1"); !ok {
		t.Fatal("subscription not recorded")
	}
	if err := s.Unsubscribe(ctx, "thread-1"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if ok, _ := s.IsSubscribed(ctx, "thread-1"); ok {
		t.Fatal("subscription survived Unsubscribe")
	}
}
