// Package state is the durable state adapter: one SQLite store providing a
// TTL cache, a token-based distributed lock, and the thread-subscription set.
// It is the sole authoritative mutation point for registry, lock, cache, and
// subscription state; everything above it survives process restarts.
package state

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Store is a handle to the backing SQLite database. It is safe for concurrent
// use.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the store at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("state db path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory for %q: %w", path, err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state database %q: %w", path, err)
	}
	return initStore(db)
}

// OpenInMemory opens a private in-memory store, used by tests.
func OpenInMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory state database: %w", err)
	}
	// The in-memory database lives in a single connection.
	db.SetMaxOpenConns(1)
	return initStore(db)
}

func initStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply state schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database for sibling stores sharing the schema.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SetNow overrides the store clock, used by tests.
func (s *Store) SetNow(now func() time.Time) {
	s.now = now
}

// Set upserts a cache entry. A non-positive ttl stores the value without
// expiry.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	now := s.now().UTC()
	var expiresAt any
	if ttl > 0 {
		expiresAt = now.Add(ttl).UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state_cache (key, value, expires_at_ms, created_at_ms)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at_ms = excluded.expires_at_ms,
			created_at_ms = excluded.created_at_ms
	`, key, value, expiresAt, now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert cache entry %q: %w", key, err)
	}
	return nil
}

// Get returns the cached value for key. Expiry is checked at read time: an
// expired entry is deleted and reported as a miss, so no background sweeper
// can race a reader.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT value, expires_at_ms FROM state_cache WHERE key = ?`, key)
	var (
		value     string
		expiresAt sql.NullInt64
	)
	if err := row.Scan(&value, &expiresAt); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, fmt.Errorf("read cache entry %q: %w", key, err)
	}
	if expiresAt.Valid && expiresAt.Int64 <= s.now().UTC().UnixMilli() {
		if err := s.evictExpired(ctx, key); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	return value, true, nil
}

// evictExpired deletes key only while it is still expired, so a Set that
// refreshed the entry between the read and this delete is not lost.
func (s *Store) evictExpired(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM state_cache WHERE key = ? AND expires_at_ms IS NOT NULL AND expires_at_ms <= ?`,
		key, s.now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("evict expired cache entry %q: %w", key, err)
	}
	return nil
}

// Delete removes a cache entry unconditionally.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM state_cache WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete cache entry %q: %w", key, err)
	}
	return nil
}

// Lock is proof of ownership of a thread's distributed lock. The token is
// required to extend or release it.
type Lock struct {
	ThreadID  string
	Token     string
	ExpiresAt time.Time
}

// AcquireLock attempts to take the thread's lock for ttl. Expired lock rows
// for the thread are purged first; acquisition is then a plain insert whose
// primary-key collision means someone else holds a live lock, in which case
// (nil, nil) is returned. There is no separate compare-and-swap step.
func (s *Store) AcquireLock(ctx context.Context, threadID string, ttl time.Duration) (*Lock, error) {
	now := s.now().UTC()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM state_locks WHERE thread_id = ? AND expires_at_ms <= ?`,
		threadID, now.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("purge expired locks for thread %q: %w", threadID, err)
	}

	lock := &Lock{
		ThreadID:  threadID,
		Token:     uuid.NewString(),
		ExpiresAt: now.Add(ttl),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state_locks (thread_id, token, expires_at_ms, created_at_ms) VALUES (?, ?, ?, ?)`,
		lock.ThreadID, lock.Token, lock.ExpiresAt.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("insert lock for thread %q: %w", threadID, err)
	}
	return lock, nil
}

// ExtendLock pushes the lock's expiry to now+ttl. It succeeds only if the
// stored row still carries this lock's token and has not expired; a stale
// extension is a no-op returning false, never an error.
func (s *Store) ExtendLock(ctx context.Context, lock *Lock, ttl time.Duration) (bool, error) {
	if lock == nil {
		return false, nil
	}
	now := s.now().UTC()
	newExpiry := now.Add(ttl)
	res, err := s.db.ExecContext(ctx,
		`UPDATE state_locks SET expires_at_ms = ? WHERE thread_id = ? AND token = ? AND expires_at_ms > ?`,
		newExpiry.UnixMilli(), lock.ThreadID, lock.Token, now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("extend lock for thread %q: %w", lock.ThreadID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("extend lock for thread %q: %w", lock.ThreadID, err)
	}
	if n == 0 {
		return false, nil
	}
	lock.ExpiresAt = newExpiry
	return true, nil
}

// ReleaseLock deletes the lock row matching both thread and token, so a lock
// re-acquired by another holder after expiry is never released here.
func (s *Store) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM state_locks WHERE thread_id = ? AND token = ?`,
		lock.ThreadID, lock.Token,
	); err != nil {
		return fmt.Errorf("release lock for thread %q: %w", lock.ThreadID, err)
	}
	return nil
}

// Subscribe marks a thread as actively monitored. Subscribing twice is a
// no-op.
func (s *Store) Subscribe(ctx context.Context, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO thread_subscriptions (thread_id, created_at_ms) VALUES (?, ?)
		 ON CONFLICT(thread_id) DO NOTHING`,
		threadID, s.now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("subscribe thread %q: %w", threadID, err)
	}
	return nil
}

func (s *Store) Unsubscribe(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM thread_subscriptions WHERE thread_id = ?`, threadID,
	); err != nil {
		return fmt.Errorf("unsubscribe thread %q: %w", threadID, err)
	}
	return nil
}

func (s *Store) IsSubscribed(ctx context.Context, threadID string) (bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM thread_subscriptions WHERE thread_id = ?`, threadID)
	var one int
	if err := row.Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check subscription for thread %q: %w", threadID, err)
	}
	return true, nil
}

func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}
