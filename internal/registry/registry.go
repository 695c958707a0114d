// Package registry is the durable session registry: the authoritative record
// of which sandbox serves which thread, plus the per-thread message history.
// It shares the state store's database so a single file carries everything
// that must survive a restart.
package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"

	"github.com/burrowhq/burrow/internal/sandbox"
	"github.com/burrowhq/burrow/internal/state"
)

// Record is one registry row: a sandbox session plus the free-form context
// the thread was opened with.
type Record struct {
	Session sandbox.Session
	Context string
}

// DuplicateSessionError reports an attempt to register a second session for
// a thread that already has one. The existing row is untouched.
type DuplicateSessionError struct {
	ThreadID string
}

func (e *DuplicateSessionError) Error() string {
	return fmt.Sprintf("session already registered for thread %q", e.ThreadID)
}

// Registry reads and writes session and message rows. Safe for concurrent
// use.
type Registry struct {
	db  *sql.DB
	now func() time.Time
}

// New builds a registry over the state store's database.
func New(store *state.Store) *Registry {
	return &Registry{db: store.DB(), now: time.Now}
}

// SetNow overrides the registry clock, used by tests.
func (r *Registry) SetNow(now func() time.Time) {
	r.now = now
}

// CreateSession registers a new session row. A row already present for the
// thread yields DuplicateSessionError; callers that want replace semantics
// delete first.
func (r *Registry) CreateSession(ctx context.Context, rec Record) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (thread_id, backend_session_id, volume_id, endpoint, status, context, created_at_ms, last_activity_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.Session.ThreadID,
		rec.Session.BackendSessionID,
		rec.Session.VolumeID,
		rec.Session.Endpoint,
		string(rec.Session.Status),
		rec.Context,
		rec.Session.CreatedAt.UTC().UnixMilli(),
		rec.Session.LastActivity.UTC().UnixMilli(),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return &DuplicateSessionError{ThreadID: rec.Session.ThreadID}
		}
		return fmt.Errorf("insert session for thread %q: %w", rec.Session.ThreadID, err)
	}
	return nil
}

// GetSession returns the thread's registered session, or (nil, nil) when no
// row exists.
func (r *Registry) GetSession(ctx context.Context, threadID string) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT thread_id, backend_session_id, volume_id, endpoint, status, context, created_at_ms, last_activity_ms
		FROM sessions WHERE thread_id = ?
	`, threadID)
	rec, err := scanRecord(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("read session for thread %q: %w", threadID, err)
	}
	return rec, nil
}

// UpdateLastActivity stamps the session's activity clock with now. A missing
// row is not an error.
func (r *Registry) UpdateLastActivity(ctx context.Context, threadID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_ms = ? WHERE thread_id = ?`,
		r.now().UTC().UnixMilli(), threadID,
	)
	if err != nil {
		return fmt.Errorf("touch session for thread %q: %w", threadID, err)
	}
	return nil
}

// UpdateStatus moves the session to a new lifecycle state.
func (r *Registry) UpdateStatus(ctx context.Context, threadID string, status sandbox.Status) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE thread_id = ?`,
		string(status), threadID,
	)
	if err != nil {
		return fmt.Errorf("update status for thread %q: %w", threadID, err)
	}
	return nil
}

// DeleteSession removes the registry row only. Backend resources and message
// history are untouched; a later session for the thread starts at the next
// sequence number.
func (r *Registry) DeleteSession(ctx context.Context, threadID string) error {
	if _, err := r.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE thread_id = ?`, threadID,
	); err != nil {
		return fmt.Errorf("delete session for thread %q: %w", threadID, err)
	}
	return nil
}

// ListByStatus returns all sessions in the given state, oldest activity
// first. The idle reaper sweeps this.
func (r *Registry) ListByStatus(ctx context.Context, status sandbox.Status) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT thread_id, backend_session_id, volume_id, endpoint, status, context, created_at_ms, last_activity_ms
		FROM sessions WHERE status = ? ORDER BY last_activity_ms ASC
	`, string(status))
	if err != nil {
		return nil, fmt.Errorf("list sessions with status %q: %w", status, err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

// ListSessions returns every registered session, newest activity first.
func (r *Registry) ListSessions(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT thread_id, backend_session_id, volume_id, endpoint, status, context, created_at_ms, last_activity_ms
		FROM sessions ORDER BY last_activity_ms DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*Record, error) {
	var (
		rec            Record
		status         string
		createdAtMs    int64
		lastActivityMs int64
	)
	err := s.Scan(
		&rec.Session.ThreadID,
		&rec.Session.BackendSessionID,
		&rec.Session.VolumeID,
		&rec.Session.Endpoint,
		&status,
		&rec.Context,
		&createdAtMs,
		&lastActivityMs,
	)
	if err != nil {
		return nil, err
	}
	rec.Session.Status = sandbox.Status(status)
	rec.Session.CreatedAt = time.UnixMilli(createdAtMs).UTC()
	rec.Session.LastActivity = time.UnixMilli(lastActivityMs).UTC()
	return &rec, nil
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session row: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session rows: %w", err)
	}
	return out, nil
}

// Message is one entry in a thread's conversation history. Metadata carries
// structured extras (execution logs, tool traces) without widening the row.
type Message struct {
	ID             string
	ThreadID       string
	SequenceNumber int64
	Role           string
	Content        string
	Metadata       map[string]any
	CreatedAt      time.Time
}

// AppendMessage assigns the thread's next sequence number and inserts the
// message, generating an id when the caller left it blank. Ordering is
// per-thread and gap-free under the caller's lock.
func (r *Registry) AppendMessage(ctx context.Context, msg Message) (Message, error) {
	if msg.ID == "" {
		msg.ID = newMessageID()
	}
	metadata := "{}"
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return Message{}, fmt.Errorf("encode message metadata: %w", err)
		}
		metadata = string(raw)
	}
	msg.CreatedAt = r.now().UTC()

	seq, err := r.NextSequence(ctx, msg.ThreadID)
	if err != nil {
		return Message{}, err
	}
	msg.SequenceNumber = seq

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (id, thread_id, sequence_number, role, content, metadata_json, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.ThreadID, msg.SequenceNumber, msg.Role, msg.Content, metadata, msg.CreatedAt.UnixMilli())
	if err != nil {
		return Message{}, fmt.Errorf("append message to thread %q: %w", msg.ThreadID, err)
	}
	return msg, nil
}

// Messages returns the thread's history in sequence order.
func (r *Registry) Messages(ctx context.Context, threadID string) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, thread_id, sequence_number, role, content, metadata_json, created_at_ms
		FROM messages WHERE thread_id = ? ORDER BY sequence_number ASC
	`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list messages for thread %q: %w", threadID, err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			msg         Message
			metadata    string
			createdAtMs int64
		)
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.SequenceNumber, &msg.Role, &msg.Content, &metadata, &createdAtMs); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		if metadata != "" && metadata != "{}" {
			if err := json.Unmarshal([]byte(metadata), &msg.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for message %q: %w", msg.ID, err)
			}
		}
		msg.CreatedAt = time.UnixMilli(createdAtMs).UTC()
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}
	return out, nil
}

// NextSequence returns the sequence number the thread's next message will
// take. Sequences start at 1.
func (r *Registry) NextSequence(ctx context.Context, threadID string) (int64, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_number), 0) + 1 FROM messages WHERE thread_id = ?`, threadID)
	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, fmt.Errorf("next sequence for thread %q: %w", threadID, err)
	}
	return seq, nil
}

func newMessageID() string {
	id, err := typeid.WithPrefix("msg")
	if err != nil {
		return fmt.Sprintf("msg_%d", time.Now().UnixNano())
	}
	return id.String()
}

func isConstraintViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}
