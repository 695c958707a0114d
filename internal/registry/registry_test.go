package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/burrowhq/burrow/internal/sandbox"
	"github.com/burrowhq/burrow/internal/state"
)

func openTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := state.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store)
}

func testRecord(threadID string) Record {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return Record{
		Session: sandbox.Session{
			ThreadID:         threadID,
			BackendSessionID: "docker:burrow-" + threadID + ":12345",
			VolumeID:         "burrow-vol-" + threadID,
			Endpoint:         "http://127.0.0.1:12345",
			Status:           sandbox.StatusActive,
			CreatedAt:        now,
			LastActivity:     now,
		},
		Context: "repo=demo",
	}
}

func TestCreateAndGetSession(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	want := testRecord("thread-1")
	if err := r.CreateSession(ctx, want); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	got, err := r.GetSession(ctx, "thread-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got == nil {
		t.Fatal("GetSession returned nil for a registered thread")
	}
	if got.Session != want.Session {
		t.Fatalf("session = %+v, want %+v", got.Session, want.Session)
	}
	if got.Context != want.Context {
		t.Fatalf("context = %q, want %q", got.Context, want.Context)
	}
}

func TestGetSessionMissing(t *testing.T) {
	r := openTestRegistry(t)
	got, err := r.GetSession(context.Background(), "absent")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got != nil {
		t.Fatalf("GetSession = %+v, want nil", got)
	}
}

func TestCreateSessionDuplicate(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	if err := r.CreateSession(ctx, testRecord("thread-1")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	err := r.CreateSession(ctx, testRecord("thread-1"))
	var dup *DuplicateSessionError
	if !errors.As(err, &dup) {
		t.Fatalf("second CreateSession err = %v, want DuplicateSessionError", err)
	}
	if dup.ThreadID != "thread-1" {
		t.Fatalf("DuplicateSessionError.ThreadID = %q", dup.ThreadID)
	}
}

func TestUpdateLastActivity(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	rec := testRecord("thread-1")
	if err := r.CreateSession(ctx, rec); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	later := rec.Session.LastActivity.Add(5 * time.Minute)
	r.SetNow(func() time.Time { return later })
	if err := r.UpdateLastActivity(ctx, "thread-1"); err != nil {
		t.Fatalf("UpdateLastActivity: %v", err)
	}

	got, _ := r.GetSession(ctx, "thread-1")
	if !got.Session.LastActivity.Equal(later) {
		t.Fatalf("LastActivity = %v, want %v", got.Session.LastActivity, later)
	}

	// Missing row is a no-op.
	if err := r.UpdateLastActivity(ctx, "absent"); err != nil {
		t.Fatalf("UpdateLastActivity absent: %v", err)
	}
}

func TestUpdateStatusAndListByStatus(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"thread-1", "thread-2", "thread-3"} {
		if err := r.CreateSession(ctx, testRecord(id)); err != nil {
			t.Fatalf("CreateSession %s: %v", id, err)
		}
	}
	if err := r.UpdateStatus(ctx, "thread-2", sandbox.StatusStopped); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	active, err := r.ListByStatus(ctx, sandbox.StatusActive)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active sessions = %d, want 2", len(active))
	}
	stopped, _ := r.ListByStatus(ctx, sandbox.StatusStopped)
	if len(stopped) != 1 || stopped[0].Session.ThreadID != "thread-2" {
		t.Fatalf("stopped sessions = %+v", stopped)
	}
}

func TestDeleteSessionKeepsMessages(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	if err := r.CreateSession(ctx, testRecord("thread-1")); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := r.AppendMessage(ctx, Message{ThreadID: "thread-1", Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if err := r.DeleteSession(ctx, "thread-1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	if got, _ := r.GetSession(ctx, "thread-1"); got != nil {
		t.Fatal("session row survived DeleteSession")
	}
	msgs, err := r.Messages(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("message history lost with session row, got %d messages", len(msgs))
	}

	// A fresh session's messages keep counting from where history left off.
	seq, err := r.NextSequence(ctx, "thread-1")
	if err != nil {
		t.Fatalf("NextSequence: %v", err)
	}
	if seq != 2 {
		t.Fatalf("NextSequence after delete = %d, want 2", seq)
	}
}

func TestAppendMessageOrdering(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	texts := []string{"first", "second", "third"}
	for _, text := range texts {
		msg, err := r.AppendMessage(ctx, Message{ThreadID: "thread-1", Role: "user", Content: text})
		if err != nil {
			t.Fatalf("AppendMessage %q: %v", text, err)
		}
		if msg.ID == "" {
			t.Fatal("AppendMessage left ID blank")
		}
	}
	// Another thread interleaves without affecting the sequence.
	if _, err := r.AppendMessage(ctx, Message{ThreadID: "thread-2", Role: "user", Content: "other"}); err != nil {
		t.Fatalf("AppendMessage other thread: %v", err)
	}

	msgs, err := r.Messages(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != len(texts) {
		t.Fatalf("messages = %d, want %d", len(msgs), len(texts))
	}
	for i, msg := range msgs {
		if msg.SequenceNumber != int64(i+1) {
			t.Fatalf("message %d has sequence %d", i, msg.SequenceNumber)
		}
		if msg.Content != texts[i] {
			t.Fatalf("message %d content = %q, want %q", i, msg.Content, texts[i])
		}
	}
}

func TestAppendMessageMetadata(t *testing.T) {
	r := openTestRegistry(t)
	ctx := context.Background()

	meta := map[string]any{"exit_code": float64(0), "log": "done"}
	if _, err := r.AppendMessage(ctx, Message{
		ThreadID: "thread-1",
		Role:     "assistant",
		Content:  "ran the build",
		Metadata: meta,
	}); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	msgs, _ := r.Messages(ctx, "thread-1")
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want 1", len(msgs))
	}
	got := msgs[0].Metadata
	if got["exit_code"] != float64(0) || got["log"] != "done" {
		t.Fatalf("metadata = %+v, want %+v", got, meta)
	}
}
