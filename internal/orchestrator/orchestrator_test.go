package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/burrowhq/burrow/internal/agentrpc"
	"github.com/burrowhq/burrow/internal/observability"
	"github.com/burrowhq/burrow/internal/registry"
	"github.com/burrowhq/burrow/internal/sandbox"
	"github.com/burrowhq/burrow/internal/session"
	"github.com/burrowhq/burrow/internal/state"
)

type stubBackend struct {
	endpoint     string
	created      int
	provisionErr error
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) GetOrCreateSession(_ context.Context, threadID, _ string) (sandbox.Session, error) {
	if s.provisionErr != nil {
		return sandbox.Session{}, s.provisionErr
	}
	s.created++
	now := time.Now().UTC().Truncate(time.Millisecond)
	return sandbox.Session{
		ThreadID:         threadID,
		BackendSessionID: fmt.Sprintf("stub:%s:%d", threadID, s.created),
		VolumeID:         "burrow-vol-" + threadID,
		Endpoint:         s.endpoint,
		Status:           sandbox.StatusActive,
		CreatedAt:        now,
		LastActivity:     now,
	}, nil
}

func (s *stubBackend) StopSandbox(context.Context, string) error { return nil }

func (s *stubBackend) IsSandboxActive(context.Context, string) (bool, error) { return true, nil }

func (s *stubBackend) ClientForSession(sess sandbox.Session) *agentrpc.Client {
	return agentrpc.New(sess.Endpoint)
}

type recordingPoster struct {
	mu      sync.Mutex
	posts   []string
	typings int
}

func (p *recordingPoster) Post(_ context.Context, _, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.posts = append(p.posts, text)
	return nil
}

func (p *recordingPoster) Typing(context.Context, string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.typings++
	return nil
}

func (p *recordingPoster) allPosts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.posts...)
}

// fakeAgent answers prompts by echoing with a prefix.
func fakeAgent(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("POST /v1/prompt", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(agentrpc.PromptResult{
			Parts: []agentrpc.Part{{Type: "text", Text: "echo: " + req.Text}},
		})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *stubBackend, *recordingPoster, *registry.Registry, *state.Store) {
	t.Helper()
	store, err := state.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	reg := registry.New(store)
	backend := &stubBackend{endpoint: fakeAgent(t).URL}
	manager := session.NewManager(backend, reg, store, log.New(io.Discard))
	poster := &recordingPoster{}
	o := New(manager, reg, store, SubscriptionDecider{}, poster,
		observability.NewMetrics("burrow_test"), log.New(io.Discard), Config{
			LockTTL:      time.Minute,
			LockAttempts: 3,
			LockBackoff:  5 * time.Millisecond,
		})
	return o, backend, poster, reg, store
}

func TestHandleMessageMention(t *testing.T) {
	o, _, poster, reg, store := newTestOrchestrator(t)
	ctx := context.Background()

	reply, handled, err := o.HandleMessage(ctx, InboundMessage{
		ThreadID: "thread-1",
		UserID:   "user-1",
		Text:     "hello",
		Mention:  true,
	})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !handled {
		t.Fatal("mention was not handled")
	}
	if reply != "echo: hello" {
		t.Fatalf("reply = %q", reply)
	}

	posts := poster.allPosts()
	if len(posts) != 1 || posts[0] != "echo: hello" {
		t.Fatalf("posts = %v", posts)
	}

	msgs, err := reg.Messages(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want user + assistant", len(msgs))
	}
	if msgs[0].Role != "user" || msgs[0].Content != "hello" {
		t.Fatalf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Role != "assistant" || msgs[1].Content != "echo: hello" {
		t.Fatalf("msgs[1] = %+v", msgs[1])
	}

	// Handling a mention subscribes the thread for followups.
	subscribed, _ := store.IsSubscribed(ctx, "thread-1")
	if !subscribed {
		t.Fatal("thread not subscribed after handling a mention")
	}

	// The lock was released.
	lock, err := store.AcquireLock(ctx, "thread-1", time.Minute)
	if err != nil || lock == nil {
		t.Fatalf("lock not released: (%v, %v)", lock, err)
	}
}

func TestHandleMessageUnsubscribedThreadSkipped(t *testing.T) {
	o, _, poster, _, _ := newTestOrchestrator(t)

	_, handled, err := o.HandleMessage(context.Background(), InboundMessage{
		ThreadID: "thread-1",
		UserID:   "user-1",
		Text:     "just chatting",
	})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if handled {
		t.Fatal("unsubscribed non-mention was handled")
	}
	if len(poster.allPosts()) != 0 {
		t.Fatal("a skipped message produced output")
	}
}

func TestHandleMessageSubscribedThread(t *testing.T) {
	o, _, _, _, store := newTestOrchestrator(t)
	ctx := context.Background()

	if err := store.Subscribe(ctx, "thread-1"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	_, handled, err := o.HandleMessage(ctx, InboundMessage{
		ThreadID: "thread-1",
		UserID:   "user-1",
		Text:     "followup without mention",
	})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !handled {
		t.Fatal("subscribed thread's message was skipped")
	}
}

func TestHandleMessageBailsOutWhenLockHeld(t *testing.T) {
	o, _, poster, _, store := newTestOrchestrator(t)
	ctx := context.Background()

	// Another worker holds the lock for longer than our retry budget.
	lock, err := store.AcquireLock(ctx, "thread-1", time.Hour)
	if err != nil || lock == nil {
		t.Fatalf("AcquireLock = (%v, %v)", lock, err)
	}

	_, _, err = o.HandleMessage(ctx, InboundMessage{
		ThreadID: "thread-1",
		UserID:   "user-1",
		Text:     "hello",
		Mention:  true,
	})
	if err == nil {
		t.Fatal("HandleMessage succeeded with the lock held")
	}
	if len(poster.allPosts()) != 0 {
		t.Fatal("a bailed-out message produced output")
	}
}

func TestHandleMessageRetriesLock(t *testing.T) {
	o, _, _, _, store := newTestOrchestrator(t)
	ctx := context.Background()

	// The lock expires inside the retry window.
	lock, err := store.AcquireLock(ctx, "thread-1", 8*time.Millisecond)
	if err != nil || lock == nil {
		t.Fatalf("AcquireLock = (%v, %v)", lock, err)
	}

	_, handled, err := o.HandleMessage(ctx, InboundMessage{
		ThreadID: "thread-1",
		UserID:   "user-1",
		Text:     "hello",
		Mention:  true,
	})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !handled {
		t.Fatal("message was not handled after the lock freed up")
	}
}

func TestSubscriptionDecider(t *testing.T) {
	d := SubscriptionDecider{}
	ctx := context.Background()

	decision, err := d.Decide(ctx, DecisionContext{Message: InboundMessage{ThreadID: "t", Text: "chat"}})
	if err != nil {
		t.Fatalf("Decide: %v", err)
	}
	if decision.RequiresSandbox || decision.Response != "" {
		t.Fatalf("non-mention on unsubscribed thread accepted: %+v", decision)
	}

	decision, _ = d.Decide(ctx, DecisionContext{Message: InboundMessage{ThreadID: "t", Text: "do it", Mention: true}})
	if !decision.RequiresSandbox || decision.Prompt != "do it" {
		t.Fatalf("mention decision = %+v", decision)
	}

	decision, _ = d.Decide(ctx, DecisionContext{Message: InboundMessage{ThreadID: "t", Text: "followup"}, Subscribed: true})
	if !decision.RequiresSandbox || decision.Prompt != "followup" {
		t.Fatalf("subscribed-thread decision = %+v", decision)
	}
}

// cannedDecider answers without a sandbox.
type cannedDecider struct {
	response string
}

func (d cannedDecider) Decide(context.Context, DecisionContext) (Decision, error) {
	return Decision{Response: d.response}, nil
}

func TestHandleMessageDirectResponse(t *testing.T) {
	o, backend, poster, reg, store := newTestOrchestrator(t)
	o.decider = cannedDecider{response: "no sandbox needed"}
	ctx := context.Background()

	reply, handled, err := o.HandleMessage(ctx, InboundMessage{
		ThreadID: "thread-1",
		UserID:   "user-1",
		Text:     "what are you?",
		Mention:  true,
	})
	if err != nil {
		t.Fatalf("HandleMessage: %v", err)
	}
	if !handled || reply != "no sandbox needed" {
		t.Fatalf("(reply, handled) = (%q, %v)", reply, handled)
	}
	if backend.created != 0 {
		t.Fatalf("direct response provisioned %d sandboxes", backend.created)
	}

	posts := poster.allPosts()
	if len(posts) != 1 || posts[0] != "no sandbox needed" {
		t.Fatalf("posts = %v", posts)
	}
	msgs, _ := reg.Messages(ctx, "thread-1")
	if len(msgs) != 2 || msgs[1].Content != "no sandbox needed" {
		t.Fatalf("messages = %+v", msgs)
	}

	// A direct-answered mention still subscribes the thread.
	subscribed, _ := store.IsSubscribed(ctx, "thread-1")
	if !subscribed {
		t.Fatal("thread not subscribed after a direct-answered mention")
	}
}

func TestHandleMessageProvisionFailure(t *testing.T) {
	o, backend, poster, _, _ := newTestOrchestrator(t)
	backend.provisionErr = &sandbox.ProvisionError{ThreadID: "thread-1", Cause: errors.New("health timeout")}

	_, _, err := o.HandleMessage(context.Background(), InboundMessage{
		ThreadID: "thread-1",
		UserID:   "user-1",
		Text:     "hello",
		Mention:  true,
	})
	var perr *sandbox.ProvisionError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want ProvisionError", err)
	}
	if len(poster.allPosts()) != 0 {
		t.Fatal("a failed provision produced output")
	}
	if got := testutil.ToFloat64(o.metrics.ProvisionFailures.WithLabelValues("stub")); got != 1 {
		t.Fatalf("provision failures for stub backend = %v, want 1", got)
	}
}
