// Package orchestrator drives the inbound message path: decide whether a
// message deserves a sandbox, serialize work per thread through the state
// lock, run the prompt, and persist both sides of the exchange.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/burrowhq/burrow/internal/observability"
	"github.com/burrowhq/burrow/internal/registry"
	"github.com/burrowhq/burrow/internal/sandbox"
	"github.com/burrowhq/burrow/internal/session"
	"github.com/burrowhq/burrow/internal/state"
)

// InboundMessage is one message arriving from a chat surface.
type InboundMessage struct {
	ThreadID string
	UserID   string
	Text     string
	// Mention is set when the message explicitly addressed the agent, which
	// starts handling on threads with no subscription yet.
	Mention bool
	Context string
}

// Poster delivers output back to the thread's chat surface.
type Poster interface {
	Post(ctx context.Context, threadID, text string) error
	Typing(ctx context.Context, threadID string) error
}

// DecisionContext is everything the decision step may consider: the message,
// whether its thread is subscribed, and the thread's persisted exchange log.
type DecisionContext struct {
	Message    InboundMessage
	Subscribed bool
	History    []registry.Message
}

// Decision is the decision step's verdict on one message. RequiresSandbox
// routes Prompt through the thread's sandbox; otherwise Response is delivered
// as-is without provisioning anything. A zero Decision means skip.
type Decision struct {
	RequiresSandbox bool
	Prompt          string
	Response        string
}

// Decider is the pluggable decision step. Implementations must be pure: all
// side effects stay with the orchestrator.
type Decider interface {
	Decide(ctx context.Context, dc DecisionContext) (Decision, error)
}

// SubscriptionDecider routes mentions and subscribed-thread messages to the
// sandbox verbatim, and skips everything else.
type SubscriptionDecider struct{}

func (SubscriptionDecider) Decide(_ context.Context, dc DecisionContext) (Decision, error) {
	if !dc.Message.Mention && !dc.Subscribed {
		return Decision{}, nil
	}
	return Decision{RequiresSandbox: true, Prompt: dc.Message.Text}, nil
}

type Config struct {
	LockTTL      time.Duration
	LockAttempts int
	LockBackoff  time.Duration
}

func (c *Config) applyDefaults() {
	if c.LockTTL == 0 {
		c.LockTTL = 5 * time.Minute
	}
	if c.LockAttempts == 0 {
		c.LockAttempts = 5
	}
	if c.LockBackoff == 0 {
		c.LockBackoff = 500 * time.Millisecond
	}
}

type Orchestrator struct {
	manager  *session.Manager
	registry *registry.Registry
	store    *state.Store
	decider  Decider
	poster   Poster
	metrics  *observability.Metrics
	logger   *log.Logger
	cfg      Config
}

func New(manager *session.Manager, reg *registry.Registry, store *state.Store, decider Decider, poster Poster, metrics *observability.Metrics, logger *log.Logger, cfg Config) *Orchestrator {
	cfg.applyDefaults()
	return &Orchestrator{
		manager:  manager,
		registry: reg,
		store:    store,
		decider:  decider,
		poster:   poster,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
	}
}

// HandleMessage runs one inbound message end to end and returns the reply.
// Returns handled == false when the decision step declined the message; the
// caller treats that as a normal skip, not a failure. A sandbox is provisioned
// only when the decision asks for one: a direct response is posted without
// touching the backend.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg InboundMessage) (reply string, handled bool, err error) {
	subscribed, err := o.store.IsSubscribed(ctx, msg.ThreadID)
	if err != nil {
		return "", false, err
	}
	history, err := o.registry.Messages(ctx, msg.ThreadID)
	if err != nil {
		return "", false, err
	}

	decision, err := o.decider.Decide(ctx, DecisionContext{
		Message:    msg,
		Subscribed: subscribed,
		History:    history,
	})
	if err != nil {
		return "", false, err
	}
	if !decision.RequiresSandbox && decision.Response == "" {
		return "", false, nil
	}

	lock, err := o.acquireLock(ctx, msg.ThreadID)
	if err != nil {
		return "", false, err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := o.store.ReleaseLock(releaseCtx, lock); err != nil {
			o.logger.Warn("failed to release thread lock", "thread_id", msg.ThreadID, "error", err)
		}
	}()

	if !decision.RequiresSandbox {
		return o.respondDirect(ctx, msg, decision.Response)
	}
	return o.respondViaSandbox(ctx, msg, decision)
}

// respondDirect persists and posts the decision's canned response. A mention
// still subscribes the thread, so followups reach the decision step.
func (o *Orchestrator) respondDirect(ctx context.Context, msg InboundMessage, response string) (string, bool, error) {
	if msg.Mention {
		if err := o.store.Subscribe(ctx, msg.ThreadID); err != nil {
			return "", false, err
		}
	}
	if _, err := o.registry.AppendMessage(ctx, registry.Message{
		ThreadID: msg.ThreadID,
		Role:     "user",
		Content:  msg.Text,
		Metadata: map[string]any{"user_id": msg.UserID},
	}); err != nil {
		return "", false, err
	}
	if _, err := o.registry.AppendMessage(ctx, registry.Message{
		ThreadID: msg.ThreadID,
		Role:     "assistant",
		Content:  response,
		Metadata: map[string]any{"direct": true},
	}); err != nil {
		return "", false, err
	}
	if err := o.poster.Post(ctx, msg.ThreadID, response); err != nil {
		return "", false, fmt.Errorf("post reply to thread %q: %w", msg.ThreadID, err)
	}
	return response, true, nil
}

func (o *Orchestrator) respondViaSandbox(ctx context.Context, msg InboundMessage, decision Decision) (string, bool, error) {
	start := time.Now()
	sess, err := o.manager.GetOrCreate(ctx, msg.ThreadID, msg.UserID, msg.Context)
	if err != nil {
		o.metrics.SessionOps.WithLabelValues("get_or_create", "error").Inc()
		var perr *sandbox.ProvisionError
		if errors.As(err, &perr) {
			o.metrics.ProvisionFailures.WithLabelValues(o.manager.BackendName()).Inc()
		}
		return "", false, err
	}
	o.metrics.SessionOps.WithLabelValues("get_or_create", "ok").Inc()
	o.metrics.ObserveProvision(time.Since(start))

	if _, err := o.registry.AppendMessage(ctx, registry.Message{
		ThreadID: msg.ThreadID,
		Role:     "user",
		Content:  msg.Text,
		Metadata: map[string]any{"user_id": msg.UserID},
	}); err != nil {
		return "", false, err
	}

	client, err := o.manager.Client(ctx, msg.ThreadID)
	if err != nil {
		return "", false, err
	}

	// Relay the agent's working signals as typing indicators while the
	// prompt runs.
	relayCtx, stopRelay := context.WithCancel(ctx)
	defer stopRelay()
	o.relayTyping(relayCtx, client, msg.ThreadID)

	result, err := client.Prompt(ctx, decision.Prompt)
	if err != nil {
		o.metrics.SessionOps.WithLabelValues("prompt", "error").Inc()
		return "", false, fmt.Errorf("prompt sandbox for thread %q: %w", msg.ThreadID, err)
	}
	o.metrics.SessionOps.WithLabelValues("prompt", "ok").Inc()
	stopRelay()

	reply := result.Text()
	if _, err := o.registry.AppendMessage(ctx, registry.Message{
		ThreadID: msg.ThreadID,
		Role:     "assistant",
		Content:  reply,
		Metadata: map[string]any{"backend_session_id": sess.BackendSessionID},
	}); err != nil {
		return "", false, err
	}

	if err := o.poster.Post(ctx, msg.ThreadID, reply); err != nil {
		return "", false, fmt.Errorf("post reply to thread %q: %w", msg.ThreadID, err)
	}
	if err := o.manager.Touch(ctx, msg.ThreadID); err != nil {
		return "", false, err
	}
	return reply, true, nil
}

// acquireLock retries with a fixed backoff up to the configured attempts,
// bailing out rather than queueing unboundedly behind a stuck holder.
func (o *Orchestrator) acquireLock(ctx context.Context, threadID string) (*state.Lock, error) {
	for attempt := 0; attempt < o.cfg.LockAttempts; attempt++ {
		lock, err := o.store.AcquireLock(ctx, threadID, o.cfg.LockTTL)
		if err != nil {
			return nil, err
		}
		if lock != nil {
			return lock, nil
		}
		o.metrics.LockContention.Inc()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(o.cfg.LockBackoff):
		}
	}
	return nil, fmt.Errorf("thread %q is busy: lock unavailable after %d attempts", threadID, o.cfg.LockAttempts)
}

// relayTyping streams agent events and forwards working ones as typing
// indicators until ctx is cancelled. Stream setup failure is not fatal: the
// prompt itself still runs.
func (o *Orchestrator) relayTyping(ctx context.Context, client *session.Client, threadID string) {
	events, err := client.EventStream(ctx)
	if err != nil {
		o.logger.Debug("event stream unavailable", "thread_id", threadID, "error", err)
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				switch ev.Type {
				case "working", "tool_use", "thinking":
					if err := o.poster.Typing(ctx, threadID); err != nil {
						o.logger.Debug("typing indicator failed", "thread_id", threadID, "error", err)
					}
				}
			}
		}
	}()
}
