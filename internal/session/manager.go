// Package session reconciles the durable registry against backend reality.
// The registry can claim a session whose sandbox has since died, and a
// sandbox can outlive its registry row; the manager resolves both in favor
// of what the backend reports.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/burrowhq/burrow/internal/agentrpc"
	"github.com/burrowhq/burrow/internal/registry"
	"github.com/burrowhq/burrow/internal/sandbox"
	"github.com/burrowhq/burrow/internal/state"
)

// Manager owns per-thread session lifecycle. It does not serialize callers
// itself: concurrent calls for the same thread must hold the thread's state
// lock first.
type Manager struct {
	backend  sandbox.Backend
	registry *registry.Registry
	store    *state.Store
	logger   *log.Logger
}

func NewManager(backend sandbox.Backend, reg *registry.Registry, store *state.Store, logger *log.Logger) *Manager {
	return &Manager{backend: backend, registry: reg, store: store, logger: logger}
}

// GetOrCreate returns a live session for the thread. A registered session
// whose sandbox still answers is reused and touched. A registered session
// whose sandbox is gone is stale: its row is dropped and a fresh sandbox is
// provisioned on the thread's surviving volume. The new row is persisted
// only after the backend reports the sandbox healthy, so a crashed provision
// never leaves a registry entry pointing at nothing.
func (m *Manager) GetOrCreate(ctx context.Context, threadID, userID, threadContext string) (sandbox.Session, error) {
	rec, err := m.registry.GetSession(ctx, threadID)
	if err != nil {
		return sandbox.Session{}, err
	}

	if rec != nil {
		active, err := m.backend.IsSandboxActive(ctx, rec.Session.BackendSessionID)
		if err != nil {
			return sandbox.Session{}, fmt.Errorf("probe sandbox for thread %q: %w", threadID, err)
		}
		if active {
			if err := m.registry.UpdateLastActivity(ctx, threadID); err != nil {
				return sandbox.Session{}, err
			}
			if rec.Session.Status != sandbox.StatusActive {
				if err := m.registry.UpdateStatus(ctx, threadID, sandbox.StatusActive); err != nil {
					return sandbox.Session{}, err
				}
				rec.Session.Status = sandbox.StatusActive
			}
			return rec.Session, nil
		}

		m.logger.Info("registered sandbox is gone, replacing it",
			"thread_id", threadID, "backend_session_id", rec.Session.BackendSessionID)
		if err := m.backend.StopSandbox(ctx, rec.Session.BackendSessionID); err != nil {
			// Best effort: the sandbox already failed the liveness probe.
			m.logger.Warn("failed to stop stale sandbox", "thread_id", threadID, "error", err)
		}
		if err := m.registry.DeleteSession(ctx, threadID); err != nil {
			return sandbox.Session{}, err
		}
	}

	sess, err := m.backend.GetOrCreateSession(ctx, threadID, userID)
	if err != nil {
		return sandbox.Session{}, err
	}

	err = m.registry.CreateSession(ctx, registry.Record{Session: sess, Context: threadContext})
	if err != nil {
		var dup *registry.DuplicateSessionError
		if errors.As(err, &dup) {
			// Lost a race with another writer; their row is the truth.
			existing, gerr := m.registry.GetSession(ctx, threadID)
			if gerr != nil {
				return sandbox.Session{}, gerr
			}
			if existing != nil {
				return existing.Session, nil
			}
		}
		return sandbox.Session{}, err
	}

	if err := m.store.Subscribe(ctx, threadID); err != nil {
		return sandbox.Session{}, err
	}
	return sess, nil
}

// Touch records thread activity and reactivates an idle session.
func (m *Manager) Touch(ctx context.Context, threadID string) error {
	if err := m.registry.UpdateLastActivity(ctx, threadID); err != nil {
		return err
	}
	rec, err := m.registry.GetSession(ctx, threadID)
	if err != nil {
		return err
	}
	if rec != nil && rec.Session.Status == sandbox.StatusIdle {
		return m.registry.UpdateStatus(ctx, threadID, sandbox.StatusActive)
	}
	return nil
}

// Stop shuts down the thread's sandbox and marks the session stopped. The
// registry row, message history, and subscription all stay: stopping is a
// pause, and the next subscribed message resumes on the preserved volume.
// Dropping the subscription is a separate, explicit Unsubscribe.
func (m *Manager) Stop(ctx context.Context, threadID string) error {
	rec, err := m.registry.GetSession(ctx, threadID)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if err := m.backend.StopSandbox(ctx, rec.Session.BackendSessionID); err != nil {
		return err
	}
	if err := m.registry.UpdateStatus(ctx, threadID, sandbox.StatusStopped); err != nil {
		return err
	}
	m.logger.Info("stopped session", "thread_id", threadID)
	return nil
}

// Unsubscribe drops the thread's subscription so non-mention messages stop
// being handled. Subscriptions never expire on their own; this is the only
// way one is removed.
func (m *Manager) Unsubscribe(ctx context.Context, threadID string) error {
	return m.store.Unsubscribe(ctx, threadID)
}

// Client returns an RPC client for the thread's registered session, or an
// error when the thread has none.
func (m *Manager) Client(ctx context.Context, threadID string) (*Client, error) {
	rec, err := m.registry.GetSession(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("no session registered for thread %q", threadID)
	}
	return &Client{
		Client:  m.backend.ClientForSession(rec.Session),
		session: rec.Session,
	}, nil
}

// BackendName names the backend this manager provisions on.
func (m *Manager) BackendName() string {
	return m.backend.Name()
}

// ActiveCount reports how many sessions are currently marked active.
func (m *Manager) ActiveCount(ctx context.Context) (int, error) {
	active, err := m.registry.ListByStatus(ctx, sandbox.StatusActive)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

// IdleCutoff reports sessions whose last activity predates the cutoff and
// that are still marked active. The reaper consumes this.
func (m *Manager) IdleCutoff(ctx context.Context, cutoff time.Time) ([]registry.Record, error) {
	active, err := m.registry.ListByStatus(ctx, sandbox.StatusActive)
	if err != nil {
		return nil, err
	}
	var idle []registry.Record
	for _, rec := range active {
		if rec.Session.LastActivity.Before(cutoff) {
			idle = append(idle, rec)
		}
	}
	return idle, nil
}

// Client is an agent RPC client annotated with the session it is bound to.
type Client struct {
	*agentrpc.Client
	session sandbox.Session
}

func (c *Client) Session() sandbox.Session { return c.session }
