// Package reaper stops sandboxes whose threads have gone quiet. Reaping is
// a pause, not an end: the session row, message history, subscription, and
// volume all survive, and the next message on the thread resumes on the same
// volume.
package reaper

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/burrowhq/burrow/internal/observability"
	"github.com/burrowhq/burrow/internal/session"
	"github.com/burrowhq/burrow/internal/state"
)

type Config struct {
	IdleTimeout time.Duration
	Interval    time.Duration
	// LockTTL bounds how long a sweep may hold one thread's lock.
	LockTTL time.Duration
}

type Reaper struct {
	manager *session.Manager
	store   *state.Store
	metrics *observability.Metrics
	logger  *log.Logger
	cfg     Config
	now     func() time.Time
}

func New(manager *session.Manager, store *state.Store, metrics *observability.Metrics, logger *log.Logger, cfg Config) *Reaper {
	if cfg.LockTTL == 0 {
		cfg.LockTTL = time.Minute
	}
	return &Reaper{
		manager: manager,
		store:   store,
		metrics: metrics,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	r.logger.Info("idle reaper started", "idle_timeout", r.cfg.IdleTimeout, "interval", r.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("idle reaper stopped")
			return
		case <-ticker.C:
			if n, err := r.Sweep(ctx); err != nil {
				r.logger.Error("reaper sweep failed", "error", err)
			} else if n > 0 {
				r.logger.Info("reaped idle sessions", "count", n)
			}
		}
	}
}

// Sweep stops every session idle past the timeout and returns how many it
// stopped. Each thread is stopped under its state lock; a thread whose lock
// is held is mid-request, hence not idle, and is skipped. One failing session
// does not abort the sweep.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.cfg.IdleTimeout)
	idle, err := r.manager.IdleCutoff(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var reaped int
	for _, rec := range idle {
		threadID := rec.Session.ThreadID
		lock, err := r.store.AcquireLock(ctx, threadID, r.cfg.LockTTL)
		if err != nil {
			r.logger.Warn("failed to lock thread for reaping", "thread_id", threadID, "error", err)
			continue
		}
		if lock == nil {
			r.logger.Debug("thread busy, skipping reap", "thread_id", threadID)
			continue
		}
		err = r.manager.Stop(ctx, threadID)
		if rerr := r.store.ReleaseLock(ctx, lock); rerr != nil {
			r.logger.Warn("failed to release thread lock", "thread_id", threadID, "error", rerr)
		}
		if err != nil {
			r.logger.Warn("failed to reap session", "thread_id", threadID, "error", err)
			continue
		}
		r.metrics.ReapedSessions.Inc()
		r.metrics.SessionOps.WithLabelValues("reap", "ok").Inc()
		reaped++
		r.logger.Info("reaped idle session",
			"thread_id", threadID,
			"idle_for", r.now().Sub(rec.Session.LastActivity).Round(time.Second))
	}

	if active, err := r.manager.ActiveCount(ctx); err == nil {
		r.metrics.ActiveSessions.Set(float64(active))
	} else {
		r.logger.Warn("failed to count active sessions", "error", err)
	}
	return reaped, nil
}
