// Package sandbox defines the contract shared by all sandbox backends. A
// backend binds one thread to one isolated compute unit and one durable
// volume; implementations differ in where the compute unit runs (local
// container runtime, remote managed service) but expose the same four
// operations so call sites never branch on backend identity.
package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/burrowhq/burrow/internal/agentrpc"
)

// Status is the lifecycle state of a sandbox session.
type Status string

const (
	StatusActive  Status = "active"
	StatusIdle    Status = "idle"
	StatusStopped Status = "stopped"
)

// Session is a handle to a provisioned sandbox. BackendSessionID is opaque:
// its internal structure differs between backends and callers must never
// parse it.
type Session struct {
	ThreadID         string
	BackendSessionID string
	VolumeID         string
	Endpoint         string
	Status           Status
	CreatedAt        time.Time
	LastActivity     time.Time
}

// Backend provisions and manages sandboxes. All implementations must be safe
// for concurrent use; per-thread serialization is the caller's job.
type Backend interface {
	Name() string

	// GetOrCreateSession is idempotent: a live sandbox for the thread is
	// refreshed and returned, otherwise the thread's volume is ensured, a
	// compute unit is created bound to it, and health is polled until ready
	// or the bounded wait expires. On a failed provision the partial compute
	// unit is torn down; the volume is always preserved.
	GetOrCreateSession(ctx context.Context, threadID, userID string) (Session, error)

	// StopSandbox gracefully stops the compute unit within a bounded grace
	// period. It never deletes the volume.
	StopSandbox(ctx context.Context, sessionID string) error

	// IsSandboxActive probes liveness. A missing resource reports
	// (false, nil), not an error.
	IsSandboxActive(ctx context.Context, sessionID string) (bool, error)

	// ClientForSession constructs an RPC client bound to the session's
	// endpoint. It performs no I/O.
	ClientForSession(session Session) *agentrpc.Client
}

// DoctorReporter is implemented by backends that can diagnose their host
// environment.
type DoctorReporter interface {
	Doctor(ctx context.Context) (*DoctorReport, error)
}

type DoctorReport struct {
	Backend string        `json:"backend"`
	Checks  []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}

// ProvisionError reports that a sandbox never reached health within the
// provisioning timeout. The thread's volume survives the failure.
type ProvisionError struct {
	ThreadID string
	Cause    error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("provision sandbox for thread %q: %v", e.ThreadID, e.Cause)
}

func (e *ProvisionError) Unwrap() error {
	return e.Cause
}
