// Package engine defines the abstraction for job-execution platforms that
// host ephemeral runners.  Each backend (Cloud Run Jobs, Compute Engine VMs,
// Docker) implements Engine so the trigger logic stays platform-agnostic.
package engine

import (
	"context"

	"github.com/google/uuid"
)

// Engine is the contract every execution backend must satisfy.
//
// One Start call starts exactly one execution, which is expected to
// service one queued job and then terminate on its own.  Backends never
// tear executions down.
type Engine interface {
	// Start submits one execution of the configured resource.
	//
	// runID identifies the trigger attempt and is handed to the execution
	// (environment variable or instance metadata) so the runner can log
	// it.
	//
	// When wait is true Start blocks until the platform confirms the
	// execution exists and returns a Confirmed handle carrying the
	// platform's identifier.  When wait is false Start returns as soon as
	// the platform acknowledges the submission, with a Submitted handle.
	Start(ctx context.Context, runID string, wait bool) (Handle, error)

	// Target describes the configured execution resource, e.g. the fully
	// qualified Cloud Run job name.
	Target() string

	// Close releases API clients.  It does not affect running executions.
	Close() error
}

// Handle identifies one started execution.  It is either Confirmed or
// Submitted; callers switch on the concrete type and must not treat a
// Submitted handle as proof that an execution is running.
type Handle interface {
	// ID returns the platform execution identifier or the local
	// placeholder.
	ID() string
	// State returns "confirmed" or "submitted".
	State() string

	handle()
}

// Confirmed carries an identifier assigned by the execution platform.
type Confirmed struct {
	ExecutionID string
}

func (c Confirmed) ID() string    { return c.ExecutionID }
func (c Confirmed) State() string { return "confirmed" }
func (Confirmed) handle()         {}

// Submitted carries a locally generated placeholder for a submission the
// platform accepted but has not confirmed.
type Submitted struct {
	Placeholder string
}

func (s Submitted) ID() string    { return s.Placeholder }
func (s Submitted) State() string { return "submitted" }
func (Submitted) handle()         {}

// NewSubmitted returns a Submitted handle with a unique placeholder derived
// from runID.
func NewSubmitted(runID string) Submitted {
	return Submitted{Placeholder: "submitted/" + runID + "/" + uuid.NewString()[:8]}
}

// Unavailable returns an Engine whose every Start fails with err.  It lets
// the process keep serving when a backend cannot be initialized, so the
// failure is reported per trigger instead of at startup.
func Unavailable(target string, err error) Engine {
	return unavailable{target: target, err: err}
}

type unavailable struct {
	target string
	err    error
}

func (u unavailable) Start(context.Context, string, bool) (Handle, error) { return nil, u.err }
func (u unavailable) Target() string                                      { return u.target }
func (u unavailable) Close() error                                        { return nil }
