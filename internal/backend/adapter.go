// Package backend defines the uniform adapter interface the dispatch core
// uses to talk to heterogeneous distributed-execution engines. Core logic
// never branches on backend identity; everything backend-specific lives
// behind Adapter.
package backend

import (
	"context"

	"github.com/qcflow/qcflow/internal/domain"
)

// State is the coarse execution state a backend reports for a handle.
type State string

const (
	StatePending   State = "PENDING"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	StateFailed    State = "FAILED"
)

// Terminal reports whether polling can stop for this state.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// Status is a non-blocking poll snapshot. Outcome is populated only for
// terminal states.
type Status struct {
	State   State
	Outcome *domain.Outcome
}

// Health summarizes backend capacity for admission decisions.
type Health struct {
	Workers    int `json:"workers"`
	QueueDepth int `json:"queue_depth"`
}

// Adapter is implemented once per distributed-execution technology.
//
// Submit must return within a short bounded time; it fails with
// *domain.BackendUnavailableError for transient trouble and
// *domain.RejectedSpecError for input the backend can never run.
// Poll must eventually reflect a terminal state if the backend is healthy;
// no ordering or timing guarantees beyond that. Cancel is best-effort;
// backends that cannot cancel in-flight work return
// *domain.CancelUnsupportedError, which is not fatal.
type Adapter interface {
	Name() string
	// Tag is the routing tag this adapter serves. Tasks are only handed to
	// adapters whose tag matches the specification's tag.
	Tag() string
	Submit(ctx context.Context, task *domain.TaskRecord) (handle string, err error)
	Poll(ctx context.Context, handle string) (Status, error)
	Cancel(ctx context.Context, handle string) error
	Health(ctx context.Context) (Health, error)
}
