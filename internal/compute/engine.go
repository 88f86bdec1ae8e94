// Package compute is the boundary to quantum-chemistry execution engines.
// Engines run only inside backend workers; the coordinator never calls them.
package compute

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/qcflow/qcflow/internal/domain"
)

// Output is what a successful engine run produces. Payload is opaque to the
// dispatch core and stored verbatim on the ResultRecord.
type Output struct {
	Payload        json.RawMessage
	Program        string
	ProgramVersion string
}

// Engine executes one specification. A returned *domain.ComputationFailedError
// means the computation itself failed deterministically (recorded as a
// terminal failure, never retried); any other error is treated as transient
// worker trouble and retried per policy.
type Engine interface {
	Program() string
	Execute(ctx context.Context, spec *domain.Specification) (*Output, error)
}

// Registry maps program names to their engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[string]Engine
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{engines: make(map[string]Engine)}
}

// Register adds an engine. Safe to call concurrently.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Program()] = e
}

// Get returns the engine for the given program.
// Returns RejectedSpecError if no engine is installed for it.
func (r *Registry) Get(program string) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[program]
	if !ok {
		return nil, &domain.RejectedSpecError{Reason: "no engine installed for program " + program}
	}
	return e, nil
}

// Programs lists the installed program names.
func (r *Registry) Programs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.engines))
	for p := range r.engines {
		out = append(out, p)
	}
	return out
}
