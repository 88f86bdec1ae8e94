// Package local is the reference backend: an in-process goroutine pool
// executing computations through the compute engine registry. Used for
// single-node deployments and as the fixture backend in tests.
package local

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/qcflow/qcflow/internal/backend"
	"github.com/qcflow/qcflow/internal/compute"
	"github.com/qcflow/qcflow/internal/domain"
)

// Backend runs submitted work on a fixed-size worker pool.
type Backend struct {
	tag      string
	registry *compute.Registry
	logger   *slog.Logger
	workers  int

	queue chan *job
	wg    sync.WaitGroup

	mu       sync.Mutex
	statuses map[string]backend.Status
	cancels  map[string]context.CancelFunc
}

type job struct {
	handle string
	task   *domain.TaskRecord
	ctx    context.Context
}

// Option configures a Backend.
type Option func(*Backend)

func WithTag(tag string) Option        { return func(b *Backend) { b.tag = tag } }
func WithLogger(l *slog.Logger) Option { return func(b *Backend) { b.logger = l } }

// New creates a local backend with the given pool width and queue capacity.
// Start must be called before Submit.
func New(registry *compute.Registry, queueCap int, opts ...Option) *Backend {
	if queueCap <= 0 {
		queueCap = 64
	}
	b := &Backend{
		registry: registry,
		logger:   slog.Default(),
		queue:    make(chan *job, queueCap),
		statuses: make(map[string]backend.Status),
		cancels:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Backend) Name() string { return "local" }
func (b *Backend) Tag() string  { return b.tag }

// Start launches the worker pool, which drains the queue until ctx is
// cancelled. Returns immediately.
func (b *Backend) Start(ctx context.Context, workers int) {
	if workers <= 0 {
		workers = 1
	}
	b.workers = workers
	for i := 0; i < workers; i++ {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-b.queue:
					b.run(j)
				}
			}
		}()
	}
}

// Wait blocks until all workers have exited. Call after the Start context is
// cancelled.
func (b *Backend) Wait() { b.wg.Wait() }

// Submit enqueues a task and returns its handle. Never blocks past the
// queue-full check: a full queue is transient backend unavailability.
func (b *Backend) Submit(ctx context.Context, task *domain.TaskRecord) (string, error) {
	var spec domain.Specification
	if err := json.Unmarshal(task.Spec, &spec); err != nil {
		return "", &domain.RejectedSpecError{Reason: fmt.Sprintf("undecodable specification: %v", err)}
	}
	if _, err := b.registry.Get(spec.Program); err != nil {
		var rejected *domain.RejectedSpecError
		if errors.As(err, &rejected) {
			return "", err
		}
		return "", &domain.BackendUnavailableError{Backend: b.Name(), Cause: err}
	}

	handle := "local-" + uuid.New().String()
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	b.mu.Lock()
	b.statuses[handle] = backend.Status{State: backend.StatePending}
	b.cancels[handle] = cancel
	b.mu.Unlock()

	select {
	case b.queue <- &job{handle: handle, task: task, ctx: jobCtx}:
		return handle, nil
	default:
		cancel()
		b.mu.Lock()
		delete(b.statuses, handle)
		delete(b.cancels, handle)
		b.mu.Unlock()
		return "", &domain.BackendUnavailableError{
			Backend: b.Name(),
			Cause:   errors.New("work queue full"),
		}
	}
}

// Poll returns the current status for a handle. Unknown handles report
// StateFailed with a retryable outcome: the coordinator treats a lost handle
// like a crashed worker.
func (b *Backend) Poll(_ context.Context, handle string) (backend.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[handle]
	if !ok {
		return backend.Status{
			State: backend.StateFailed,
			Outcome: &domain.Outcome{
				Success:   false,
				Retryable: true,
				Error:     "handle unknown to backend (worker lost)",
			},
		}, nil
	}
	return st, nil
}

// Cancel stops a pending or running job. Best-effort: a job that already
// finished keeps its terminal status.
func (b *Backend) Cancel(_ context.Context, handle string) error {
	b.mu.Lock()
	cancel, ok := b.cancels[handle]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	cancel()
	return nil
}

// Forget drops bookkeeping for a handle whose terminal outcome has been
// consumed.
func (b *Backend) Forget(handle string) {
	b.mu.Lock()
	delete(b.statuses, handle)
	delete(b.cancels, handle)
	b.mu.Unlock()
}

// Health reports pool width and queued depth.
func (b *Backend) Health(_ context.Context) (backend.Health, error) {
	return backend.Health{Workers: b.workers, QueueDepth: len(b.queue)}, nil
}

func (b *Backend) run(j *job) {
	b.setState(j.handle, backend.Status{State: backend.StateRunning})

	var spec domain.Specification
	if err := json.Unmarshal(j.task.Spec, &spec); err != nil {
		b.finish(j, &domain.Outcome{
			Fingerprint: j.task.Fingerprint,
			Success:     false,
			Retryable:   false,
			Error:       fmt.Sprintf("undecodable specification: %v", err),
		})
		return
	}

	engine, err := b.registry.Get(spec.Program)
	if err != nil {
		b.finish(j, &domain.Outcome{
			Fingerprint: j.task.Fingerprint,
			Success:     false,
			Retryable:   false,
			Error:       err.Error(),
		})
		return
	}

	start := time.Now()
	out, err := engine.Execute(j.ctx, &spec)
	wallMS := time.Since(start).Milliseconds()

	if err != nil {
		var failed *domain.ComputationFailedError
		retryable := !errors.As(err, &failed)
		b.finish(j, &domain.Outcome{
			Fingerprint: j.task.Fingerprint,
			Success:     false,
			Retryable:   retryable,
			Error:       err.Error(),
			WallTimeMS:  wallMS,
			Program:     spec.Program,
		})
		return
	}

	b.finish(j, &domain.Outcome{
		Fingerprint:    j.task.Fingerprint,
		Success:        true,
		Payload:        out.Payload,
		WallTimeMS:     wallMS,
		Program:        out.Program,
		ProgramVersion: out.ProgramVersion,
	})
}

func (b *Backend) finish(j *job, outcome *domain.Outcome) {
	state := backend.StateSucceeded
	if !outcome.Success {
		state = backend.StateFailed
	}
	b.setState(j.handle, backend.Status{State: state, Outcome: outcome})
	b.logger.Debug("job finished",
		slog.String("handle", j.handle),
		slog.String("fingerprint", j.task.Fingerprint),
		slog.Bool("success", outcome.Success),
	)
}

// setState updates a tracked handle. A forgotten handle stays forgotten, so
// a job finishing after Forget cannot resurrect its entry.
func (b *Backend) setState(handle string, st backend.Status) {
	b.mu.Lock()
	if _, ok := b.statuses[handle]; ok {
		b.statuses[handle] = st
	}
	b.mu.Unlock()
}

var _ backend.Adapter = (*Backend)(nil)
