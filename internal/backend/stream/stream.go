// Package stream is the backend adapter for remote compute workers reached
// over Kafka: submissions are published to a request topic, workers execute
// and publish outcome reports, and a consumer loop folds those reports back
// into poll state.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/qcflow/qcflow/internal/backend"
	"github.com/qcflow/qcflow/internal/domain"
	"github.com/qcflow/qcflow/internal/kafka"
	redisstore "github.com/qcflow/qcflow/internal/redis"
)

// Request is the envelope published to the compute-request topic.
type Request struct {
	Handle      string          `json:"handle"`
	Fingerprint string          `json:"fingerprint"`
	Spec        json.RawMessage `json:"spec"`
}

// Report is the envelope workers publish to the outcome topic.
type Report struct {
	Handle  string         `json:"handle"`
	Outcome domain.Outcome `json:"outcome"`
}

// Backend bridges the adapter interface onto the Kafka worker fleet.
type Backend struct {
	tag      string
	producer kafka.Producer
	workers  *redisstore.WorkerRegistry
	logger   *slog.Logger

	mu       sync.Mutex
	statuses map[string]backend.Status
}

// New creates a stream backend. Run must be started for Poll to ever observe
// terminal states.
func New(producer kafka.Producer, workers *redisstore.WorkerRegistry, tag string, logger *slog.Logger) *Backend {
	return &Backend{
		tag:      tag,
		producer: producer,
		workers:  workers,
		logger:   logger,
		statuses: make(map[string]backend.Status),
	}
}

func (b *Backend) Name() string { return "stream" }
func (b *Backend) Tag() string  { return b.tag }

// Submit publishes the task to the request topic and returns a fresh handle.
// A publish failure is transient backend unavailability.
func (b *Backend) Submit(ctx context.Context, task *domain.TaskRecord) (string, error) {
	handle := "stream-" + uuid.New().String()
	req, err := json.Marshal(Request{
		Handle:      handle,
		Fingerprint: task.Fingerprint,
		Spec:        task.Spec,
	})
	if err != nil {
		return "", &domain.RejectedSpecError{Reason: fmt.Sprintf("unencodable request: %v", err)}
	}

	if err := b.producer.Publish(ctx, kafka.TopicComputeRequests, task.Fingerprint, req); err != nil {
		return "", &domain.BackendUnavailableError{Backend: b.Name(), Cause: err}
	}

	b.mu.Lock()
	b.statuses[handle] = backend.Status{State: backend.StatePending}
	b.mu.Unlock()
	return handle, nil
}

// Poll reports the latest state folded in from the outcome topic. An unknown
// handle reports Pending rather than failure: the work may be running on a
// worker this coordinator instance has never heard from (e.g. after a
// restart); the stale-lease sweep bounds how long such a handle can wait.
func (b *Backend) Poll(_ context.Context, handle string) (backend.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	st, ok := b.statuses[handle]
	if !ok {
		return backend.Status{State: backend.StatePending}, nil
	}
	return st, nil
}

// Cancel is unsupported: a request already published cannot be recalled from
// the worker fleet. Late results are handled by the reconciler's
// cancellation-race policy.
func (b *Backend) Cancel(context.Context, string) error {
	return &domain.CancelUnsupportedError{Backend: b.Name()}
}

// Health aggregates worker heartbeats from the registry.
func (b *Backend) Health(ctx context.Context) (backend.Health, error) {
	alive, err := b.workers.Alive(ctx)
	if err != nil {
		return backend.Health{}, &domain.BackendUnavailableError{Backend: b.Name(), Cause: err}
	}

	b.mu.Lock()
	pending := 0
	for _, st := range b.statuses {
		if !st.State.Terminal() {
			pending++
		}
	}
	b.mu.Unlock()

	return backend.Health{Workers: len(alive), QueueDepth: pending}, nil
}

// Run consumes the outcome topic until ctx is cancelled, folding worker
// reports into poll state. Blocks; run in its own goroutine.
func (b *Backend) Run(ctx context.Context, consumer kafka.Consumer) error {
	return consumer.Subscribe(ctx, b.fold)
}

func (b *Backend) fold(_ context.Context, msg kafka.Message) error {
	var report Report
	if err := json.Unmarshal(msg.Value, &report); err != nil {
		// Malformed reports are logged and committed: re-delivery cannot fix them.
		b.logger.Error("malformed outcome report, discarding",
			slog.String("error", err.Error()),
			slog.Int64("offset", msg.Offset),
		)
		return nil
	}

	state := backend.StateSucceeded
	if !report.Outcome.Success {
		state = backend.StateFailed
	}

	b.mu.Lock()
	b.statuses[report.Handle] = backend.Status{State: state, Outcome: &report.Outcome}
	b.mu.Unlock()

	b.logger.Debug("outcome folded",
		slog.String("handle", report.Handle),
		slog.String("fingerprint", report.Outcome.Fingerprint),
		slog.Bool("success", report.Outcome.Success),
	)
	return nil
}

// Forget drops a handle's folded state once the coordinator has reconciled
// it, so the map does not grow without bound.
func (b *Backend) Forget(handle string) {
	b.mu.Lock()
	delete(b.statuses, handle)
	b.mu.Unlock()
}

var _ backend.Adapter = (*Backend)(nil)
