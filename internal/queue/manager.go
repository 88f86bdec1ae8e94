package queue

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/qcflow/qcflow/internal/backend"
	"github.com/qcflow/qcflow/internal/domain"
	"github.com/qcflow/qcflow/internal/postgres"
	"github.com/qcflow/qcflow/internal/reconcile"
	"github.com/qcflow/qcflow/pkg/retrypolicy"
	"github.com/qcflow/qcflow/pkg/telemetry"
)

const (
	defaultDispatchInterval = time.Second
	defaultPollInterval     = 2 * time.Second
	defaultLeaseTTL         = 10 * time.Minute
)

// forgetter is implemented by adapters that keep per-handle state worth
// releasing once an outcome has been consumed.
type forgetter interface {
	Forget(handle string)
}

type pendingTask struct {
	task      *domain.TaskRecord
	notBefore time.Time
}

type inflightTask struct {
	task      *domain.TaskRecord
	adapter   backend.Adapter
	cancelled bool
}

// Manager owns the coordinator's task lifecycle: queued tasks are routed to a
// tag-matching adapter, in-flight handles are polled, and terminal outcomes
// go to the reconciler. All durable state lives in the storage gateway; the
// in-memory maps are a view rebuilt by Recover on startup.
type Manager struct {
	gateway    postgres.Gateway
	adapters   []backend.Adapter
	reconciler *reconcile.Reconciler
	policy     retrypolicy.Policy
	logger     *slog.Logger

	dispatchInterval time.Duration
	pollInterval     time.Duration
	leaseTTL         time.Duration

	mu       sync.Mutex
	pending  map[string]*pendingTask
	inflight map[string]*inflightTask
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithDispatchInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.dispatchInterval = d }
}

func WithPollInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.pollInterval = d }
}

func WithLeaseTTL(d time.Duration) ManagerOption {
	return func(m *Manager) { m.leaseTTL = d }
}

func NewManager(
	gateway postgres.Gateway,
	adapters []backend.Adapter,
	reconciler *reconcile.Reconciler,
	policy retrypolicy.Policy,
	logger *slog.Logger,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		gateway:          gateway,
		adapters:         adapters,
		reconciler:       reconciler,
		policy:           policy,
		logger:           logger,
		dispatchInterval: defaultDispatchInterval,
		pollInterval:     defaultPollInterval,
		leaseTTL:         defaultLeaseTTL,
		pending:          make(map[string]*pendingTask),
		inflight:         make(map[string]*inflightTask),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Recover rebuilds the in-memory view from storage after a restart. Queued
// rows go back to pending; submitted rows resume polling on their recorded
// backend. Submitted rows whose backend no longer exists fall to the
// stale-lease sweep.
func (m *Manager) Recover(ctx context.Context) error {
	tasks, err := m.gateway.ListActiveTasks(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	queued, submitted := 0, 0
	for _, task := range tasks {
		switch task.Status {
		case domain.StatusQueued:
			m.pending[task.Fingerprint] = &pendingTask{task: task}
			queued++
		case domain.StatusSubmitted:
			adapter := m.adapterNamed(task.Backend)
			if adapter == nil {
				m.logger.Warn("recovered task references unknown backend, leaving to lease sweep",
					slog.String("fingerprint", task.Fingerprint),
					slog.String("backend", task.Backend),
				)
				continue
			}
			m.inflight[task.Fingerprint] = &inflightTask{task: task, adapter: adapter}
			submitted++
		}
	}
	telemetry.CoordinatorTasksInFlight.Set(float64(submitted))
	m.logger.Info("recovered active tasks",
		slog.Int("queued", queued),
		slog.Int("submitted", submitted),
	)
	return nil
}

// Enqueue adds an admitted task to the dispatch queue. Idempotent per
// fingerprint: redelivered admissions of a task already tracked are dropped.
func (m *Manager) Enqueue(task *domain.TaskRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[task.Fingerprint]; ok {
		return
	}
	if _, ok := m.inflight[task.Fingerprint]; ok {
		return
	}
	m.pending[task.Fingerprint] = &pendingTask{task: task}
}

// Run drives the dispatch and poll loops until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	dispatch := time.NewTicker(m.dispatchInterval)
	defer dispatch.Stop()
	poll := time.NewTicker(m.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-dispatch.C:
			m.dispatchOnce(ctx)
		case <-poll.C:
			m.pollOnce(ctx)
		}
	}
}

// dispatchOnce routes every due pending task to a matching adapter.
func (m *Manager) dispatchOnce(ctx context.Context) {
	now := time.Now()

	m.mu.Lock()
	due := make([]*pendingTask, 0, len(m.pending))
	for _, p := range m.pending {
		if !p.notBefore.After(now) {
			due = append(due, p)
		}
	}
	m.mu.Unlock()

	for _, p := range due {
		m.dispatch(ctx, p)
	}
}

func (m *Manager) dispatch(ctx context.Context, p *pendingTask) {
	task := p.task
	log := m.logger.With(
		slog.String("fingerprint", task.Fingerprint),
		slog.String("tag", task.Tag),
	)

	adapter := m.adapterFor(task.Tag)
	if adapter == nil {
		// No adapter serves this tag yet. Not an attempt; check again later.
		m.holdPending(task.Fingerprint, m.dispatchInterval*10)
		log.Warn("no adapter for tag, holding")
		return
	}

	if health, err := adapter.Health(ctx); err != nil || health.Workers == 0 {
		m.holdPending(task.Fingerprint, m.policy.BaseDelay)
		if err != nil {
			log.Warn("backend unhealthy, holding", slog.String("error", err.Error()))
		} else {
			log.Warn("backend has no workers, holding", slog.String("backend", adapter.Name()))
		}
		return
	}

	// Claim the row before anything reaches the backend. With replicated
	// coordinators every replica holds the same queued row in memory; the
	// conditional update elects exactly one submitter, so the losers never
	// publish duplicate work.
	task.Attempts++
	leaseUntil := time.Now().Add(m.leaseTTL)
	if err := m.gateway.ClaimTask(ctx, task.Fingerprint, adapter.Name(), task.Attempts, leaseUntil); err != nil {
		task.Attempts--
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			// Claimed by a peer, cancelled, or already reconciled. Nothing was
			// submitted; drop the local entry.
			m.remove(task.Fingerprint)
			log.Info("task claimed elsewhere, dropped")
			return
		}
		m.holdPending(task.Fingerprint, m.policy.BaseDelay)
		log.Error("failed to claim task, holding", slog.String("error", err.Error()))
		return
	}

	handle, err := adapter.Submit(ctx, task)
	if err != nil {
		m.submitFailed(ctx, task, adapter, err, log)
		return
	}

	if err := m.gateway.RecordHandle(ctx, task.Fingerprint, handle); err != nil {
		// The claim and lease stand; if we crash before the handle lands the
		// stale-lease sweep requeues the row.
		log.Warn("failed to record backend handle", slog.String("error", err.Error()))
	}

	task.Status = domain.StatusSubmitted
	task.Backend = adapter.Name()
	task.Handle = handle

	m.mu.Lock()
	delete(m.pending, task.Fingerprint)
	m.inflight[task.Fingerprint] = &inflightTask{task: task, adapter: adapter}
	m.mu.Unlock()

	telemetry.CoordinatorDispatchesTotal.WithLabelValues(adapter.Name(), "submitted").Inc()
	telemetry.CoordinatorTasksInFlight.Inc()
	log.Info("task submitted",
		slog.String("backend", adapter.Name()),
		slog.String("handle", handle),
		slog.Int("attempt", task.Attempts),
	)
}

// submitFailed decides between backoff-and-retry and a terminal marker for a
// failed submission. Rejections are final; everything else consumes an
// attempt and may exhaust the retry budget. Runs with the row claimed, so a
// retry must first release the claim back to queued.
func (m *Manager) submitFailed(ctx context.Context, task *domain.TaskRecord, adapter backend.Adapter, err error, log *slog.Logger) {
	telemetry.CoordinatorDispatchesTotal.WithLabelValues(adapter.Name(), "failed").Inc()

	var rejected *domain.RejectedSpecError
	if errors.As(err, &rejected) {
		m.failTerminally(ctx, task, err.Error(), log)
		return
	}

	decision := m.policy.ForTask(task.MaxAttempts).ShouldRetry(task.Attempts, err)
	if !decision.Retry {
		m.failTerminally(ctx, task, err.Error(), log)
		return
	}

	if rqErr := m.gateway.RequeueTask(ctx, task.Fingerprint, task.Attempts, err.Error()); rqErr != nil {
		// The claim stays on the row; the stale-lease sweep will requeue it.
		log.Error("failed to requeue after submit failure", slog.String("error", rqErr.Error()))
	}
	m.holdPending(task.Fingerprint, decision.Delay)
	telemetry.CoordinatorRetriesTotal.WithLabelValues(adapter.Name()).Inc()
	log.Warn("submit failed, will retry",
		slog.Int("attempt", task.Attempts),
		slog.Duration("delay", decision.Delay),
		slog.String("error", err.Error()),
	)
}

func (m *Manager) failTerminally(ctx context.Context, task *domain.TaskRecord, reason string, log *slog.Logger) {
	marker := &domain.ResultRecord{
		Fingerprint: task.Fingerprint,
		Success:     false,
		Error:       reason,
	}
	if _, err := m.gateway.CommitFailure(ctx, marker); err != nil {
		// Storage trouble: keep the task queued and try again later.
		m.holdPending(task.Fingerprint, m.policy.BaseDelay)
		log.Error("failed to record terminal failure, holding", slog.String("error", err.Error()))
		return
	}
	m.remove(task.Fingerprint)
	log.Error("task failed terminally at dispatch", slog.String("error", reason))
}

// pollOnce checks every in-flight handle and reconciles terminal outcomes.
// The cancelled flag is copied under the lock because Cancel flips it from
// the cancellation-consumer goroutine.
func (m *Manager) pollOnce(ctx context.Context) {
	type polled struct {
		f         *inflightTask
		cancelled bool
	}
	m.mu.Lock()
	snapshot := make([]polled, 0, len(m.inflight))
	for _, f := range m.inflight {
		snapshot = append(snapshot, polled{f: f, cancelled: f.cancelled})
	}
	m.mu.Unlock()

	for _, p := range snapshot {
		m.pollOne(ctx, p.f, p.cancelled)
	}
}

func (m *Manager) pollOne(ctx context.Context, f *inflightTask, cancelled bool) {
	task := f.task
	log := m.logger.With(
		slog.String("fingerprint", task.Fingerprint),
		slog.String("handle", task.Handle),
	)

	status, err := f.adapter.Poll(ctx, task.Handle)
	if err != nil {
		log.Warn("poll failed", slog.String("error", err.Error()))
		return
	}
	if !status.State.Terminal() {
		return
	}
	outcome := status.Outcome
	if outcome == nil {
		log.Error("terminal poll without outcome, treating as lost worker")
		outcome = &domain.Outcome{
			Fingerprint: task.Fingerprint,
			Retryable:   true,
			Error:       "backend reported terminal state without an outcome",
		}
	}

	var res reconcile.Resolution
	if cancelled {
		res, err = m.reconciler.ReconcileLate(ctx, task, outcome)
	} else {
		res, err = m.reconciler.Reconcile(ctx, task, outcome)
	}
	if err != nil {
		// Storage trouble. The handle stays in flight and the state stays
		// SUBMITTED; the next poll retries the commit with the same outcome.
		log.Error("reconciliation failed, will retry", slog.String("error", err.Error()))
		return
	}

	m.forget(f.adapter, task.Handle)

	switch res.Verdict {
	case reconcile.VerdictRequeued:
		task.Status = domain.StatusQueued
		task.Backend = ""
		task.Handle = ""
		m.mu.Lock()
		delete(m.inflight, task.Fingerprint)
		m.pending[task.Fingerprint] = &pendingTask{task: task, notBefore: time.Now().Add(res.Delay)}
		m.mu.Unlock()
	default:
		m.remove(task.Fingerprint)
	}
	telemetry.CoordinatorTasksInFlight.Dec()
}

// Cancel marks a task cancelled and best-effort stops its backend work.
// Backends that cannot cancel keep the handle under observation so the
// cancellation-race policy can deal with the eventual late outcome.
func (m *Manager) Cancel(ctx context.Context, fingerprint string) error {
	if err := m.gateway.MarkCancelled(ctx, fingerprint); err != nil {
		return err
	}

	m.mu.Lock()
	_, wasPending := m.pending[fingerprint]
	delete(m.pending, fingerprint)
	f := m.inflight[fingerprint]
	m.mu.Unlock()

	log := m.logger.With(slog.String("fingerprint", fingerprint))
	if wasPending || f == nil {
		log.Info("task cancelled")
		return nil
	}

	err := f.adapter.Cancel(ctx, f.task.Handle)
	var unsupported *domain.CancelUnsupportedError
	switch {
	case errors.As(err, &unsupported):
		// Keep polling; the late outcome goes through ReconcileLate.
		m.mu.Lock()
		f.cancelled = true
		m.mu.Unlock()
		log.Info("task cancelled, backend cannot stop it; watching for late outcome")
	case err != nil:
		log.Warn("backend cancel failed", slog.String("error", err.Error()))
		fallthrough
	default:
		m.mu.Lock()
		delete(m.inflight, fingerprint)
		m.mu.Unlock()
		m.forget(f.adapter, f.task.Handle)
		telemetry.CoordinatorTasksInFlight.Dec()
		log.Info("task cancelled")
	}
	return nil
}

// ReapStaleLeases returns expired submitted tasks to the queue, both in
// storage and in memory. Run periodically by the coordinator's sweep job.
func (m *Manager) ReapStaleLeases(ctx context.Context) (int, error) {
	n, err := m.gateway.ReapStaleLeases(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	telemetry.CoordinatorStaleLeasesReaped.Add(float64(n))
	m.logger.Warn("reaped stale leases", slog.Int("count", n))

	// Refresh the in-memory view so reaped tasks dispatch again promptly.
	if err := m.Resync(ctx); err != nil {
		m.logger.Error("failed to resync after lease sweep", slog.String("error", err.Error()))
	}
	return n, nil
}

// Resync reloads queued rows from storage into pending, dropping in-flight
// entries whose rows were reaped back to queued. Also the safety net for
// admitted tasks whose Kafka hand-off never arrived: any queued row unknown
// to this coordinator becomes pending.
func (m *Manager) Resync(ctx context.Context) error {
	tasks, err := m.gateway.ListActiveTasks(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, task := range tasks {
		if task.Status != domain.StatusQueued {
			continue
		}
		if f, ok := m.inflight[task.Fingerprint]; ok {
			m.forget(f.adapter, f.task.Handle)
			delete(m.inflight, task.Fingerprint)
			telemetry.CoordinatorTasksInFlight.Dec()
		}
		if _, ok := m.pending[task.Fingerprint]; !ok {
			m.pending[task.Fingerprint] = &pendingTask{task: task}
		}
	}
	return nil
}

// adapterFor picks the adapter serving a tag: exact match first, then an
// untagged adapter as the catch-all.
func (m *Manager) adapterFor(tag string) backend.Adapter {
	var catchAll backend.Adapter
	for _, a := range m.adapters {
		if a.Tag() == tag {
			return a
		}
		if a.Tag() == "" {
			catchAll = a
		}
	}
	return catchAll
}

func (m *Manager) adapterNamed(name string) backend.Adapter {
	for _, a := range m.adapters {
		if a.Name() == name {
			return a
		}
	}
	return nil
}

func (m *Manager) holdPending(fingerprint string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pending[fingerprint]; ok {
		p.notBefore = time.Now().Add(d)
	}
}

func (m *Manager) remove(fingerprint string) {
	m.mu.Lock()
	delete(m.pending, fingerprint)
	delete(m.inflight, fingerprint)
	m.mu.Unlock()
}

func (m *Manager) forget(a backend.Adapter, handle string) {
	if fg, ok := a.(forgetter); ok {
		fg.Forget(handle)
	}
}
