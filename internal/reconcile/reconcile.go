// Package reconcile turns backend outcomes into durable state transitions.
// Every path through it is idempotent: the storage commit uses a conditional
// insert, so replaying an outcome (Kafka redelivery, double poll, coordinator
// restart) can never produce a second result for a fingerprint.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/qcflow/qcflow/internal/domain"
	"github.com/qcflow/qcflow/internal/postgres"
	redisstore "github.com/qcflow/qcflow/internal/redis"
	"github.com/qcflow/qcflow/pkg/retrypolicy"
	"github.com/qcflow/qcflow/pkg/telemetry"
)

// Verdict says what a reconciliation did with an outcome.
type Verdict string

const (
	// VerdictCommitted means a new result (or terminal error marker) was stored.
	VerdictCommitted Verdict = "committed"
	// VerdictDuplicate means another committer won the race; this outcome was dropped.
	VerdictDuplicate Verdict = "duplicate"
	// VerdictRequeued means the failure was transient and the task went back to the queue.
	VerdictRequeued Verdict = "requeued"
	// VerdictDiscarded means a late outcome for a cancelled task was thrown away.
	VerdictDiscarded Verdict = "discarded"
)

// Resolution is the reconciler's answer. Delay is set only for VerdictRequeued
// and tells the dispatcher how long to hold the task before the next attempt.
type Resolution struct {
	Verdict Verdict
	Delay   time.Duration
}

// Reconciler applies terminal backend outcomes to storage and keeps the
// read-side cache in step.
type Reconciler struct {
	gateway postgres.Gateway
	cache   redisstore.StatusCache // nil = cache disabled
	policy  retrypolicy.Policy
	// keepLateResults records results that arrive after cancellation instead
	// of discarding them. Such records carry the CancelledRace flag.
	keepLateResults bool
	logger          *slog.Logger
}

func New(gateway postgres.Gateway, cache redisstore.StatusCache, policy retrypolicy.Policy, keepLateResults bool, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		gateway:         gateway,
		cache:           cache,
		policy:          policy,
		keepLateResults: keepLateResults,
		logger:          logger,
	}
}

// Reconcile handles a terminal outcome for a live (non-cancelled) task.
func (r *Reconciler) Reconcile(ctx context.Context, task *domain.TaskRecord, outcome *domain.Outcome) (Resolution, error) {
	start := time.Now()
	defer func() {
		telemetry.CoordinatorReconcileDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	log := r.logger.With(
		slog.String("fingerprint", task.Fingerprint),
		slog.String("program", outcome.Program),
	)

	if outcome.Success {
		return r.commitSuccess(ctx, task, outcome, false, log)
	}
	return r.handleFailure(ctx, task, outcome, log)
}

// ReconcileLate handles an outcome for a task that was cancelled while the
// backend kept running it. Successes are kept or discarded per the late-result
// policy; failures are always discarded since there is nothing left to retry.
func (r *Reconciler) ReconcileLate(ctx context.Context, task *domain.TaskRecord, outcome *domain.Outcome) (Resolution, error) {
	log := r.logger.With(slog.String("fingerprint", task.Fingerprint))

	if outcome.Success && r.keepLateResults {
		log.Info("recording late result for cancelled task")
		return r.commitSuccess(ctx, task, outcome, true, log)
	}

	if err := r.gateway.DiscardTask(ctx, task.Fingerprint); err != nil {
		return Resolution{}, err
	}
	r.invalidate(ctx, task.Fingerprint, log)
	telemetry.CoordinatorReconciliationsTotal.WithLabelValues(string(VerdictDiscarded)).Inc()
	log.Info("discarded late outcome for cancelled task", slog.Bool("success", outcome.Success))
	return Resolution{Verdict: VerdictDiscarded}, nil
}

func (r *Reconciler) commitSuccess(ctx context.Context, task *domain.TaskRecord, outcome *domain.Outcome, lateAfterCancel bool, log *slog.Logger) (Resolution, error) {
	record := &domain.ResultRecord{
		Fingerprint:    task.Fingerprint,
		Payload:        outcome.Payload,
		Success:        true,
		WallTimeMS:     outcome.WallTimeMS,
		Program:        outcome.Program,
		ProgramVersion: outcome.ProgramVersion,
		CancelledRace:  lateAfterCancel,
	}
	committed, err := r.gateway.CommitSuccess(ctx, record)
	if err != nil {
		return Resolution{}, err
	}
	if !committed {
		conflict := &domain.ReconciliationConflictError{Fingerprint: task.Fingerprint}
		log.Warn("duplicate completion dropped", slog.String("error", conflict.Error()))
		telemetry.CoordinatorReconciliationsTotal.WithLabelValues(string(VerdictDuplicate)).Inc()
		return Resolution{Verdict: VerdictDuplicate}, nil
	}

	r.updateCache(ctx, record, domain.StatusSucceeded, log)
	telemetry.CoordinatorReconciliationsTotal.WithLabelValues(string(VerdictCommitted)).Inc()
	log.Info("result committed",
		slog.Int64("wall_time_ms", outcome.WallTimeMS),
		slog.String("worker", outcome.Worker),
	)
	return Resolution{Verdict: VerdictCommitted}, nil
}

func (r *Reconciler) handleFailure(ctx context.Context, task *domain.TaskRecord, outcome *domain.Outcome, log *slog.Logger) (Resolution, error) {
	var attemptErr error
	if outcome.Retryable {
		attemptErr = errors.New(outcome.Error)
	} else {
		attemptErr = &domain.ComputationFailedError{Fingerprint: task.Fingerprint, Reason: outcome.Error}
	}

	decision := r.policy.ForTask(task.MaxAttempts).ShouldRetry(task.Attempts, attemptErr)
	if decision.Retry {
		if err := r.gateway.RequeueTask(ctx, task.Fingerprint, task.Attempts, outcome.Error); err != nil {
			return Resolution{}, err
		}
		r.setStatus(ctx, task.Fingerprint, domain.StatusQueued, log)
		telemetry.CoordinatorRetriesTotal.WithLabelValues(task.Backend).Inc()
		log.Warn("attempt failed, requeued",
			slog.Int("attempts", task.Attempts),
			slog.Duration("delay", decision.Delay),
			slog.String("error", outcome.Error),
		)
		return Resolution{Verdict: VerdictRequeued, Delay: decision.Delay}, nil
	}

	marker := &domain.ResultRecord{
		Fingerprint:    task.Fingerprint,
		Success:        false,
		Error:          outcome.Error,
		WallTimeMS:     outcome.WallTimeMS,
		Program:        outcome.Program,
		ProgramVersion: outcome.ProgramVersion,
	}
	committed, err := r.gateway.CommitFailure(ctx, marker)
	if err != nil {
		return Resolution{}, err
	}
	if !committed {
		conflict := &domain.ReconciliationConflictError{Fingerprint: task.Fingerprint}
		log.Warn("duplicate failure dropped", slog.String("error", conflict.Error()))
		telemetry.CoordinatorReconciliationsTotal.WithLabelValues(string(VerdictDuplicate)).Inc()
		return Resolution{Verdict: VerdictDuplicate}, nil
	}

	r.updateCache(ctx, marker, domain.StatusFailed, log)
	telemetry.CoordinatorReconciliationsTotal.WithLabelValues(string(VerdictCommitted)).Inc()
	log.Error("task failed terminally",
		slog.Int("attempts", task.Attempts),
		slog.Bool("retryable", outcome.Retryable),
		slog.String("error", outcome.Error),
	)
	return Resolution{Verdict: VerdictCommitted}, nil
}

// Cache writes are best-effort: the cache is a rebuildable view, never truth.

func (r *Reconciler) updateCache(ctx context.Context, record *domain.ResultRecord, status domain.Status, log *slog.Logger) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetResult(ctx, record); err != nil {
		log.Error("failed to cache result", slog.String("error", err.Error()))
	}
	r.setStatus(ctx, record.Fingerprint, status, log)
}

func (r *Reconciler) setStatus(ctx context.Context, fingerprint string, status domain.Status, log *slog.Logger) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SetStatus(ctx, fingerprint, status); err != nil {
		log.Error("failed to cache status", slog.String("error", err.Error()))
	}
}

func (r *Reconciler) invalidate(ctx context.Context, fingerprint string, log *slog.Logger) {
	if r.cache == nil {
		return
	}
	if err := r.cache.Invalidate(ctx, fingerprint); err != nil {
		log.Error("failed to invalidate cache", slog.String("error", err.Error()))
	}
}
