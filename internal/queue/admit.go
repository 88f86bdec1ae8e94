// Package queue is the dispatch core: admission of new specifications,
// routing of queued tasks to backend adapters, polling of in-flight handles,
// and hand-off of terminal outcomes to the reconciler.
package queue

import (
	"context"
	"errors"
	"log/slog"

	"github.com/qcflow/qcflow/internal/domain"
	"github.com/qcflow/qcflow/internal/fingerprint"
	"github.com/qcflow/qcflow/internal/postgres"
	"github.com/qcflow/qcflow/pkg/telemetry"
)

// SubmitOptions apply to a whole submission batch.
type SubmitOptions struct {
	// Force admits the fingerprint even when a committed result exists. The
	// old result keeps serving queries while the rerun is in flight and is
	// replaced when the rerun succeeds.
	Force bool
	// MaxAttempts overrides the retry budget for these tasks. Zero keeps the
	// server default.
	MaxAttempts int
}

// Admitter performs the synchronous half of submission: canonicalize,
// fingerprint, and the atomic Absent→Queued storage transition. It never
// touches backends; accepted tasks are handed to the caller for queueing.
type Admitter struct {
	canon       *fingerprint.Canonicalizer
	gateway     postgres.Gateway
	maxAttempts int
	logger      *slog.Logger
}

func NewAdmitter(canon *fingerprint.Canonicalizer, gateway postgres.Gateway, maxAttempts int, logger *slog.Logger) *Admitter {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Admitter{canon: canon, gateway: gateway, maxAttempts: maxAttempts, logger: logger}
}

// AdmitBatch processes a batch of specifications independently: one bad
// specification never poisons its neighbours. The returned statuses are
// positional, one per input. Accepted tasks are returned separately for
// publication to the dispatch stream.
func (a *Admitter) AdmitBatch(ctx context.Context, specs []*domain.Specification, opts SubmitOptions) ([]domain.SubmissionStatus, []*domain.TaskRecord) {
	statuses := make([]domain.SubmissionStatus, len(specs))
	var accepted []*domain.TaskRecord

	for i, spec := range specs {
		status, task := a.admitOne(ctx, spec, opts)
		statuses[i] = status
		if task != nil {
			accepted = append(accepted, task)
		}
		telemetry.GatewaySubmissionsTotal.WithLabelValues(string(status.Disposition)).Inc()
	}
	return statuses, accepted
}

func (a *Admitter) admitOne(ctx context.Context, spec *domain.Specification, opts SubmitOptions) (domain.SubmissionStatus, *domain.TaskRecord) {
	fp, blob, err := a.canon.Fingerprint(spec)
	if err != nil {
		return domain.SubmissionStatus{
			Disposition: domain.DispositionRejected,
			Error:       err.Error(),
		}, nil
	}

	maxAttempts := a.maxAttempts
	if opts.MaxAttempts > 0 {
		maxAttempts = opts.MaxAttempts
	}
	task := &domain.TaskRecord{
		Fingerprint: fp,
		Spec:        blob,
		Tag:         spec.Tag,
		Status:      domain.StatusQueued,
		MaxAttempts: maxAttempts,
		Precision:   a.canon.Precision(),
		Force:       opts.Force,
	}

	admission, err := a.gateway.AdmitTask(ctx, task)
	if err != nil {
		var conflict *domain.SpecConflictError
		if errors.As(err, &conflict) {
			a.logger.Error("fingerprint collision", slog.String("fingerprint", fp))
			return domain.SubmissionStatus{
				Fingerprint: fp,
				Disposition: domain.DispositionRejected,
				Error:       conflict.Error(),
			}, nil
		}
		a.logger.Error("admission failed",
			slog.String("fingerprint", fp),
			slog.String("error", err.Error()),
		)
		return domain.SubmissionStatus{
			Fingerprint: fp,
			Disposition: domain.DispositionRejected,
			Error:       err.Error(),
		}, nil
	}

	switch admission {
	case postgres.AdmissionAccepted:
		return domain.SubmissionStatus{Fingerprint: fp, Disposition: domain.DispositionQueued}, task
	case postgres.AdmissionInFlight:
		return domain.SubmissionStatus{Fingerprint: fp, Disposition: domain.DispositionAlreadyInFlight}, nil
	default:
		return domain.SubmissionStatus{Fingerprint: fp, Disposition: domain.DispositionAlreadyComplete}, nil
	}
}
