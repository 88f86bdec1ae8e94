// Package retrypolicy decides whether failed work is attempted again and,
// if so, after how long.
package retrypolicy

import (
	"errors"
	"time"

	"github.com/qcflow/qcflow/internal/domain"
)

// Policy controls retry decisions for failed task attempts.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
	// BaseDelay is the base for backoff. Wait = BaseDelay * attempt², capped.
	BaseDelay time.Duration
	// MaxDelay caps the backoff so an unhealthy backend is probed at a
	// bounded rate. Zero means no cap.
	MaxDelay time.Duration
}

// Decision is the outcome of consulting the policy for one failure.
type Decision struct {
	Retry bool
	Delay time.Duration
}

// DefaultPolicy mirrors the coordinator defaults.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 2 * time.Second, MaxDelay: 5 * time.Minute}
}

// ForTask returns the policy with the attempt budget replaced by the task's
// own when it carries one. Zero keeps the deployment default, so callers can
// pass TaskRecord.MaxAttempts unconditionally.
func (p Policy) ForTask(maxAttempts int) Policy {
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	return p
}

// ShouldRetry reports whether a task that has already failed attemptCount
// times should be resubmitted. Non-retryable error kinds (malformed
// specifications, deterministic computation failures) always give up;
// exceeding MaxAttempts always gives up, so no fingerprint retries forever.
func (p Policy) ShouldRetry(attemptCount int, err error) Decision {
	if !Retryable(err) {
		return Decision{}
	}
	max := p.MaxAttempts
	if max <= 0 {
		max = 1
	}
	if attemptCount >= max {
		return Decision{}
	}
	return Decision{Retry: true, Delay: p.backoff(attemptCount)}
}

func (p Policy) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay * time.Duration(attempt*attempt)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Retryable classifies an error. Malformed specifications and deterministic
// computation failures are final; everything else (backend unavailability,
// worker preemption, timeouts, unclassified infrastructure errors) is
// treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var rejected *domain.RejectedSpecError
	if errors.As(err, &rejected) {
		return false
	}
	var failed *domain.ComputationFailedError
	if errors.As(err, &failed) {
		return false
	}
	var conflict *domain.SpecConflictError
	if errors.As(err, &conflict) {
		return false
	}
	return true
}
