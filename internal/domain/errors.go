package domain

import "fmt"

// TaskNotFoundError is returned when no task or result exists for a fingerprint.
type TaskNotFoundError struct {
	Fingerprint string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("no task or result for fingerprint %s", e.Fingerprint)
}

// RejectedSpecError marks a malformed specification. Surfaced to the caller
// immediately and never retried.
type RejectedSpecError struct {
	Reason string
}

func (e *RejectedSpecError) Error() string {
	return fmt.Sprintf("specification rejected: %s", e.Reason)
}

// BackendUnavailableError is a transient infrastructure failure on the
// backend side. Retried per retry policy.
type BackendUnavailableError struct {
	Backend string
	Cause   error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend %s unavailable: %v", e.Backend, e.Cause)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Cause }

// ComputationFailedError marks a computation that ran and failed for
// scientific or numeric reasons. Recorded as a terminal failure, not retried:
// re-running a deterministic failure reproduces it.
type ComputationFailedError struct {
	Fingerprint string
	Reason      string
}

func (e *ComputationFailedError) Error() string {
	return fmt.Sprintf("computation %s failed: %s", e.Fingerprint, e.Reason)
}

// ReconciliationConflictError is returned when a second completion races an
// already-committed result for the same fingerprint. The first committer
// wins; the loser is discarded with a warning.
type ReconciliationConflictError struct {
	Fingerprint string
}

func (e *ReconciliationConflictError) Error() string {
	return fmt.Sprintf("result for fingerprint %s already committed", e.Fingerprint)
}

// SpecConflictError is a fingerprint collision: two canonically different
// specifications hashed to the same fingerprint. A hard invariant violation,
// never a silent merge.
type SpecConflictError struct {
	Fingerprint string
}

func (e *SpecConflictError) Error() string {
	return fmt.Sprintf("fingerprint collision on %s: stored specification differs", e.Fingerprint)
}

// StorageUnavailableError wraps a storage failure. Fatal to the current
// reconciliation attempt only; the transaction rolls back and the task stays
// SUBMITTED for a later reconciliation retry.
type StorageUnavailableError struct {
	Op    string
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable during %s: %v", e.Op, e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Cause }

// CancelUnsupportedError is reported by backends that cannot cancel in-flight
// work. Not fatal: the task is still marked cancelled coordinator-side.
type CancelUnsupportedError struct {
	Backend string
}

func (e *CancelUnsupportedError) Error() string {
	return fmt.Sprintf("backend %s does not support cancellation", e.Backend)
}

// RateLimitExceededError is returned when a submitter exceeds its rate limit.
type RateLimitExceededError struct {
	Submitter string
	Limit     int
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("rate limit exceeded for submitter %q: limit is %d", e.Submitter, e.Limit)
}
