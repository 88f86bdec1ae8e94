package domain

import (
	"encoding/json"
	"time"
)

// Status represents the states a fingerprint's task can be in.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusSubmitted Status = "SUBMITTED"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// TaskRecord tracks one in-flight computation, keyed by fingerprint.
// A row exists only while the task is non-terminal; reconciliation removes
// it in the same transaction that commits the ResultRecord, so the
// fingerprint key doubles as the single-in-flight admission gate.
type TaskRecord struct {
	Fingerprint string          `json:"fingerprint"`
	Spec        json.RawMessage `json:"spec"` // canonicalized specification
	Tag         string          `json:"tag,omitempty"`
	Status      Status          `json:"status"`
	Backend     string          `json:"backend,omitempty"`
	Handle      string          `json:"handle,omitempty"` // opaque, backend-specific
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	// Precision is the geometry rounding (decimal digits) the fingerprint
	// was computed with. Stored so mixed-configuration coordinators are
	// detectable rather than silently diverging.
	Precision      int        `json:"precision"`
	Force          bool       `json:"force"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
}

// Disposition is the synchronous answer a submitter gets per fingerprint.
type Disposition string

const (
	DispositionQueued          Disposition = "QUEUED"
	DispositionAlreadyInFlight Disposition = "ALREADY_IN_FLIGHT"
	DispositionAlreadyComplete Disposition = "ALREADY_COMPLETE"
	DispositionRejected        Disposition = "REJECTED"
)

// SubmissionStatus is one entry of a batch-submission response.
type SubmissionStatus struct {
	Fingerprint string      `json:"fingerprint,omitempty"`
	Disposition Disposition `json:"disposition"`
	Error       string      `json:"error,omitempty"`
}
