package domain

import (
	"encoding/json"
	"time"
)

// ResultRecord is the durable, immutable outcome of one computation.
// Exactly one row exists per fingerprint; terminal failures are stored with
// Success=false so the uniqueness invariant lives in a single table.
type ResultRecord struct {
	Fingerprint    string          `json:"fingerprint"`
	Payload        json.RawMessage `json:"payload,omitempty"` // opaque to the core
	Success        bool            `json:"success"`
	Error          string          `json:"error,omitempty"`
	WallTimeMS     int64           `json:"wall_time_ms"`
	Program        string          `json:"program"`
	ProgramVersion string          `json:"program_version,omitempty"`
	// CancelledRace marks a result produced by a backend after the task had
	// already been cancelled. Recorded (not discarded) under the default
	// late-result policy.
	CancelledRace bool      `json:"cancelled_race,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Outcome is a backend's report for one finished (or retryable-failed)
// attempt, as handed to the reconciler.
type Outcome struct {
	Fingerprint    string          `json:"fingerprint"`
	Success        bool            `json:"success"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Error          string          `json:"error,omitempty"`
	// Retryable distinguishes transient infrastructure failures from
	// deterministic computation failures worth recording as terminal.
	Retryable      bool   `json:"retryable"`
	WallTimeMS     int64  `json:"wall_time_ms"`
	Program        string `json:"program"`
	ProgramVersion string `json:"program_version,omitempty"`
	Worker         string `json:"worker,omitempty"`
}
