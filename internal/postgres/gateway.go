// Package postgres is the Storage Gateway: transactional persistence of
// task and result records keyed by fingerprint. It is the source of truth
// for every state transition; coordinator memory and the Redis cache are
// rebuildable views over it.
package postgres

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/qcflow/qcflow/internal/domain"
)

// Admission is the outcome of the atomic Absent→Queued transition.
type Admission string

const (
	AdmissionAccepted Admission = "ACCEPTED"
	AdmissionInFlight Admission = "IN_FLIGHT"
	AdmissionComplete Admission = "COMPLETE"
)

// Gateway abstracts all database access for the dispatch core.
type Gateway interface {
	// AdmitTask performs the conditional insert that implements the atomic
	// Absent→Queued transition: exactly one concurrent submitter of a
	// fingerprint gets AdmissionAccepted; the rest learn whether the work is
	// already in flight or already complete. Honors task.Force by skipping
	// the completed-result check. Returns SpecConflictError when the stored
	// canonical spec differs from the submitted one for the same fingerprint.
	AdmitTask(ctx context.Context, task *domain.TaskRecord) (Admission, error)

	GetTask(ctx context.Context, fingerprint string) (*domain.TaskRecord, error)
	GetResult(ctx context.Context, fingerprint string) (*domain.ResultRecord, error)

	// ListActiveTasks returns every non-terminal task, for rebuilding the
	// coordinator's in-memory view after a restart.
	ListActiveTasks(ctx context.Context) ([]*domain.TaskRecord, error)

	// ClaimTask performs the Queued→Submitted transition before anything is
	// handed to a backend: with multiple coordinator replicas holding the same
	// queued row in memory, the conditional update makes exactly one of them
	// the submitter; the rest get TaskNotFoundError and drop the task. The
	// attempt count is set explicitly because failed submit attempts count too
	// and are tracked by the caller.
	ClaimTask(ctx context.Context, fingerprint, backendName string, attempts int, leaseUntil time.Time) error
	// RecordHandle stores the backend handle on a claimed task, once the
	// backend has returned one.
	RecordHandle(ctx context.Context, fingerprint, handle string) error
	// RequeueTask records Submitted→Queued after a retryable failure.
	RequeueTask(ctx context.Context, fingerprint string, attempts int, lastError string) error
	// MarkCancelled moves a non-terminal task to Cancelled. The row is kept
	// so the cancellation stays queryable; admission resurrects it on
	// resubmission.
	MarkCancelled(ctx context.Context, fingerprint string) error

	// CommitSuccess atomically removes the task row and inserts the result.
	// Returns committed=false when a result already existed (first committer
	// wins); the task row is removed either way. A task admitted with the
	// force flag replaces the stored result instead.
	CommitSuccess(ctx context.Context, result *domain.ResultRecord) (committed bool, err error)
	// CommitFailure is CommitSuccess for terminal error markers.
	CommitFailure(ctx context.Context, marker *domain.ResultRecord) (committed bool, err error)
	// DiscardTask removes a task row without committing any result, for the
	// discard-late-results cancellation policy.
	DiscardTask(ctx context.Context, fingerprint string) error

	// ReapStaleLeases returns Submitted tasks whose lease expired to Queued
	// and reports how many rows moved.
	ReapStaleLeases(ctx context.Context, now time.Time) (int, error)
}

type gateway struct {
	pool *pgxpool.Pool
}

// NewGateway wraps a pgxpool with the Gateway interface.
func NewGateway(pool *pgxpool.Pool) Gateway {
	return &gateway{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (g *gateway) AdmitTask(ctx context.Context, task *domain.TaskRecord) (Admission, error) {
	now := time.Now().UTC()
	// Single statement: the existence check, the insert, and the
	// resurrect-cancelled upsert share one snapshot, so no read-then-write
	// window exists between concurrent submitters.
	ct, err := g.pool.Exec(ctx, `
		INSERT INTO task_records
			(fingerprint, spec, tag, status, attempts, max_attempts, geom_precision, force, created_at, updated_at)
		SELECT $1, $2, $3, $4, 0, $5, $6, $7, $8, $8
		WHERE $7 OR NOT EXISTS (SELECT 1 FROM result_records WHERE fingerprint = $1)
		ON CONFLICT (fingerprint) DO UPDATE SET
			spec = EXCLUDED.spec,
			tag = EXCLUDED.tag,
			status = EXCLUDED.status,
			backend = NULL,
			handle = NULL,
			attempts = 0,
			max_attempts = EXCLUDED.max_attempts,
			geom_precision = EXCLUDED.geom_precision,
			force = EXCLUDED.force,
			last_error = NULL,
			updated_at = EXCLUDED.updated_at,
			submitted_at = NULL,
			lease_expires_at = NULL
		WHERE task_records.status = 'CANCELLED'
	`,
		task.Fingerprint, task.Spec, task.Tag, string(domain.StatusQueued),
		task.MaxAttempts, task.Precision, task.Force, now,
	)
	if err != nil {
		return "", &domain.StorageUnavailableError{Op: "admit task", Cause: err}
	}
	if ct.RowsAffected() == 1 {
		return AdmissionAccepted, nil
	}

	// Nothing inserted: either a result exists or a live task row blocked us.
	if !task.Force {
		var exists bool
		if err := g.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM result_records WHERE fingerprint = $1)`,
			task.Fingerprint,
		).Scan(&exists); err != nil {
			return "", &domain.StorageUnavailableError{Op: "admit task", Cause: err}
		}
		if exists {
			return AdmissionComplete, nil
		}
	}

	// In flight. Equal fingerprints must mean equal canonical specs.
	var stored []byte
	err = g.pool.QueryRow(ctx,
		`SELECT spec FROM task_records WHERE fingerprint = $1`,
		task.Fingerprint,
	).Scan(&stored)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// The blocking row was reconciled between our two statements; the
		// submitter can simply retry.
		return "", &domain.StorageUnavailableError{Op: "admit task", Cause: errors.New("admission raced a reconciliation, retry")}
	case err != nil:
		return "", &domain.StorageUnavailableError{Op: "admit task", Cause: err}
	}
	if !bytes.Equal(stored, task.Spec) {
		return "", &domain.SpecConflictError{Fingerprint: task.Fingerprint}
	}
	return AdmissionInFlight, nil
}

func (g *gateway) GetTask(ctx context.Context, fingerprint string) (*domain.TaskRecord, error) {
	row := g.pool.QueryRow(ctx, `
		SELECT fingerprint, spec, tag, status, backend, handle, attempts, max_attempts,
		       geom_precision, force, last_error, created_at, updated_at, submitted_at, lease_expires_at
		FROM task_records
		WHERE fingerprint = $1
	`, fingerprint)
	return scanTask(row, fingerprint)
}

func (g *gateway) GetResult(ctx context.Context, fingerprint string) (*domain.ResultRecord, error) {
	var r domain.ResultRecord
	err := g.pool.QueryRow(ctx, `
		SELECT fingerprint, payload, success, error, wall_time_ms, program, program_version, cancelled_race, created_at
		FROM result_records
		WHERE fingerprint = $1
	`, fingerprint).Scan(
		&r.Fingerprint, &r.Payload, &r.Success, &r.Error, &r.WallTimeMS,
		&r.Program, &r.ProgramVersion, &r.CancelledRace, &r.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{Fingerprint: fingerprint}
		}
		return nil, &domain.StorageUnavailableError{Op: "get result", Cause: err}
	}
	return &r, nil
}

func (g *gateway) ListActiveTasks(ctx context.Context) ([]*domain.TaskRecord, error) {
	rows, err := g.pool.Query(ctx, `
		SELECT fingerprint, spec, tag, status, backend, handle, attempts, max_attempts,
		       geom_precision, force, last_error, created_at, updated_at, submitted_at, lease_expires_at
		FROM task_records
		WHERE status IN ($1, $2)
		ORDER BY created_at ASC
	`, string(domain.StatusQueued), string(domain.StatusSubmitted))
	if err != nil {
		return nil, &domain.StorageUnavailableError{Op: "list active tasks", Cause: err}
	}
	defer rows.Close()

	var tasks []*domain.TaskRecord
	for rows.Next() {
		task, err := scanTask(rows, "")
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, &domain.StorageUnavailableError{Op: "list active tasks", Cause: err}
	}
	return tasks, nil
}

func (g *gateway) ClaimTask(ctx context.Context, fingerprint, backendName string, attempts int, leaseUntil time.Time) error {
	now := time.Now().UTC()
	ct, err := g.pool.Exec(ctx, `
		UPDATE task_records
		SET status = $1, backend = $2, handle = NULL, attempts = $3,
		    updated_at = $4, submitted_at = $4, lease_expires_at = $5
		WHERE fingerprint = $6 AND status = $7
	`, string(domain.StatusSubmitted), backendName, attempts, now, leaseUntil,
		fingerprint, string(domain.StatusQueued))
	if err != nil {
		return &domain.StorageUnavailableError{Op: "claim task", Cause: err}
	}
	if ct.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{Fingerprint: fingerprint}
	}
	return nil
}

func (g *gateway) RecordHandle(ctx context.Context, fingerprint, handle string) error {
	ct, err := g.pool.Exec(ctx, `
		UPDATE task_records
		SET handle = $1, updated_at = $2
		WHERE fingerprint = $3 AND status = $4
	`, handle, time.Now().UTC(), fingerprint, string(domain.StatusSubmitted))
	if err != nil {
		return &domain.StorageUnavailableError{Op: "record handle", Cause: err}
	}
	if ct.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{Fingerprint: fingerprint}
	}
	return nil
}

func (g *gateway) RequeueTask(ctx context.Context, fingerprint string, attempts int, lastError string) error {
	ct, err := g.pool.Exec(ctx, `
		UPDATE task_records
		SET status = $1, backend = NULL, handle = NULL, attempts = $2,
		    last_error = $3, updated_at = $4, lease_expires_at = NULL
		WHERE fingerprint = $5 AND status = $6
	`, string(domain.StatusQueued), attempts, lastError, time.Now().UTC(),
		fingerprint, string(domain.StatusSubmitted))
	if err != nil {
		return &domain.StorageUnavailableError{Op: "requeue task", Cause: err}
	}
	if ct.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{Fingerprint: fingerprint}
	}
	return nil
}

func (g *gateway) MarkCancelled(ctx context.Context, fingerprint string) error {
	ct, err := g.pool.Exec(ctx, `
		UPDATE task_records
		SET status = $1, updated_at = $2
		WHERE fingerprint = $3 AND status IN ($4, $5)
	`, string(domain.StatusCancelled), time.Now().UTC(), fingerprint,
		string(domain.StatusQueued), string(domain.StatusSubmitted))
	if err != nil {
		return &domain.StorageUnavailableError{Op: "mark cancelled", Cause: err}
	}
	if ct.RowsAffected() == 0 {
		return &domain.TaskNotFoundError{Fingerprint: fingerprint}
	}
	return nil
}

func (g *gateway) CommitSuccess(ctx context.Context, result *domain.ResultRecord) (bool, error) {
	return g.commit(ctx, "commit success", result, true)
}

func (g *gateway) CommitFailure(ctx context.Context, marker *domain.ResultRecord) (bool, error) {
	return g.commit(ctx, "commit failure", marker, false)
}

// commit is the single-transaction terminal step: remove the task row and
// insert the result (first committer wins). A crash rolls the whole thing
// back, leaving the task Submitted and safe to re-poll; it can never leave a
// fingerprint with both a live task and a result, or with neither.
//
// A successful rerun of a force-admitted task replaces the stored result; a
// failure marker never clobbers an existing record.
func (g *gateway) commit(ctx context.Context, op string, result *domain.ResultRecord, replaceOnForce bool) (bool, error) {
	committed := false
	err := pgx.BeginFunc(ctx, g.pool, func(tx pgx.Tx) error {
		var force bool
		err := tx.QueryRow(ctx,
			`DELETE FROM task_records WHERE fingerprint = $1 RETURNING force`,
			result.Fingerprint,
		).Scan(&force)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("remove task record: %w", err)
		}

		args := []any{
			result.Fingerprint, result.Payload, result.Success, result.Error,
			result.WallTimeMS, result.Program, result.ProgramVersion,
			result.CancelledRace, time.Now().UTC(),
		}
		if replaceOnForce && force {
			if _, err := tx.Exec(ctx, `
				INSERT INTO result_records
					(fingerprint, payload, success, error, wall_time_ms, program, program_version, cancelled_race, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (fingerprint) DO UPDATE SET
					payload = EXCLUDED.payload,
					success = EXCLUDED.success,
					error = EXCLUDED.error,
					wall_time_ms = EXCLUDED.wall_time_ms,
					program = EXCLUDED.program,
					program_version = EXCLUDED.program_version,
					cancelled_race = EXCLUDED.cancelled_race,
					created_at = EXCLUDED.created_at
			`, args...); err != nil {
				return fmt.Errorf("replace result: %w", err)
			}
			committed = true
			return nil
		}

		ct, err := tx.Exec(ctx, `
			INSERT INTO result_records
				(fingerprint, payload, success, error, wall_time_ms, program, program_version, cancelled_race, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (fingerprint) DO NOTHING
		`, args...)
		if err != nil {
			return fmt.Errorf("insert result: %w", err)
		}
		committed = ct.RowsAffected() == 1
		return nil
	})
	if err != nil {
		return false, &domain.StorageUnavailableError{Op: op, Cause: err}
	}
	return committed, nil
}

func (g *gateway) DiscardTask(ctx context.Context, fingerprint string) error {
	if _, err := g.pool.Exec(ctx,
		`DELETE FROM task_records WHERE fingerprint = $1`, fingerprint,
	); err != nil {
		return &domain.StorageUnavailableError{Op: "discard task", Cause: err}
	}
	return nil
}

func (g *gateway) ReapStaleLeases(ctx context.Context, now time.Time) (int, error) {
	ct, err := g.pool.Exec(ctx, `
		UPDATE task_records
		SET status = $1, backend = NULL, handle = NULL,
		    last_error = 'lease expired, worker presumed lost', updated_at = $2, lease_expires_at = NULL
		WHERE status = $3 AND lease_expires_at IS NOT NULL AND lease_expires_at < $2
	`, string(domain.StatusQueued), now.UTC(), string(domain.StatusSubmitted))
	if err != nil {
		return 0, &domain.StorageUnavailableError{Op: "reap stale leases", Cause: err}
	}
	return int(ct.RowsAffected()), nil
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}, fingerprint string) (*domain.TaskRecord, error) {
	var (
		task                              domain.TaskRecord
		statusStr                         string
		backendCol, handleCol, lastErrCol *string
	)
	err := row.Scan(
		&task.Fingerprint, &task.Spec, &task.Tag, &statusStr,
		&backendCol, &handleCol, &task.Attempts, &task.MaxAttempts,
		&task.Precision, &task.Force, &lastErrCol,
		&task.CreatedAt, &task.UpdatedAt, &task.SubmittedAt, &task.LeaseExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{Fingerprint: fingerprint}
		}
		return nil, &domain.StorageUnavailableError{Op: "scan task", Cause: err}
	}
	task.Status = domain.Status(statusStr)
	if backendCol != nil {
		task.Backend = *backendCol
	}
	if handleCol != nil {
		task.Handle = *handleCol
	}
	if lastErrCol != nil {
		task.LastError = *lastErrCol
	}
	return &task, nil
}
