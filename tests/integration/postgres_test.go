//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcflow/qcflow/internal/domain"
	"github.com/qcflow/qcflow/internal/postgres"
)

// newGateway creates a storage gateway connected to the test Postgres
// container and truncates the tables on cleanup.
func newGateway(t *testing.T) postgres.Gateway {
	t.Helper()
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		pool.Exec(ctx, "TRUNCATE task_records, result_records CASCADE") //nolint:errcheck
		pool.Close()
	})
	return postgres.NewGateway(pool)
}

func makeTask(fp string) *domain.TaskRecord {
	return &domain.TaskRecord{
		Fingerprint: fp,
		Spec:        json.RawMessage(fmt.Sprintf(`{"method":"lj","fp":%q}`, fp)),
		Status:      domain.StatusQueued,
		MaxAttempts: 3,
		Precision:   8,
	}
}

func makeResult(fp string) *domain.ResultRecord {
	return &domain.ResultRecord{
		Fingerprint:    fp,
		Payload:        json.RawMessage(`{"energy":-1.0}`),
		Success:        true,
		WallTimeMS:     12,
		Program:        "model",
		ProgramVersion: "1.0",
	}
}

func TestPostgres_Admit_GetTask(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	fp := uuid.New().String()
	adm, err := gw.AdmitTask(ctx, makeTask(fp))
	require.NoError(t, err)
	assert.Equal(t, postgres.AdmissionAccepted, adm)

	got, err := gw.GetTask(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, fp, got.Fingerprint)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
	assert.Equal(t, 8, got.Precision)
}

func TestPostgres_GetTask_NotFound(t *testing.T) {
	gw := newGateway(t)

	_, err := gw.GetTask(context.Background(), uuid.New().String())
	require.Error(t, err)

	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestPostgres_Admit_SecondSubmitterSeesInFlight(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	fp := uuid.New().String()
	adm, err := gw.AdmitTask(ctx, makeTask(fp))
	require.NoError(t, err)
	require.Equal(t, postgres.AdmissionAccepted, adm)

	adm, err = gw.AdmitTask(ctx, makeTask(fp))
	require.NoError(t, err)
	assert.Equal(t, postgres.AdmissionInFlight, adm)
}

func TestPostgres_Admit_SpecConflictDetected(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	fp := uuid.New().String()
	_, err := gw.AdmitTask(ctx, makeTask(fp))
	require.NoError(t, err)

	other := makeTask(fp)
	other.Spec = json.RawMessage(`{"method":"hf"}`)
	_, err = gw.AdmitTask(ctx, other)
	require.Error(t, err)

	var conflict *domain.SpecConflictError
	require.ErrorAs(t, err, &conflict)
}

func TestPostgres_CommitSuccess_RemovesTaskAndAnswersComplete(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	fp := uuid.New().String()
	_, err := gw.AdmitTask(ctx, makeTask(fp))
	require.NoError(t, err)

	committed, err := gw.CommitSuccess(ctx, makeResult(fp))
	require.NoError(t, err)
	assert.True(t, committed)

	_, err = gw.GetTask(ctx, fp)
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound, "task row must vanish with the commit")

	result, err := gw.GetResult(ctx, fp)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "model", result.Program)

	adm, err := gw.AdmitTask(ctx, makeTask(fp))
	require.NoError(t, err)
	assert.Equal(t, postgres.AdmissionComplete, adm)
}

func TestPostgres_CommitSuccess_FirstCommitterWins(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	fp := uuid.New().String()
	_, err := gw.AdmitTask(ctx, makeTask(fp))
	require.NoError(t, err)

	committed, err := gw.CommitSuccess(ctx, makeResult(fp))
	require.NoError(t, err)
	require.True(t, committed)

	loser := makeResult(fp)
	loser.Payload = json.RawMessage(`{"energy":-2.0}`)
	committed, err = gw.CommitSuccess(ctx, loser)
	require.NoError(t, err)
	assert.False(t, committed, "second committer must lose")

	result, err := gw.GetResult(ctx, fp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"energy":-1.0}`, string(result.Payload))
}

func TestPostgres_ForceAdmitsPastCompletedResult(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	fp := uuid.New().String()
	_, err := gw.AdmitTask(ctx, makeTask(fp))
	require.NoError(t, err)
	_, err = gw.CommitSuccess(ctx, makeResult(fp))
	require.NoError(t, err)

	forced := makeTask(fp)
	forced.Force = true
	adm, err := gw.AdmitTask(ctx, forced)
	require.NoError(t, err)
	assert.Equal(t, postgres.AdmissionAccepted, adm)
}

func TestPostgres_Admit_ConcurrentSubmittersSingleWinner(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	fp := uuid.New().String()
	const submitters = 16
	admissions := make(chan postgres.Admission, submitters)
	errs := make(chan error, submitters)

	var wg sync.WaitGroup
	for range submitters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			adm, err := gw.AdmitTask(ctx, makeTask(fp))
			if err != nil {
				errs <- err
				return
			}
			admissions <- adm
		}()
	}
	wg.Wait()
	close(admissions)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	accepted, inFlight := 0, 0
	for adm := range admissions {
		switch adm {
		case postgres.AdmissionAccepted:
			accepted++
		case postgres.AdmissionInFlight:
			inFlight++
		}
	}
	assert.Equal(t, 1, accepted, "exactly one submitter wins the conditional insert")
	assert.Equal(t, submitters-1, inFlight)

	got, err := gw.GetTask(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
}

func TestPostgres_ForcedRecompute_ReplacesResult(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	fp := uuid.New().String()
	_, err := gw.AdmitTask(ctx, makeTask(fp))
	require.NoError(t, err)
	_, err = gw.CommitSuccess(ctx, makeResult(fp))
	require.NoError(t, err)

	forced := makeTask(fp)
	forced.Force = true
	adm, err := gw.AdmitTask(ctx, forced)
	require.NoError(t, err)
	require.Equal(t, postgres.AdmissionAccepted, adm)

	rerun := makeResult(fp)
	rerun.Payload = json.RawMessage(`{"energy":-3.5}`)
	rerun.ProgramVersion = "2.0"
	committed, err := gw.CommitSuccess(ctx, rerun)
	require.NoError(t, err)
	assert.True(t, committed, "forced rerun replaces the stored result")

	result, err := gw.GetResult(ctx, fp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"energy":-3.5}`, string(result.Payload))
	assert.Equal(t, "2.0", result.ProgramVersion)
}

func TestPostgres_ClaimTask_ReapStaleLeases(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	fp := uuid.New().String()
	_, err := gw.AdmitTask(ctx, makeTask(fp))
	require.NoError(t, err)

	expired := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, gw.ClaimTask(ctx, fp, "stream", 1, expired))
	require.NoError(t, gw.RecordHandle(ctx, fp, "handle-1"))

	// The row is claimed; a second coordinator must not win it.
	err = gw.ClaimTask(ctx, fp, "stream", 1, expired)
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound, "claimed rows are not claimable again")

	got, err := gw.GetTask(ctx, fp)
	require.NoError(t, err)
	require.Equal(t, domain.StatusSubmitted, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "handle-1", got.Handle)

	n, err := gw.ReapStaleLeases(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err = gw.GetTask(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status, "expired lease returns the task to the queue")
}

func TestPostgres_MarkCancelled_ResurrectedByAdmission(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	fp := uuid.New().String()
	_, err := gw.AdmitTask(ctx, makeTask(fp))
	require.NoError(t, err)
	require.NoError(t, gw.MarkCancelled(ctx, fp))

	got, err := gw.GetTask(ctx, fp)
	require.NoError(t, err)
	require.Equal(t, domain.StatusCancelled, got.Status, "cancelled rows stay queryable")

	adm, err := gw.AdmitTask(ctx, makeTask(fp))
	require.NoError(t, err)
	assert.Equal(t, postgres.AdmissionAccepted, adm, "resubmission resurrects a cancelled task")

	got, err = gw.GetTask(ctx, fp)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, 0, got.Attempts)
}

func TestPostgres_ListActiveTasks(t *testing.T) {
	gw := newGateway(t)
	ctx := context.Background()

	var fps []string
	for range 3 {
		fp := uuid.New().String()
		fps = append(fps, fp)
		_, err := gw.AdmitTask(ctx, makeTask(fp))
		require.NoError(t, err)
	}
	// One of them completes and must drop out of the active view.
	_, err := gw.CommitSuccess(ctx, makeResult(fps[0]))
	require.NoError(t, err)

	active, err := gw.ListActiveTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}
