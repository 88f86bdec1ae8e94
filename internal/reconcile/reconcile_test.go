package reconcile

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcflow/qcflow/internal/domain"
	"github.com/qcflow/qcflow/internal/postgres"
	"github.com/qcflow/qcflow/pkg/retrypolicy"
)

// ── fakes ──────────────────────────────────────────────────────────────────────

type requeueCall struct {
	fingerprint string
	attempts    int
	lastError   string
}

type fakeGateway struct {
	results   map[string]*domain.ResultRecord
	requeues  []requeueCall
	discarded []string
	commitErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{results: make(map[string]*domain.ResultRecord)}
}

func (g *fakeGateway) AdmitTask(context.Context, *domain.TaskRecord) (postgres.Admission, error) {
	return postgres.AdmissionAccepted, nil
}

func (g *fakeGateway) GetTask(_ context.Context, fp string) (*domain.TaskRecord, error) {
	return nil, &domain.TaskNotFoundError{Fingerprint: fp}
}

func (g *fakeGateway) GetResult(_ context.Context, fp string) (*domain.ResultRecord, error) {
	r, ok := g.results[fp]
	if !ok {
		return nil, &domain.TaskNotFoundError{Fingerprint: fp}
	}
	return r, nil
}

func (g *fakeGateway) ListActiveTasks(context.Context) ([]*domain.TaskRecord, error) {
	return nil, nil
}

func (g *fakeGateway) ClaimTask(context.Context, string, string, int, time.Time) error {
	return nil
}

func (g *fakeGateway) RecordHandle(context.Context, string, string) error { return nil }

func (g *fakeGateway) RequeueTask(_ context.Context, fp string, attempts int, lastError string) error {
	g.requeues = append(g.requeues, requeueCall{fp, attempts, lastError})
	return nil
}

func (g *fakeGateway) MarkCancelled(context.Context, string) error { return nil }

func (g *fakeGateway) CommitSuccess(_ context.Context, r *domain.ResultRecord) (bool, error) {
	return g.commit(r)
}

func (g *fakeGateway) CommitFailure(_ context.Context, r *domain.ResultRecord) (bool, error) {
	return g.commit(r)
}

func (g *fakeGateway) commit(r *domain.ResultRecord) (bool, error) {
	if g.commitErr != nil {
		return false, g.commitErr
	}
	if _, exists := g.results[r.Fingerprint]; exists {
		return false, nil
	}
	g.results[r.Fingerprint] = r
	return true, nil
}

func (g *fakeGateway) DiscardTask(_ context.Context, fp string) error {
	g.discarded = append(g.discarded, fp)
	return nil
}

func (g *fakeGateway) ReapStaleLeases(context.Context, time.Time) (int, error) { return 0, nil }

// ── helpers ────────────────────────────────────────────────────────────────────

func newTestReconciler(g *fakeGateway, keepLate bool) *Reconciler {
	policy := retrypolicy.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	return New(g, nil, policy, keepLate, slog.Default())
}

func testTask(attempts int) *domain.TaskRecord {
	return &domain.TaskRecord{
		Fingerprint: "fp-1",
		Status:      domain.StatusSubmitted,
		Backend:     "local",
		Handle:      "local-abc",
		Attempts:    attempts,
		MaxAttempts: 3,
	}
}

func successOutcome() *domain.Outcome {
	return &domain.Outcome{
		Fingerprint:    "fp-1",
		Success:        true,
		Payload:        []byte(`{"return_result":-1.5}`),
		WallTimeMS:     42,
		Program:        "model",
		ProgramVersion: "1.2.0",
	}
}

func failureOutcome(retryable bool) *domain.Outcome {
	return &domain.Outcome{
		Fingerprint: "fp-1",
		Success:     false,
		Retryable:   retryable,
		Error:       "scf did not converge",
		Program:     "model",
	}
}

// ── tests ──────────────────────────────────────────────────────────────────────

func TestReconcile_Success_Commits(t *testing.T) {
	g := newFakeGateway()
	r := newTestReconciler(g, true)

	res, err := r.Reconcile(context.Background(), testTask(1), successOutcome())
	require.NoError(t, err)
	assert.Equal(t, VerdictCommitted, res.Verdict)

	stored := g.results["fp-1"]
	require.NotNil(t, stored)
	assert.True(t, stored.Success)
	assert.Equal(t, "model", stored.Program)
	assert.Equal(t, "1.2.0", stored.ProgramVersion)
	assert.False(t, stored.CancelledRace)
}

func TestReconcile_DuplicateOutcome_Dropped(t *testing.T) {
	g := newFakeGateway()
	r := newTestReconciler(g, true)

	_, err := r.Reconcile(context.Background(), testTask(1), successOutcome())
	require.NoError(t, err)

	// Same outcome replayed, e.g. a Kafka redelivery.
	res, err := r.Reconcile(context.Background(), testTask(1), successOutcome())
	require.NoError(t, err)
	assert.Equal(t, VerdictDuplicate, res.Verdict)
	assert.Len(t, g.results, 1)
}

func TestReconcile_RetryableFailure_Requeues(t *testing.T) {
	g := newFakeGateway()
	r := newTestReconciler(g, true)

	res, err := r.Reconcile(context.Background(), testTask(1), failureOutcome(true))
	require.NoError(t, err)
	assert.Equal(t, VerdictRequeued, res.Verdict)
	assert.Greater(t, res.Delay, time.Duration(0))

	require.Len(t, g.requeues, 1)
	assert.Equal(t, "fp-1", g.requeues[0].fingerprint)
	assert.Equal(t, "scf did not converge", g.requeues[0].lastError)
	assert.Empty(t, g.results)
}

func TestReconcile_RetryBudgetExhausted_TerminalFailure(t *testing.T) {
	g := newFakeGateway()
	r := newTestReconciler(g, true)

	res, err := r.Reconcile(context.Background(), testTask(3), failureOutcome(true))
	require.NoError(t, err)
	assert.Equal(t, VerdictCommitted, res.Verdict)

	stored := g.results["fp-1"]
	require.NotNil(t, stored)
	assert.False(t, stored.Success)
	assert.Equal(t, "scf did not converge", stored.Error)
	assert.Empty(t, g.requeues)
}

func TestReconcile_PerTaskBudget_OverridesDefault(t *testing.T) {
	g := newFakeGateway()
	r := newTestReconciler(g, true)

	// Three attempts would exhaust the deployment default, but the task was
	// submitted with a wider budget of its own.
	task := testTask(3)
	task.MaxAttempts = 5
	res, err := r.Reconcile(context.Background(), task, failureOutcome(true))
	require.NoError(t, err)
	assert.Equal(t, VerdictRequeued, res.Verdict)
	require.Len(t, g.requeues, 1)

	// A tighter budget goes terminal before the default would.
	g2 := newFakeGateway()
	r2 := newTestReconciler(g2, true)
	tight := testTask(1)
	tight.MaxAttempts = 1
	res, err = r2.Reconcile(context.Background(), tight, failureOutcome(true))
	require.NoError(t, err)
	assert.Equal(t, VerdictCommitted, res.Verdict)
	assert.Empty(t, g2.requeues)
	require.NotNil(t, g2.results["fp-1"])
	assert.False(t, g2.results["fp-1"].Success)
}

func TestReconcile_DeterministicFailure_NeverRetried(t *testing.T) {
	g := newFakeGateway()
	r := newTestReconciler(g, true)

	// First attempt, budget wide open, but the failure is deterministic.
	res, err := r.Reconcile(context.Background(), testTask(1), failureOutcome(false))
	require.NoError(t, err)
	assert.Equal(t, VerdictCommitted, res.Verdict)
	assert.Empty(t, g.requeues)

	stored := g.results["fp-1"]
	require.NotNil(t, stored)
	assert.False(t, stored.Success)
}

func TestReconcileLate_KeepPolicy_RecordsWithRaceFlag(t *testing.T) {
	g := newFakeGateway()
	r := newTestReconciler(g, true)

	task := testTask(1)
	task.Status = domain.StatusCancelled
	res, err := r.ReconcileLate(context.Background(), task, successOutcome())
	require.NoError(t, err)
	assert.Equal(t, VerdictCommitted, res.Verdict)

	stored := g.results["fp-1"]
	require.NotNil(t, stored)
	assert.True(t, stored.Success)
	assert.True(t, stored.CancelledRace)
}

func TestReconcileLate_DiscardPolicy_DropsResult(t *testing.T) {
	g := newFakeGateway()
	r := newTestReconciler(g, false)

	task := testTask(1)
	task.Status = domain.StatusCancelled
	res, err := r.ReconcileLate(context.Background(), task, successOutcome())
	require.NoError(t, err)
	assert.Equal(t, VerdictDiscarded, res.Verdict)
	assert.Empty(t, g.results)
	assert.Equal(t, []string{"fp-1"}, g.discarded)
}

func TestReconcileLate_FailureAfterCancel_AlwaysDiscarded(t *testing.T) {
	g := newFakeGateway()
	r := newTestReconciler(g, true)

	task := testTask(1)
	task.Status = domain.StatusCancelled
	res, err := r.ReconcileLate(context.Background(), task, failureOutcome(true))
	require.NoError(t, err)
	assert.Equal(t, VerdictDiscarded, res.Verdict)
	assert.Empty(t, g.results)
}

func TestReconcile_StorageError_Propagates(t *testing.T) {
	g := newFakeGateway()
	g.commitErr = &domain.StorageUnavailableError{Op: "commit success"}
	r := newTestReconciler(g, true)

	_, err := r.Reconcile(context.Background(), testTask(1), successOutcome())
	require.Error(t, err)
}
