package queue

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcflow/qcflow/internal/domain"
	"github.com/qcflow/qcflow/internal/fingerprint"
	"github.com/qcflow/qcflow/internal/postgres"
)

func validSpec() *domain.Specification {
	return &domain.Specification{
		Program: "model",
		Driver:  domain.DriverEnergy,
		Method:  "lj",
		Molecule: domain.Molecule{
			Symbols:      []string{"Ar", "Ar"},
			Geometry:     []float64{0, 0, 0, 0, 0, 7.1},
			Multiplicity: 1,
		},
	}
}

func newTestAdmitter(g *fakeGateway) *Admitter {
	return NewAdmitter(fingerprint.New(0), g, 3, slog.Default())
}

func TestAdmitBatch_NewSpecQueued(t *testing.T) {
	g := newFakeGateway()
	a := newTestAdmitter(g)

	statuses, accepted := a.AdmitBatch(context.Background(), []*domain.Specification{validSpec()}, SubmitOptions{})

	require.Len(t, statuses, 1)
	assert.Equal(t, domain.DispositionQueued, statuses[0].Disposition)
	assert.NotEmpty(t, statuses[0].Fingerprint)

	require.Len(t, accepted, 1)
	assert.Equal(t, statuses[0].Fingerprint, accepted[0].Fingerprint)
	assert.Equal(t, 3, accepted[0].MaxAttempts)
	assert.Equal(t, fingerprint.DefaultPrecision, accepted[0].Precision)
}

func TestAdmitBatch_InvalidSpecRejected_WithoutStorageCall(t *testing.T) {
	g := newFakeGateway()
	a := newTestAdmitter(g)

	bad := validSpec()
	bad.Method = ""
	statuses, accepted := a.AdmitBatch(context.Background(), []*domain.Specification{bad}, SubmitOptions{})

	require.Len(t, statuses, 1)
	assert.Equal(t, domain.DispositionRejected, statuses[0].Disposition)
	assert.Contains(t, statuses[0].Error, "method is required")
	assert.Empty(t, accepted)
	assert.Zero(t, g.admits)
}

func TestAdmitBatch_MixedBatch_IndependentOutcomes(t *testing.T) {
	g := newFakeGateway()
	a := newTestAdmitter(g)

	bad := validSpec()
	bad.Molecule.Geometry = bad.Molecule.Geometry[:3]
	statuses, accepted := a.AdmitBatch(context.Background(),
		[]*domain.Specification{bad, validSpec()}, SubmitOptions{})

	require.Len(t, statuses, 2)
	assert.Equal(t, domain.DispositionRejected, statuses[0].Disposition)
	assert.Equal(t, domain.DispositionQueued, statuses[1].Disposition)
	assert.Len(t, accepted, 1)
}

func TestAdmitBatch_AlreadyInFlight(t *testing.T) {
	g := newFakeGateway()
	g.admission = postgres.AdmissionInFlight
	a := newTestAdmitter(g)

	statuses, accepted := a.AdmitBatch(context.Background(), []*domain.Specification{validSpec()}, SubmitOptions{})

	assert.Equal(t, domain.DispositionAlreadyInFlight, statuses[0].Disposition)
	assert.Empty(t, accepted)
}

func TestAdmitBatch_AlreadyComplete(t *testing.T) {
	g := newFakeGateway()
	g.admission = postgres.AdmissionComplete
	a := newTestAdmitter(g)

	statuses, accepted := a.AdmitBatch(context.Background(), []*domain.Specification{validSpec()}, SubmitOptions{})

	assert.Equal(t, domain.DispositionAlreadyComplete, statuses[0].Disposition)
	assert.Empty(t, accepted)
}

func TestAdmitBatch_FingerprintCollision_Rejected(t *testing.T) {
	g := newFakeGateway()
	g.admitErr = &domain.SpecConflictError{Fingerprint: "fp-x"}
	a := newTestAdmitter(g)

	statuses, accepted := a.AdmitBatch(context.Background(), []*domain.Specification{validSpec()}, SubmitOptions{})

	assert.Equal(t, domain.DispositionRejected, statuses[0].Disposition)
	assert.Contains(t, statuses[0].Error, "collision")
	assert.Empty(t, accepted)
}

func TestAdmitBatch_EquivalentSpecsShareFingerprint(t *testing.T) {
	g := newFakeGateway()
	a := newTestAdmitter(g)

	upper := validSpec()
	upper.Method = "LJ"
	statuses, _ := a.AdmitBatch(context.Background(),
		[]*domain.Specification{validSpec(), upper}, SubmitOptions{})

	require.Len(t, statuses, 2)
	assert.Equal(t, statuses[0].Fingerprint, statuses[1].Fingerprint)
}

func TestAdmitBatch_ForceAndMaxAttemptsPropagate(t *testing.T) {
	g := newFakeGateway()
	a := newTestAdmitter(g)

	_, accepted := a.AdmitBatch(context.Background(),
		[]*domain.Specification{validSpec()}, SubmitOptions{Force: true, MaxAttempts: 7})

	require.Len(t, accepted, 1)
	assert.True(t, accepted[0].Force)
	assert.Equal(t, 7, accepted[0].MaxAttempts)
}
