package fingerprint_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qcflow/qcflow/internal/domain"
	"github.com/qcflow/qcflow/internal/fingerprint"
)

func waterSpec() domain.Specification {
	return domain.Specification{
		Program: "psi4",
		Driver:  domain.DriverEnergy,
		Method:  "B3LYP",
		Basis:   "def2-SVP",
		Molecule: domain.Molecule{
			Symbols:      []string{"O", "H", "H"},
			Geometry:     []float64{0, 0, 0, 0, 0, 1.811, 0, 1.811, 0},
			Charge:       0,
			Multiplicity: 1,
		},
		Keywords: map[string]any{
			"scf_type":      "df",
			"e_convergence": 1e-8,
		},
	}
}

func TestFingerprint_Deterministic(t *testing.T) {
	c := fingerprint.New(0)
	s1 := waterSpec()
	s2 := waterSpec()

	f1, blob1, err := c.Fingerprint(&s1)
	require.NoError(t, err)
	f2, blob2, err := c.Fingerprint(&s2)
	require.NoError(t, err)

	assert.Equal(t, f1, f2)
	assert.Equal(t, blob1, blob2)
	assert.Len(t, f1, 64, "hex sha256")
}

func TestFingerprint_CaseInsensitiveMethodBasisProgram(t *testing.T) {
	c := fingerprint.New(0)
	s1 := waterSpec()
	s2 := waterSpec()
	s2.Method = "b3lyp"
	s2.Basis = "DEF2-svp"
	s2.Program = "PSI4"

	f1, _, err := c.Fingerprint(&s1)
	require.NoError(t, err)
	f2, _, err := c.Fingerprint(&s2)
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
}

func TestFingerprint_KeywordOrderIrrelevant(t *testing.T) {
	c := fingerprint.New(0)
	s1 := waterSpec()
	s1.Keywords = map[string]any{"A": 1.0, "b": "x", "C": []any{1.0, 2.0}}
	s2 := waterSpec()
	s2.Keywords = map[string]any{"c": []any{1.0, 2.0}, "B": "x", "a": 1.0}

	f1, _, err := c.Fingerprint(&s1)
	require.NoError(t, err)
	f2, _, err := c.Fingerprint(&s2)
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
}

func TestFingerprint_GeometryNoiseAbsorbed(t *testing.T) {
	c := fingerprint.New(8)
	s1 := waterSpec()
	s2 := waterSpec()
	// Noise below the configured precision must not split the fingerprint.
	s2.Molecule.Geometry[5] += 1e-11

	f1, _, err := c.Fingerprint(&s1)
	require.NoError(t, err)
	f2, _, err := c.Fingerprint(&s2)
	require.NoError(t, err)
	assert.Equal(t, f1, f2)

	// A real geometric difference must split it.
	s3 := waterSpec()
	s3.Molecule.Geometry[5] += 0.01
	f3, _, err := c.Fingerprint(&s3)
	require.NoError(t, err)
	assert.NotEqual(t, f1, f3)
}

func TestFingerprint_PrecisionIsConfigurable(t *testing.T) {
	coarse := fingerprint.New(2)
	fine := fingerprint.New(10)

	s1 := waterSpec()
	s2 := waterSpec()
	s2.Molecule.Geometry[5] += 1e-4

	c1, _, err := coarse.Fingerprint(&s1)
	require.NoError(t, err)
	c2, _, err := coarse.Fingerprint(&s2)
	require.NoError(t, err)
	assert.Equal(t, c1, c2, "1e-4 is noise at 2 digits")

	f1, _, err := fine.Fingerprint(&s1)
	require.NoError(t, err)
	f2, _, err := fine.Fingerprint(&s2)
	require.NoError(t, err)
	assert.NotEqual(t, f1, f2, "1e-4 is signal at 10 digits")
}

func TestFingerprint_TagExcluded(t *testing.T) {
	c := fingerprint.New(0)
	s1 := waterSpec()
	s2 := waterSpec()
	s2.Tag = "gpu-nodes"

	f1, _, err := c.Fingerprint(&s1)
	require.NoError(t, err)
	f2, _, err := c.Fingerprint(&s2)
	require.NoError(t, err)
	assert.Equal(t, f1, f2, "routing tag is not part of computational identity")
}

func TestFingerprint_NegativeZeroCollapsed(t *testing.T) {
	c := fingerprint.New(8)
	s1 := waterSpec()
	s2 := waterSpec()
	s2.Molecule.Geometry[0] = negZero()

	f1, _, err := c.Fingerprint(&s1)
	require.NoError(t, err)
	f2, _, err := c.Fingerprint(&s2)
	require.NoError(t, err)
	assert.Equal(t, f1, f2)
}

func negZero() float64 {
	z := 0.0
	return -z
}

func TestFingerprint_DuplicateKeywordAfterNormalization(t *testing.T) {
	c := fingerprint.New(0)
	s := waterSpec()
	s.Keywords = map[string]any{"SCF_TYPE": "df", "scf_type": "pk"}

	_, _, err := c.Fingerprint(&s)
	require.Error(t, err)
	var rejected *domain.RejectedSpecError
	assert.ErrorAs(t, err, &rejected)
}

func TestFingerprint_NonFiniteGeometryRejected(t *testing.T) {
	c := fingerprint.New(0)
	for name, bad := range map[string]float64{
		"NaN":  math.NaN(),
		"+Inf": math.Inf(1),
		"-Inf": math.Inf(-1),
	} {
		t.Run(name, func(t *testing.T) {
			s := waterSpec()
			s.Molecule.Geometry[4] = bad

			_, _, err := c.Fingerprint(&s)
			var rejected *domain.RejectedSpecError
			require.ErrorAs(t, err, &rejected)
		})
	}
}

func TestFingerprint_NonFiniteKeywordRejected(t *testing.T) {
	c := fingerprint.New(0)
	s := waterSpec()
	s.Keywords = map[string]any{"damping": math.Inf(1)}

	_, _, err := c.Fingerprint(&s)
	var rejected *domain.RejectedSpecError
	require.ErrorAs(t, err, &rejected)

	s.Keywords = map[string]any{"levels": []any{1.0, math.NaN()}}
	_, _, err = c.Fingerprint(&s)
	require.ErrorAs(t, err, &rejected)
}

func TestFingerprint_InvalidSpecRejected(t *testing.T) {
	c := fingerprint.New(0)
	s := waterSpec()
	s.Method = ""

	_, _, err := c.Fingerprint(&s)
	var rejected *domain.RejectedSpecError
	require.ErrorAs(t, err, &rejected)
}

func TestCanonicalize_StableForm(t *testing.T) {
	c := fingerprint.New(3)
	s := domain.Specification{
		Program: "RDKit",
		Driver:  domain.DriverEnergy,
		Method:  "UFF",
		Molecule: domain.Molecule{
			Symbols:      []string{"h", "h"},
			Geometry:     []float64{0, 0, 0, 0, 0, 1.40005},
			Multiplicity: 1,
		},
	}
	blob, err := c.Canonicalize(&s)
	require.NoError(t, err)
	assert.Equal(t,
		`{"basis":"","driver":"energy","keywords":{},"method":"uff",`+
			`"molecule":{"charge":0,"geometry":[0.000,0.000,0.000,0.000,0.000,1.400],`+
			`"multiplicity":1,"symbols":["H","H"]},"program":"rdkit"}`,
		string(blob),
	)
}
