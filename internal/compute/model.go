package compute

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/qcflow/qcflow/internal/domain"
)

const modelVersion = "1.2.0"

// Lennard-Jones parameters for the model force field, in atomic units.
const (
	ljEpsilon = 1.0e-3
	ljSigma   = 3.0
)

// ModelEngine is a self-contained classical force-field engine used as the
// reference Engine implementation and in development deployments where no
// real quantum-chemistry package is installed. Deterministic by construction:
// the same specification always yields the same payload.
type ModelEngine struct{}

// NewModelEngine returns the built-in "model" engine.
func NewModelEngine() *ModelEngine { return &ModelEngine{} }

func (e *ModelEngine) Program() string { return "model" }

// modelResult is the payload shape the model engine emits.
type modelResult struct {
	Driver       string          `json:"driver"`
	Method       string          `json:"method"`
	ReturnResult any             `json:"return_result"`
	Properties   modelProperties `json:"properties"`
}

type modelProperties struct {
	NAtoms        int     `json:"natoms"`
	PairEnergy    float64 `json:"pair_energy"`
	MinPairLength float64 `json:"min_pair_length"`
}

func (e *ModelEngine) Execute(ctx context.Context, spec *domain.Specification) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	method := strings.ToLower(spec.Method)
	if method != "lj" && method != "uff" {
		return nil, &domain.ComputationFailedError{
			Reason: fmt.Sprintf("method %q not implemented by the model engine", spec.Method),
		}
	}

	mol := spec.Molecule
	n := len(mol.Symbols)
	minR := math.Inf(1)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			r := pairDistance(mol.Geometry, i, j)
			if r <= 0 {
				return nil, &domain.ComputationFailedError{
					Reason: fmt.Sprintf("atoms %d and %d are coincident", i, j),
				}
			}
			if r < minR {
				minR = r
			}
		}
	}
	if n < 2 {
		minR = 0
	}

	energy := ljEnergy(mol.Geometry, n)

	var ret any
	switch spec.Driver {
	case domain.DriverEnergy:
		ret = energy
	case domain.DriverGradient:
		ret = ljGradient(mol.Geometry, n)
	case domain.DriverProperties:
		ret = map[string]any{"lj_energy": energy, "natoms": n}
	default:
		return nil, &domain.ComputationFailedError{
			Reason: fmt.Sprintf("driver %q not implemented by the model engine", spec.Driver),
		}
	}

	payload, err := json.Marshal(modelResult{
		Driver:       string(spec.Driver),
		Method:       method,
		ReturnResult: ret,
		Properties: modelProperties{
			NAtoms:        n,
			PairEnergy:    energy,
			MinPairLength: minR,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal model result: %w", err)
	}

	return &Output{
		Payload:        payload,
		Program:        e.Program(),
		ProgramVersion: modelVersion,
	}, nil
}

func pairDistance(geom []float64, i, j int) float64 {
	dx := geom[3*i] - geom[3*j]
	dy := geom[3*i+1] - geom[3*j+1]
	dz := geom[3*i+2] - geom[3*j+2]
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

func ljEnergy(geom []float64, n int) float64 {
	var e float64
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			r := pairDistance(geom, i, j)
			sr6 := math.Pow(ljSigma/r, 6)
			e += 4 * ljEpsilon * (sr6*sr6 - sr6)
		}
	}
	return e
}

func ljGradient(geom []float64, n int) []float64 {
	grad := make([]float64, 3*n)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			r := pairDistance(geom, i, j)
			sr6 := math.Pow(ljSigma/r, 6)
			// dE/dr for the 12-6 potential.
			dEdr := 4 * ljEpsilon * (-12*sr6*sr6 + 6*sr6) / r
			for k := 0; k < 3; k++ {
				d := (geom[3*i+k] - geom[3*j+k]) / r
				grad[3*i+k] += dEdr * d
				grad[3*j+k] -= dEdr * d
			}
		}
	}
	return grad
}
