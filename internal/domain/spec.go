package domain

import (
	"fmt"
	"math"
	"strings"
)

// Driver selects the primary quantity a computation produces.
type Driver string

const (
	DriverEnergy     Driver = "energy"
	DriverGradient   Driver = "gradient"
	DriverHessian    Driver = "hessian"
	DriverProperties Driver = "properties"
)

// Valid reports whether the driver is one of the known values.
func (d Driver) Valid() bool {
	switch d {
	case DriverEnergy, DriverGradient, DriverHessian, DriverProperties:
		return true
	}
	return false
}

// Molecule is the minimal geometric description a compute engine needs.
// Geometry is a flat (x, y, z) triple per atom, in Bohr.
type Molecule struct {
	Symbols      []string  `json:"symbols"`
	Geometry     []float64 `json:"geometry"`
	Charge       int       `json:"charge"`
	Multiplicity int       `json:"multiplicity"`
}

// Specification is a fully-defined request for one computation. It is
// immutable after submission; its identity is the fingerprint computed over
// the canonicalized form.
type Specification struct {
	Program  string         `json:"program"`
	Driver   Driver         `json:"driver"`
	Method   string         `json:"method"`
	Basis    string         `json:"basis,omitempty"`
	Molecule Molecule       `json:"molecule"`
	Keywords map[string]any `json:"keywords,omitempty"`
	// Tag routes the specification to backends serving the same tag.
	// Empty means the default queue.
	Tag string `json:"tag,omitempty"`
}

// Validate checks structural well-formedness. A failure here is a
// RejectedSpecError: the input can never succeed and must not be retried.
func (s *Specification) Validate() error {
	if strings.TrimSpace(s.Program) == "" {
		return &RejectedSpecError{Reason: "program is required"}
	}
	if !s.Driver.Valid() {
		return &RejectedSpecError{Reason: fmt.Sprintf("unknown driver %q", s.Driver)}
	}
	if strings.TrimSpace(s.Method) == "" {
		return &RejectedSpecError{Reason: "method is required"}
	}
	if len(s.Molecule.Symbols) == 0 {
		return &RejectedSpecError{Reason: "molecule has no atoms"}
	}
	if len(s.Molecule.Geometry) != 3*len(s.Molecule.Symbols) {
		return &RejectedSpecError{Reason: fmt.Sprintf(
			"geometry length %d does not match %d atoms",
			len(s.Molecule.Geometry), len(s.Molecule.Symbols),
		)}
	}
	for i, g := range s.Molecule.Geometry {
		if math.IsNaN(g) || math.IsInf(g, 0) {
			return &RejectedSpecError{Reason: fmt.Sprintf("geometry coordinate %d is not finite", i)}
		}
	}
	if s.Molecule.Multiplicity < 1 {
		return &RejectedSpecError{Reason: "multiplicity must be >= 1"}
	}
	return nil
}
