// Package fingerprint derives stable content hashes for computation
// specifications. The hash covers {program, driver, method, basis, molecule,
// keywords}; two specifications that canonicalize identically are the same
// computation for deduplication purposes.
package fingerprint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/qcflow/qcflow/internal/domain"
)

// DefaultPrecision is the geometry rounding applied before hashing, in
// decimal digits. Coarse enough to absorb floating-point noise between
// independent submitters, fine enough not to merge distinct conformers.
const DefaultPrecision = 8

// Canonicalizer produces a deterministic serialization of a Specification.
// Precision controls decimal rounding of all floating-point inputs and is a
// deployment-level configuration choice: it directly trades dedup recall
// against false-merge risk.
type Canonicalizer struct {
	precision int
}

// New returns a Canonicalizer rounding floats to the given number of decimal
// digits. Non-positive precision falls back to DefaultPrecision.
func New(precision int) *Canonicalizer {
	if precision <= 0 {
		precision = DefaultPrecision
	}
	return &Canonicalizer{precision: precision}
}

// Precision reports the configured rounding.
func (c *Canonicalizer) Precision() int { return c.precision }

// Fingerprint returns the hex SHA-256 of the canonical form, plus the
// canonical bytes themselves. The canonical blob is persisted with the task
// so fingerprint collisions between non-equivalent inputs are detectable.
func (c *Canonicalizer) Fingerprint(spec *domain.Specification) (string, []byte, error) {
	blob, err := c.Canonicalize(spec)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(blob)
	return hex.EncodeToString(sum[:]), blob, nil
}

// Canonicalize serializes spec into a byte-stable JSON form: object keys in
// lexical order, method/basis/program lowercased, keyword keys lowercased,
// every float rounded to the configured precision. The routing tag is
// excluded: where a computation runs is not part of what it computes.
func (c *Canonicalizer) Canonicalize(spec *domain.Specification) ([]byte, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteByte('{')

	c.writeField(&buf, "basis", strings.ToLower(strings.TrimSpace(spec.Basis)))
	buf.WriteByte(',')
	c.writeField(&buf, "driver", string(spec.Driver))
	buf.WriteByte(',')

	buf.WriteString(`"keywords":`)
	if err := c.writeKeywords(&buf, spec.Keywords); err != nil {
		return nil, err
	}
	buf.WriteByte(',')

	c.writeField(&buf, "method", strings.ToLower(strings.TrimSpace(spec.Method)))
	buf.WriteByte(',')

	buf.WriteString(`"molecule":{"charge":`)
	buf.WriteString(strconv.Itoa(spec.Molecule.Charge))
	buf.WriteString(`,"geometry":[`)
	for i, g := range spec.Molecule.Geometry {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(c.formatFloat(g))
	}
	buf.WriteString(`],"multiplicity":`)
	buf.WriteString(strconv.Itoa(spec.Molecule.Multiplicity))
	buf.WriteString(`,"symbols":[`)
	for i, s := range spec.Molecule.Symbols {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(&buf, canonicalSymbol(s))
	}
	buf.WriteString(`]},`)

	c.writeField(&buf, "program", strings.ToLower(strings.TrimSpace(spec.Program)))
	buf.WriteByte('}')

	return buf.Bytes(), nil
}

func (c *Canonicalizer) writeField(buf *bytes.Buffer, key, val string) {
	writeJSONString(buf, key)
	buf.WriteByte(':')
	writeJSONString(buf, val)
}

// writeKeywords writes the keyword set with lowercased keys in lexical order.
// Values are normalized recursively; numbers are rounded like geometry.
func (c *Canonicalizer) writeKeywords(buf *bytes.Buffer, kw map[string]any) error {
	buf.WriteByte('{')
	keys := make([]string, 0, len(kw))
	seen := make(map[string]struct{}, len(kw))
	for k := range kw {
		lk := strings.ToLower(strings.TrimSpace(k))
		if _, dup := seen[lk]; dup {
			return &domain.RejectedSpecError{Reason: fmt.Sprintf("duplicate keyword %q after normalization", lk)}
		}
		seen[lk] = struct{}{}
		keys = append(keys, lk)
	}
	sort.Strings(keys)
	lowered := make(map[string]any, len(kw))
	for k, v := range kw {
		lowered[strings.ToLower(strings.TrimSpace(k))] = v
	}
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		writeJSONString(buf, k)
		buf.WriteByte(':')
		if err := c.writeValue(buf, lowered[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

func (c *Canonicalizer) writeValue(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		buf.WriteString(strconv.FormatBool(val))
	case string:
		writeJSONString(buf, val)
	case int:
		buf.WriteString(strconv.Itoa(val))
	case int64:
		buf.WriteString(strconv.FormatInt(val, 10))
	case float64:
		return c.writeFloat(buf, val)
	case float32:
		return c.writeFloat(buf, float64(val))
	case []any:
		buf.WriteByte('[')
		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := c.writeValue(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case map[string]any:
		return c.writeKeywords(buf, val)
	default:
		return &domain.RejectedSpecError{Reason: fmt.Sprintf("unsupported keyword value type %T", v)}
	}
	return nil
}

// writeFloat rejects non-finite keyword values, which have no JSON form.
func (c *Canonicalizer) writeFloat(buf *bytes.Buffer, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return &domain.RejectedSpecError{Reason: "keyword value is not finite"}
	}
	buf.WriteString(c.formatFloat(f))
	return nil
}

// formatFloat renders a float rounded to the configured precision with a
// fixed number of decimals, so 1.8 and 1.80000000001 serialize identically.
func (c *Canonicalizer) formatFloat(f float64) string {
	scale := math.Pow10(c.precision)
	rounded := math.Round(f*scale) / scale
	if rounded == 0 {
		rounded = 0 // collapse -0
	}
	return strconv.FormatFloat(rounded, 'f', c.precision, 64)
}

// canonicalSymbol title-cases an element symbol ("h" and "H" are the same atom).
func canonicalSymbol(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
}

func writeJSONString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\n':
			buf.WriteString(`\n`)
		case '\t':
			buf.WriteString(`\t`)
		case '\r':
			buf.WriteString(`\r`)
		default:
			if r < 0x20 {
				buf.WriteString(fmt.Sprintf(`\u%04x`, r))
			} else {
				buf.WriteRune(r)
			}
		}
	}
	buf.WriteByte('"')
}
