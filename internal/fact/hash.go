package fact

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// hashSeparator joins canonical components. The ASCII unit separator never
// appears in source data, so "a,b" + "c" and "a" + "b,c" cannot collide.
const hashSeparator = "\x1f"

// nilMarker encodes an absent component so missing differs from empty-string.
const nilMarker = "\x00"

// RowHash computes a deterministic SHA-256 digest over the identifying
// attributes of a fact row.
//
// This creates a stable, always-non-null dedupe key for fact rows, avoiding
// UNIQUE-constraint behavior issues when some natural-key columns can be
// NULL (Postgres treats NULLs as distinct for UNIQUE constraints).
//
// Canonicalization rules:
//   - Components are encoded as "name=value" pairs in the given order and
//     joined with the unit separator (0x1f).
//   - A nil value is encoded as a single NUL byte (0x00).
//   - String values are space-trimmed before hashing.
//   - Output is a lowercase hex string (length 64).
//
// The physical row number is deliberately not a component: re-uploading the
// same data with rows in a different order must produce identical hashes.
func RowHash(components []HashComponent) string {
	h := sha256.New()
	for i, c := range components {
		if i > 0 {
			h.Write([]byte(hashSeparator))
		}
		h.Write([]byte(c.Name))
		h.Write([]byte{'='})
		if c.Value == nil {
			h.Write([]byte(nilMarker))
			continue
		}
		h.Write([]byte(strings.TrimSpace(*c.Value)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashComponent is one named input to RowHash. A nil Value means the
// component is absent for this row.
type HashComponent struct {
	Name  string
	Value *string
}

// strptr is a convenience for building components from present values.
func strptr(s string) *string { return &s }
