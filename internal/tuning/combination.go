package tuning

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/specialistvlad/gridtune/internal/tuneerr"
)

// MaxCombinations caps the size of a generated search space.
const MaxCombinations = 1_000_000

// Combination holds one candidate index per Spec path.
type Combination []int

// Key returns a stable string form, usable as a map key.
func (c Combination) Key() string {
	var b strings.Builder
	b.WriteByte('(')
	for i, idx := range c {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(idx))
	}
	b.WriteByte(')')
	return b.String()
}

// String implements fmt.Stringer.
func (c Combination) String() string { return c.Key() }

// Equal reports whether both combinations pick the same indices.
func (c Combination) Equal(other Combination) bool {
	if len(c) != len(other) {
		return false
	}
	for i := range c {
		if c[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy that shares no memory with c.
func (c Combination) Clone() Combination {
	if c == nil {
		return nil
	}
	out := make(Combination, len(c))
	copy(out, c)
	return out
}

// Size returns the number of combinations in the search space, saturating
// at MaxCombinations+1 so callers can detect overflow without computing it.
func Size(spec Spec) int {
	size := 1
	for _, vals := range spec.Values {
		size *= len(vals)
		if size > MaxCombinations {
			return MaxCombinations + 1
		}
	}
	return size
}

// Generate enumerates every combination in lexicographic order: the first
// path varies slowest and the last path fastest. An empty Spec yields a
// single empty combination.
func Generate(spec Spec) ([]Combination, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	size := Size(spec)
	if size > MaxCombinations {
		return nil, tuneerr.Configf("search space exceeds %d combinations", MaxCombinations)
	}

	n := spec.Len()
	combos := make([]Combination, 0, size)
	cur := make(Combination, n)
	for {
		combos = append(combos, cur.Clone())

		// Advance the odometer from the innermost dimension.
		i := n - 1
		for ; i >= 0; i-- {
			cur[i]++
			if cur[i] < len(spec.Values[i]) {
				break
			}
			cur[i] = 0
		}
		if i < 0 {
			break
		}
	}

	if len(combos) != size {
		panic(fmt.Sprintf("tuning: generated %d combinations, expected %d", len(combos), size))
	}
	return combos, nil
}

// Contains reports whether combo is a valid index tuple for spec.
func Contains(spec Spec, combo Combination) bool {
	if len(combo) != spec.Len() {
		return false
	}
	for i, idx := range combo {
		if idx < 0 || idx >= len(spec.Values[i]) {
			return false
		}
	}
	return true
}
