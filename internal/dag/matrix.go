package dag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/copyleftdev/oxide-ci-sub000/internal/core"
)

// Combination is one surviving matrix cell: the values plus the key order
// used for deterministic display names.
type Combination struct {
	Keys   []string
	Values map[string]string
}

// DisplayName renders "stage (k1=v1, k2=v2)" with keys in declaration order.
func (c Combination) DisplayName(stage string) string {
	if len(c.Keys) == 0 {
		return stage
	}
	pairs := make([]string, len(c.Keys))
	for i, k := range c.Keys {
		pairs[i] = fmt.Sprintf("%s=%s", k, c.Values[k])
	}
	return fmt.Sprintf("%s (%s)", stage, strings.Join(pairs, ", "))
}

// ExpandMatrix produces one combination per job: the Cartesian product of
// the dimensions, plus each include entry not already present, minus every
// combination containing all key/value pairs of any exclude entry. Zero
// surviving combinations is a build error.
func ExpandMatrix(m *core.Matrix) ([]Combination, error) {
	keys := dimensionKeys(m)

	combos := []Combination{{Keys: keys, Values: map[string]string{}}}
	if len(keys) == 0 {
		combos = nil
	}
	for _, key := range keys {
		values := m.Dimensions[key]
		next := make([]Combination, 0, len(combos)*len(values))
		for _, combo := range combos {
			for _, value := range values {
				merged := make(map[string]string, len(combo.Values)+1)
				for k, v := range combo.Values {
					merged[k] = v
				}
				merged[key] = value
				next = append(next, Combination{Keys: keys, Values: merged})
			}
		}
		combos = next
	}

	// Includes bypass the product and may introduce new keys. Entries equal
	// to an existing combination are dropped.
	for _, include := range m.Include {
		if containsCombination(combos, include) {
			continue
		}
		order := append([]string(nil), keys...)
		for _, k := range includeKeyOrder(include, keys) {
			order = append(order, k)
		}
		values := make(map[string]string, len(include))
		for k, v := range include {
			values[k] = v
		}
		combos = append(combos, Combination{Keys: order, Values: values})
	}

	// Excludes use subset semantics: a combination is removed when it
	// carries every key/value pair of any exclude entry.
	survivors := combos[:0]
	for _, combo := range combos {
		if !excluded(combo, m.Exclude) {
			survivors = append(survivors, combo)
		}
	}

	if len(survivors) == 0 {
		return nil, core.ErrEmptyMatrix
	}
	return survivors, nil
}

// dimensionKeys returns dimension keys in declaration order, falling back to
// sorted order when the matrix was built programmatically.
func dimensionKeys(m *core.Matrix) []string {
	if len(m.DimensionOrder) == len(m.Dimensions) {
		valid := true
		for _, k := range m.DimensionOrder {
			if _, ok := m.Dimensions[k]; !ok {
				valid = false
				break
			}
		}
		if valid {
			return m.DimensionOrder
		}
	}
	keys := make([]string, 0, len(m.Dimensions))
	for k := range m.Dimensions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func includeKeyOrder(include map[string]string, dims []string) []string {
	known := make(map[string]struct{}, len(dims))
	for _, k := range dims {
		known[k] = struct{}{}
	}
	extra := make([]string, 0, len(include))
	for k := range include {
		if _, ok := known[k]; !ok {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

func containsCombination(combos []Combination, values map[string]string) bool {
	for _, combo := range combos {
		if len(combo.Values) != len(values) {
			continue
		}
		equal := true
		for k, v := range values {
			if combo.Values[k] != v {
				equal = false
				break
			}
		}
		if equal {
			return true
		}
	}
	return false
}

func excluded(combo Combination, excludes []map[string]string) bool {
	for _, exclude := range excludes {
		if len(exclude) == 0 {
			continue
		}
		subset := true
		for k, v := range exclude {
			if combo.Values[k] != v {
				subset = false
				break
			}
		}
		if subset {
			return true
		}
	}
	return false
}
