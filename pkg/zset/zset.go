// Package zset implements Z-sets (multisets with signed integer
// multiplicities) over rows. Z-sets are the value domain of every dataflow
// edge: an insert is a row with multiplicity +1, a delete is the same row
// with multiplicity -1, and diff application is commutative so batches may
// arrive in any order.
package zset

import (
	"fmt"
	"sort"

	"github.com/hsnlab/matflow/pkg/repr"
)

// ZSet maps rows to signed multiplicities. Rows are not directly usable as
// map keys, so the canonical row encoding serves as the key.
type ZSet struct {
	rows   map[string]repr.Row
	counts map[string]repr.Diff
}

// New creates an empty Z-set.
func New() *ZSet {
	return &ZSet{
		rows:   make(map[string]repr.Row),
		counts: make(map[string]repr.Diff),
	}
}

// FromRows creates a Z-set from rows, each with multiplicity 1.
func FromRows(rows []repr.Row) *ZSet {
	result := New()
	for _, r := range rows {
		result.AddRowMutate(r, 1)
	}
	return result
}

// Singleton creates a Z-set holding a single row with multiplicity 1.
func Singleton(row repr.Row) *ZSet {
	result := New()
	result.AddRowMutate(row, 1)
	return result
}

// AddRowMutate adds a row with the given multiplicity in place. Entries
// whose multiplicity reaches zero are physically removed.
func (z *ZSet) AddRowMutate(row repr.Row, count repr.Diff) {
	if count == 0 {
		return
	}

	key := row.Key()
	if _, exists := z.counts[key]; exists {
		z.counts[key] += count
	} else {
		z.rows[key] = row
		z.counts[key] = count
	}

	if z.counts[key] == 0 {
		delete(z.counts, key)
		delete(z.rows, key)
	}
}

// AddRow adds a row with the given multiplicity and returns a new Z-set.
func (z *ZSet) AddRow(row repr.Row, count repr.Diff) *ZSet {
	result := z.Copy()
	result.AddRowMutate(row, count)
	return result
}

// Add performs Z-set addition (union with multiplicity).
func (z *ZSet) Add(other *ZSet) *ZSet {
	result := z.Copy()
	if other == nil {
		return result
	}
	for key, count := range other.counts {
		result.AddRowMutate(other.rows[key], count)
	}
	return result
}

// AddMutate adds another Z-set in place.
func (z *ZSet) AddMutate(other *ZSet) {
	if other == nil {
		return
	}
	for key, count := range other.counts {
		z.AddRowMutate(other.rows[key], count)
	}
}

// Subtract performs Z-set subtraction.
func (z *ZSet) Subtract(other *ZSet) *ZSet {
	result := z.Copy()
	if other == nil {
		return result
	}
	for key, count := range other.counts {
		result.AddRowMutate(other.rows[key], -count)
	}
	return result
}

// Negate flips the sign of every multiplicity.
func (z *ZSet) Negate() *ZSet {
	result := New()
	for key, count := range z.counts {
		result.rows[key] = z.rows[key]
		result.counts[key] = -count
	}
	return result
}

// Distinct converts to set semantics: every row with positive multiplicity
// appears exactly once, rows with non-positive multiplicity are dropped.
func (z *ZSet) Distinct() *ZSet {
	result := New()
	for key, count := range z.counts {
		if count > 0 {
			result.rows[key] = z.rows[key]
			result.counts[key] = 1
		}
	}
	return result
}

// Copy creates a copy of the Z-set. Rows are immutable, so sharing them
// between copies is safe.
func (z *ZSet) Copy() *ZSet {
	result := &ZSet{
		rows:   make(map[string]repr.Row, len(z.rows)),
		counts: make(map[string]repr.Diff, len(z.counts)),
	}
	for key, row := range z.rows {
		result.rows[key] = row
		result.counts[key] = z.counts[key]
	}
	return result
}

// RowEntry is a row with its multiplicity.
type RowEntry struct {
	Row          repr.Row
	Multiplicity repr.Diff
}

// Entries lists all rows with their multiplicities (including negative
// ones), sorted by row order for deterministic output.
func (z *ZSet) Entries() []RowEntry {
	result := make([]RowEntry, 0, len(z.counts))
	for key, count := range z.counts {
		result = append(result, RowEntry{Row: z.rows[key], Multiplicity: count})
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Row.Compare(result[j].Row) < 0
	})
	return result
}

// Each visits every (row, multiplicity) pair.
func (z *ZSet) Each(fn func(row repr.Row, count repr.Diff)) {
	for key, count := range z.counts {
		fn(z.rows[key], count)
	}
}

// Multiplicity returns the accumulated multiplicity of a row, zero when the
// row is absent.
func (z *ZSet) Multiplicity(row repr.Row) repr.Diff {
	return z.counts[row.Key()]
}

// Contains reports whether the row is present with positive multiplicity.
func (z *ZSet) Contains(row repr.Row) bool {
	return z.counts[row.Key()] > 0
}

// IsZero reports whether the Z-set is empty.
func (z *ZSet) IsZero() bool { return len(z.counts) == 0 }

// UniqueCount returns the number of distinct rows with positive
// multiplicity.
func (z *ZSet) UniqueCount() int {
	n := 0
	for _, count := range z.counts {
		if count > 0 {
			n++
		}
	}
	return n
}

// Size returns the total of all positive multiplicities.
func (z *ZSet) Size() int {
	total := 0
	for _, count := range z.counts {
		if count > 0 {
			total += int(count)
		}
	}
	return total
}

// HasNegative reports whether any row has accumulated to a negative
// multiplicity. In a consolidated materialized collection this indicates a
// correctness bug upstream.
func (z *ZSet) HasNegative() bool {
	for _, count := range z.counts {
		if count < 0 {
			return true
		}
	}
	return false
}

// String renders the Z-set for debugging.
func (z *ZSet) String() string {
	if z.IsZero() {
		return "∅"
	}
	out := "{"
	for i, e := range z.Entries() {
		if i > 0 {
			out += ", "
		}
		out += fmt.Sprintf("%s×%d", e.Row.String(), e.Multiplicity)
	}
	return out + "}"
}
