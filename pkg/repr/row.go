package repr

import (
	"hash/fnv"
	"strings"
)

// Row is an ordered, fixed-arity tuple of datums. Rows are immutable once
// constructed; all mutation happens by building new rows.
type Row []Datum

// NewRow builds a row from datums.
func NewRow(datums ...Datum) Row { return Row(datums) }

// Key returns the canonical encoding of the row, which defines row identity
// inside Z-sets and arrangements.
func (r Row) Key() string {
	var sb strings.Builder
	for i := range r {
		if i > 0 {
			sb.WriteByte('|')
		}
		r[i].encodeKey(&sb)
	}
	return sb.String()
}

// Equal compares two rows by value.
func (r Row) Equal(other Row) bool { return r.Compare(other) == 0 }

// Compare imposes a total order over rows: elementwise datum order, shorter
// rows first on common-prefix ties.
func (r Row) Compare(other Row) int {
	for i := 0; i < len(r) && i < len(other); i++ {
		if c := r[i].Compare(other[i]); c != 0 {
			return c
		}
	}
	return cmpInt64(int64(len(r)), int64(len(other)))
}

// Hash returns a stable hash of the row, used for exchange partitioning:
// the same row always lands on the same worker.
func (r Row) Hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(r.Key()))
	return h.Sum64()
}

// Project returns a new row holding the datums at the given column indexes.
func (r Row) Project(cols []int) Row {
	out := make(Row, len(cols))
	for i, c := range cols {
		out[i] = r[c]
	}
	return out
}

// Concat returns a new row with the columns of both rows.
func (r Row) Concat(other Row) Row {
	out := make(Row, 0, len(r)+len(other))
	out = append(out, r...)
	out = append(out, other...)
	return out
}

// DeepCopy copies the row. Datums are value types, so a shallow slice copy
// is a deep copy for every kind except nested lists/records, which share
// immutable element slices.
func (r Row) DeepCopy() Row {
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// HasError reports whether any column carries a row-level evaluation error.
func (r Row) HasError() bool {
	for i := range r {
		if r[i].IsError() {
			return true
		}
	}
	return false
}

func (r Row) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i := range r {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(r[i].String())
	}
	sb.WriteByte(')')
	return sb.String()
}
