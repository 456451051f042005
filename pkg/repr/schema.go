package repr

import "strings"

// ScalarType names the type of one column.
type ScalarType int

const (
	// TypeAny marks a column whose type the planner could not resolve.
	// Such columns cannot serve as join or grouping keys.
	TypeAny ScalarType = iota
	TypeBool
	TypeInt64
	TypeFloat64
	TypeString
	TypeDecimal
	TypeTime
	TypeList
	TypeRecord
)

func (t ScalarType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeString:
		return "string"
	case TypeDecimal:
		return "decimal"
	case TypeTime:
		return "time"
	case TypeList:
		return "list"
	case TypeRecord:
		return "record"
	}
	return "any"
}

// Hashable reports whether values of this type have a stable comparable and
// hashable representation, the precondition for exchange keys.
func (t ScalarType) Hashable() bool {
	return t != TypeAny
}

// ColumnType describes one column of a relation.
type ColumnType struct {
	Name     string     `json:"name"`
	Type     ScalarType `json:"type"`
	Nullable bool       `json:"nullable,omitempty"`
}

// RelationType is the typed schema of a plan node or dataflow collection.
type RelationType struct {
	Columns []ColumnType `json:"columns"`
}

// Arity returns the number of columns.
func (rt RelationType) Arity() int { return len(rt.Columns) }

// ColumnIndex resolves a column name to its index, -1 when absent.
func (rt RelationType) ColumnIndex(name string) int {
	for i := range rt.Columns {
		if rt.Columns[i].Name == name {
			return i
		}
	}
	return -1
}

func (rt RelationType) String() string {
	var sb strings.Builder
	sb.WriteByte('(')
	for i, c := range rt.Columns {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(c.Name)
		sb.WriteByte(' ')
		sb.WriteString(c.Type.String())
	}
	sb.WriteByte(')')
	return sb.String()
}
