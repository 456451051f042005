// Package plan defines the logical plan IR the engine consumes from the
// external SQL planner: a tree of relational operators with a typed schema
// per node. The engine does not parse SQL or rewrite queries; it validates
// the shape of this IR and lowers it to a physical dataflow.
package plan

import (
	"fmt"
	"strings"

	"github.com/hsnlab/matflow/pkg/expr"
	"github.com/hsnlab/matflow/pkg/repr"
)

// Node is one relational operator in a logical plan.
type Node interface {
	// Schema returns the typed output schema of the node.
	Schema() repr.RelationType
	// Inputs returns the upstream plan nodes.
	Inputs() []Node
	fmt.Stringer
}

// Scan reads a named source or installed view.
type Scan struct {
	Source string
	Typ    repr.RelationType
}

func (n *Scan) Schema() repr.RelationType { return n.Typ }
func (n *Scan) Inputs() []Node            { return nil }
func (n *Scan) String() string            { return fmt.Sprintf("Scan(%s)", n.Source) }

// Filter keeps rows for which the predicate evaluates to true.
type Filter struct {
	Input     Node
	Predicate expr.Expr
}

func (n *Filter) Schema() repr.RelationType { return n.Input.Schema() }
func (n *Filter) Inputs() []Node            { return []Node{n.Input} }
func (n *Filter) String() string            { return fmt.Sprintf("Filter(%s)", n.Predicate) }

// Map computes one output row per input row by evaluating scalar
// expressions; projection is a Map of column references.
type Map struct {
	Input Node
	Exprs []expr.Expr
	Typ   repr.RelationType
}

func (n *Map) Schema() repr.RelationType { return n.Typ }
func (n *Map) Inputs() []Node            { return []Node{n.Input} }
func (n *Map) String() string {
	parts := make([]string, len(n.Exprs))
	for i, e := range n.Exprs {
		parts[i] = e.String()
	}
	return fmt.Sprintf("Map(%s)", strings.Join(parts, ", "))
}

// Join is an equijoin of two inputs on positional key columns. The output
// schema is the concatenation of both input schemas.
type Join struct {
	Left, Right         Node
	LeftKeys, RightKeys []int
}

func (n *Join) Schema() repr.RelationType {
	l, r := n.Left.Schema(), n.Right.Schema()
	cols := make([]repr.ColumnType, 0, l.Arity()+r.Arity())
	cols = append(cols, l.Columns...)
	cols = append(cols, r.Columns...)
	return repr.RelationType{Columns: cols}
}

func (n *Join) Inputs() []Node { return []Node{n.Left, n.Right} }
func (n *Join) String() string {
	return fmt.Sprintf("Join(left=%v, right=%v)", n.LeftKeys, n.RightKeys)
}

// AggFunc names an aggregate function.
type AggFunc int

const (
	AggCount AggFunc = iota
	AggSum
	AggMin
	AggMax
)

func (f AggFunc) String() string {
	switch f {
	case AggCount:
		return "count"
	case AggSum:
		return "sum"
	case AggMin:
		return "min"
	case AggMax:
		return "max"
	}
	return "unknown"
}

// Aggregate is a single aggregate over an input column.
type Aggregate struct {
	Func AggFunc
	Col  int // input column, ignored for count
}

// Reduce groups by key columns and computes aggregates per group. The
// output schema is the key columns followed by one column per aggregate.
type Reduce struct {
	Input      Node
	GroupKey   []int
	Aggregates []Aggregate
	Typ        repr.RelationType
}

func (n *Reduce) Schema() repr.RelationType { return n.Typ }
func (n *Reduce) Inputs() []Node            { return []Node{n.Input} }
func (n *Reduce) String() string {
	parts := make([]string, len(n.Aggregates))
	for i, a := range n.Aggregates {
		parts[i] = fmt.Sprintf("%s(#%d)", a.Func, a.Col)
	}
	return fmt.Sprintf("Reduce(key=%v, aggs=[%s])", n.GroupKey, strings.Join(parts, ", "))
}

// Distinct converts the input to set semantics.
type Distinct struct {
	Input Node
}

func (n *Distinct) Schema() repr.RelationType { return n.Input.Schema() }
func (n *Distinct) Inputs() []Node            { return []Node{n.Input} }
func (n *Distinct) String() string            { return "Distinct" }

// ColumnOrder is one ordering term for TopK.
type ColumnOrder struct {
	Col  int
	Desc bool
}

// TopK keeps the first K rows per group under the given order.
type TopK struct {
	Input    Node
	GroupKey []int
	Order    []ColumnOrder
	K        int
}

func (n *TopK) Schema() repr.RelationType { return n.Input.Schema() }
func (n *TopK) Inputs() []Node            { return []Node{n.Input} }
func (n *TopK) String() string            { return fmt.Sprintf("TopK(key=%v, k=%d)", n.GroupKey, n.K) }

// Union adds the multiplicities of all inputs.
type Union struct {
	All []Node
}

func (n *Union) Schema() repr.RelationType {
	if len(n.All) == 0 {
		return repr.RelationType{}
	}
	return n.All[0].Schema()
}

func (n *Union) Inputs() []Node { return n.All }
func (n *Union) String() string { return fmt.Sprintf("Union(%d)", len(n.All)) }

// Negate flips the sign of every multiplicity; together with Union it
// expresses EXCEPT-style plans.
type Negate struct {
	Input Node
}

func (n *Negate) Schema() repr.RelationType { return n.Input.Schema() }
func (n *Negate) Inputs() []Node            { return []Node{n.Input} }
func (n *Negate) String() string            { return "Negate" }
