// Package dataflow compiles logical plans into physical dataflow graphs and
// implements the operators that execute them incrementally over timestamped
// diff streams.
package dataflow

import (
	"fmt"
	"strings"

	"github.com/hsnlab/matflow/pkg/expr"
	"github.com/hsnlab/matflow/pkg/plan"
	"github.com/hsnlab/matflow/pkg/repr"
)

// NodeID indexes an operator inside the graph arena. Edges are index based:
// the graph is a flat slice of tagged operator specs, not a pointer web.
type NodeID int

// NoNode marks an absent node reference.
const NoNode = NodeID(-1)

// Kind tags the closed set of physical operator kinds.
type Kind int

const (
	KindSource Kind = iota
	KindLinear
	KindUnion
	KindJoin
	KindReduce
	KindDistinct
	KindTopK
	KindArrange
	KindSink
)

func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindLinear:
		return "linear"
	case KindUnion:
		return "union"
	case KindJoin:
		return "join"
	case KindReduce:
		return "reduce"
	case KindDistinct:
		return "distinct"
	case KindTopK:
		return "topk"
	case KindArrange:
		return "arrange"
	case KindSink:
		return "sink"
	}
	return "unknown"
}

// Edge describes one input of an operator. Exchange edges repartition every
// update by a key hash so the same key always lands on the same worker;
// pipelined edges stay worker-local.
type Edge struct {
	From     NodeID
	Exchange bool
	KeyCols  []int // partitioning columns for exchange edges; nil = full row
}

// LinearStage is one fused stateless transformation step: an optional
// filter, an optional row mapping, and an optional multiplicity negation.
type LinearStage struct {
	Filter expr.Expr
	Map    []expr.Expr
	Negate bool
}

func (s LinearStage) String() string {
	parts := []string{}
	if s.Filter != nil {
		parts = append(parts, fmt.Sprintf("σ(%s)", s.Filter))
	}
	if s.Map != nil {
		es := make([]string, len(s.Map))
		for i, e := range s.Map {
			es[i] = e.String()
		}
		parts = append(parts, fmt.Sprintf("π(%s)", strings.Join(es, ", ")))
	}
	if s.Negate {
		parts = append(parts, "neg")
	}
	if len(parts) == 0 {
		return "id"
	}
	return strings.Join(parts, "∘")
}

// JoinVariant records the physical join strategy chosen at build time.
type JoinVariant int

const (
	// JoinHash builds a new arrangement per side.
	JoinHash JoinVariant = iota
	// JoinDelta reuses an existing matching-key arrangement for at least
	// one side instead of rebuilding its state from scratch.
	JoinDelta
)

func (v JoinVariant) String() string {
	if v == JoinDelta {
		return "delta"
	}
	return "hash"
}

// SourceSpec names the upstream collection feeding a source node. The
// collection is either an external source or an installed view whose sealed
// output the coordinator re-feeds into this dataflow.
type SourceSpec struct {
	Collection string
}

// LinearSpec is a fused chain of stateless stages.
type LinearSpec struct {
	Stages []LinearStage
}

// JoinSpec configures an equijoin operator.
type JoinSpec struct {
	LeftKeys  []int
	RightKeys []int
	Variant   JoinVariant
	// Arranged marks sides rewired at build time to consume the dataflow
	// maintaining a matching-key arrangement (delta-join sides).
	Arranged [2]bool
}

// ReduceSpec configures a keyed incremental aggregation.
type ReduceSpec struct {
	GroupKey   []int
	Aggregates []plan.Aggregate
	InputTyp   repr.RelationType
}

// TopKSpec configures a per-group top-k operator.
type TopKSpec struct {
	GroupKey []int
	Order    []plan.ColumnOrder
	K        int
}

// ArrangeSpec configures the output arrangement of a dataflow. Nil KeyCols
// arranges by the full row.
type ArrangeSpec struct {
	KeyCols []int
}

// SinkSpec names the sink adapter consuming a dataflow's output.
type SinkSpec struct {
	Name string
}

// Spec is the immutable description of one physical operator, shared by the
// operator's instances on every worker.
type Spec struct {
	ID     NodeID
	Kind   Kind
	Name   string
	In     []Edge
	Schema repr.RelationType

	Source  *SourceSpec
	Linear  *LinearSpec
	Join    *JoinSpec
	Reduce  *ReduceSpec
	TopK    *TopKSpec
	Arrange *ArrangeSpec
	Sink    *SinkSpec
}

// Stateful reports whether the operator requires random access to
// accumulated state and thus owns an arrangement. Stateless operators are
// never materialized.
func (s *Spec) Stateful() bool {
	switch s.Kind {
	case KindJoin, KindReduce, KindDistinct, KindTopK, KindArrange:
		return true
	}
	return false
}

// Graph is a compiled physical dataflow: an arena of operator specs wired
// with index-based edges. Every dataflow has exactly one output arrangement
// node; sink dataflows additionally have a sink node.
type Graph struct {
	Name   string
	Nodes  []*Spec
	Output NodeID
	Sink   NodeID

	// Scans maps upstream collection names to the source nodes they feed.
	Scans map[string][]NodeID
}

// NewGraph creates an empty graph for a named dataflow.
func NewGraph(name string) *Graph {
	return &Graph{
		Name:  name,
		Sink:  NoNode,
		Scans: make(map[string][]NodeID),
	}
}

// add appends a spec to the arena and returns its ID.
func (g *Graph) add(spec *Spec) NodeID {
	spec.ID = NodeID(len(g.Nodes))
	g.Nodes = append(g.Nodes, spec)
	return spec.ID
}

// Node returns the spec at the given ID.
func (g *Graph) Node(id NodeID) *Spec { return g.Nodes[id] }

// Consumers returns, per node, the list of (consumer, input index) pairs.
func (g *Graph) Consumers() map[NodeID][][2]int {
	out := make(map[NodeID][][2]int)
	for _, n := range g.Nodes {
		for i, e := range n.In {
			out[e.From] = append(out[e.From], [2]int{int(n.ID), i})
		}
	}
	return out
}

// Validate checks structural integrity: edges in range, one output
// arrangement, and acyclicity (defense in depth; plan validation already
// rejects cyclic plans).
func (g *Graph) Validate() error {
	if len(g.Nodes) == 0 {
		return fmt.Errorf("dataflow %q has no operators", g.Name)
	}
	if g.Output == NoNode || int(g.Output) >= len(g.Nodes) || g.Nodes[g.Output].Kind != KindArrange {
		return fmt.Errorf("dataflow %q has no output arrangement", g.Name)
	}
	for _, n := range g.Nodes {
		for _, e := range n.In {
			if e.From < 0 || int(e.From) >= len(g.Nodes) {
				return fmt.Errorf("node %d of dataflow %q has out-of-range input %d", n.ID, g.Name, e.From)
			}
		}
	}

	// Kahn-style check that edges form a DAG.
	indeg := make([]int, len(g.Nodes))
	for _, n := range g.Nodes {
		for range n.In {
			indeg[n.ID]++
		}
	}
	queue := []NodeID{}
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, NodeID(id))
		}
	}
	seen := 0
	consumers := g.Consumers()
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		seen++
		for _, c := range consumers[id] {
			indeg[c[0]]--
			if indeg[c[0]] == 0 {
				queue = append(queue, NodeID(c[0]))
			}
		}
	}
	if seen != len(g.Nodes) {
		return fmt.Errorf("dataflow %q contains a cycle", g.Name)
	}
	return nil
}

// Topo returns the nodes in topological order.
func (g *Graph) Topo() []NodeID {
	indeg := make([]int, len(g.Nodes))
	for _, n := range g.Nodes {
		indeg[n.ID] = len(n.In)
	}
	consumers := g.Consumers()
	queue := []NodeID{}
	for id, d := range indeg {
		if d == 0 {
			queue = append(queue, NodeID(id))
		}
	}
	order := make([]NodeID, 0, len(g.Nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, c := range consumers[id] {
			indeg[c[0]]--
			if indeg[c[0]] == 0 {
				queue = append(queue, NodeID(c[0]))
			}
		}
	}
	return order
}

// Shape returns a serializable description of the graph: operator kinds and
// edges, sufficient for an external persistence layer to record what a
// running dataflow looks like.
type NodeShape struct {
	ID     int    `json:"id"`
	Kind   string `json:"kind"`
	Name   string `json:"name,omitempty"`
	Inputs []int  `json:"inputs,omitempty"`
}

func (g *Graph) Shape() []NodeShape {
	out := make([]NodeShape, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		shape := NodeShape{ID: int(n.ID), Kind: n.Kind.String(), Name: n.Name}
		for _, e := range n.In {
			shape.Inputs = append(shape.Inputs, int(e.From))
		}
		out = append(out, shape)
	}
	return out
}

func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "dataflow %q (%d nodes):\n", g.Name, len(g.Nodes))
	for _, n := range g.Nodes {
		fmt.Fprintf(&sb, "  %d: %s", n.ID, n.Kind)
		if n.Name != "" {
			fmt.Fprintf(&sb, " %q", n.Name)
		}
		if len(n.In) > 0 {
			ins := make([]string, len(n.In))
			for i, e := range n.In {
				tag := ""
				if e.Exchange {
					tag = "x"
				}
				ins[i] = fmt.Sprintf("%d%s", e.From, tag)
			}
			fmt.Fprintf(&sb, " <- [%s]", strings.Join(ins, ", "))
		}
		sb.WriteByte('\n')
	}
	return sb.String()
}
