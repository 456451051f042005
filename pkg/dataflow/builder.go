package dataflow

import (
	"fmt"
	"slices"

	"github.com/go-logr/logr"

	"github.com/hsnlab/matflow/pkg/plan"
	"github.com/hsnlab/matflow/pkg/repr"
)

// ArrangementRef names one installed arrangement: the dataflow maintaining
// it and the key columns it is arranged under.
type ArrangementRef struct {
	Dataflow string
	KeyCols  []int
}

// InstalledArrangements maps collection names to the arrangements already
// maintained over them (their views' output arrangements and any explicit
// indexes). The builder consults this to lower joins to delta joins.
type InstalledArrangements map[string][]ArrangementRef

// Find returns the dataflow maintaining an arrangement of the collection
// with exactly the given key columns.
func (ia InstalledArrangements) Find(collection string, key []int) (string, bool) {
	for _, ref := range ia[collection] {
		if slices.Equal(ref.KeyCols, key) {
			return ref.Dataflow, true
		}
	}
	return "", false
}

// Builder compiles logical plans into physical dataflow graphs.
type Builder struct {
	installed InstalledArrangements
	log       logr.Logger
}

// NewBuilder creates a builder against the currently installed arrangement
// set.
func NewBuilder(installed InstalledArrangements, log logr.Logger) *Builder {
	if installed == nil {
		installed = InstalledArrangements{}
	}
	return &Builder{installed: installed, log: log}
}

// BuildSource compiles the trivial dataflow of an external source: ingest
// node plus a full-row output arrangement.
func (b *Builder) BuildSource(name string, schema repr.RelationType) (*Graph, error) {
	g := NewGraph(name)
	src := g.add(&Spec{Kind: KindSource, Name: name, Schema: schema,
		Source: &SourceSpec{Collection: name}})
	g.Scans[name] = append(g.Scans[name], src)
	b.arrangeOutput(g, src, nil)
	return g, g.Validate()
}

// BuildView compiles a logical plan into the dataflow maintaining a
// materialized view, arranged by the full output row.
func (b *Builder) BuildView(name string, root plan.Node) (*Graph, error) {
	if err := plan.Validate(root); err != nil {
		return nil, err
	}

	g := NewGraph(name)
	st := &buildState{graph: g, memo: make(map[plan.Node]NodeID), shared: make(map[NodeID]bool)}
	out, err := b.lower(st, root)
	if err != nil {
		return nil, err
	}
	b.arrangeOutput(g, out, nil)

	if err := g.Validate(); err != nil {
		return nil, err
	}
	b.log.V(1).Info("compiled view dataflow", "name", name, "nodes", len(g.Nodes))
	return g, nil
}

// BuildIndex compiles the dataflow arranging an existing collection by the
// given key columns.
func (b *Builder) BuildIndex(name, collection string, schema repr.RelationType, keyCols []int) (*Graph, error) {
	for _, k := range keyCols {
		if k < 0 || k >= schema.Arity() {
			return nil, plan.NewUnsupportedPlanShapeError(fmt.Sprintf(
				"index key column %d out of range for arity %d", k, schema.Arity()))
		}
		if !schema.Columns[k].Type.Hashable() {
			return nil, plan.NewAmbiguousKeyTypeError(fmt.Sprintf(
				"index key column %q has unresolved type", schema.Columns[k].Name))
		}
	}

	g := NewGraph(name)
	src := g.add(&Spec{Kind: KindSource, Name: collection, Schema: schema,
		Source: &SourceSpec{Collection: collection}})
	g.Scans[collection] = append(g.Scans[collection], src)
	b.arrangeOutput(g, src, keyCols)
	return g, g.Validate()
}

// BuildSink compiles the dataflow feeding a sink adapter from an existing
// collection.
func (b *Builder) BuildSink(name, collection string, schema repr.RelationType, sinkName string) (*Graph, error) {
	g := NewGraph(name)
	src := g.add(&Spec{Kind: KindSource, Name: collection, Schema: schema,
		Source: &SourceSpec{Collection: collection}})
	g.Scans[collection] = append(g.Scans[collection], src)
	arr := b.arrangeOutput(g, src, nil)
	g.Sink = g.add(&Spec{Kind: KindSink, Name: sinkName, Schema: schema,
		In:   []Edge{{From: arr}},
		Sink: &SinkSpec{Name: sinkName}})
	return g, g.Validate()
}

// arrangeOutput appends the output arrangement node, exchanged on the
// arrangement key so every worker owns a disjoint key partition.
func (b *Builder) arrangeOutput(g *Graph, from NodeID, keyCols []int) NodeID {
	arr := g.add(&Spec{Kind: KindArrange, Schema: g.Node(from).Schema,
		In:      []Edge{{From: from, Exchange: true, KeyCols: keyCols}},
		Arrange: &ArrangeSpec{KeyCols: keyCols}})
	g.Output = arr
	return arr
}

type buildState struct {
	graph  *Graph
	memo   map[plan.Node]NodeID
	shared map[NodeID]bool
}

// lower recursively turns a plan node into physical operators, fusing
// adjacent stateless stages into a single linear operator.
func (b *Builder) lower(st *buildState, n plan.Node) (NodeID, error) {
	if id, ok := st.memo[n]; ok {
		st.shared[id] = true
		return id, nil
	}

	id, err := b.lowerNew(st, n)
	if err != nil {
		return NoNode, err
	}
	st.memo[n] = id
	return id, nil
}

func (b *Builder) lowerNew(st *buildState, n plan.Node) (NodeID, error) {
	g := st.graph

	switch node := n.(type) {
	case *plan.Scan:
		id := g.add(&Spec{Kind: KindSource, Name: node.Source, Schema: node.Typ,
			Source: &SourceSpec{Collection: node.Source}})
		g.Scans[node.Source] = append(g.Scans[node.Source], id)
		return id, nil

	case *plan.Filter:
		return b.lowerLinear(st, node.Input, LinearStage{Filter: node.Predicate}, node.Schema())

	case *plan.Map:
		return b.lowerLinear(st, node.Input, LinearStage{Map: node.Exprs}, node.Typ)

	case *plan.Negate:
		return b.lowerLinear(st, node.Input, LinearStage{Negate: true}, node.Schema())

	case *plan.Union:
		in := make([]Edge, 0, len(node.All))
		for _, child := range node.All {
			cid, err := b.lower(st, child)
			if err != nil {
				return NoNode, err
			}
			in = append(in, Edge{From: cid})
		}
		return g.add(&Spec{Kind: KindUnion, Schema: node.Schema(), In: in}), nil

	case *plan.Join:
		return b.lowerJoin(st, node)

	case *plan.Reduce:
		cid, err := b.lower(st, node.Input)
		if err != nil {
			return NoNode, err
		}
		return g.add(&Spec{Kind: KindReduce, Schema: node.Typ,
			In: []Edge{{From: cid, Exchange: true, KeyCols: groupKeyCols(node.GroupKey)}},
			Reduce: &ReduceSpec{GroupKey: node.GroupKey, Aggregates: node.Aggregates,
				InputTyp: node.Input.Schema()}}), nil

	case *plan.Distinct:
		cid, err := b.lower(st, node.Input)
		if err != nil {
			return NoNode, err
		}
		return g.add(&Spec{Kind: KindDistinct, Schema: node.Schema(),
			In: []Edge{{From: cid, Exchange: true}}}), nil

	case *plan.TopK:
		cid, err := b.lower(st, node.Input)
		if err != nil {
			return NoNode, err
		}
		return g.add(&Spec{Kind: KindTopK, Schema: node.Schema(),
			In:   []Edge{{From: cid, Exchange: true, KeyCols: groupKeyCols(node.GroupKey)}},
			TopK: &TopKSpec{GroupKey: node.GroupKey, Order: node.Order, K: node.K}}), nil
	}

	return NoNode, plan.NewUnsupportedPlanShapeError(fmt.Sprintf("no physical lowering for %T", n))
}

// groupKeyCols normalizes an absent group key to an empty projection, so
// ungrouped aggregations exchange every row to the same worker instead of
// hashing full rows across all of them.
func groupKeyCols(key []int) []int {
	if key == nil {
		return []int{}
	}
	return key
}

// lowerLinear lowers a stateless stage, fusing it onto the upstream linear
// operator when that operator was built for this plan subtree alone.
func (b *Builder) lowerLinear(st *buildState, input plan.Node, stage LinearStage, schema repr.RelationType) (NodeID, error) {
	cid, err := b.lower(st, input)
	if err != nil {
		return NoNode, err
	}

	child := st.graph.Node(cid)
	if child.Kind == KindLinear && !st.shared[cid] {
		child.Linear.Stages = append(child.Linear.Stages, stage)
		child.Schema = schema
		return cid, nil
	}

	return st.graph.add(&Spec{Kind: KindLinear, Schema: schema,
		In:     []Edge{{From: cid}},
		Linear: &LinearSpec{Stages: []LinearStage{stage}}}), nil
}

// lowerJoin lowers an equijoin. A side that directly scans a collection
// with a matching-key arrangement is rewired to consume the dataflow
// maintaining that arrangement, so the join rides the maintained index
// instead of re-reading the raw collection; the join then lowers as a
// delta join.
func (b *Builder) lowerJoin(st *buildState, node *plan.Join) (NodeID, error) {
	left, arrangedL := b.resolveSide(node.Left, node.LeftKeys)
	right, arrangedR := b.resolveSide(node.Right, node.RightKeys)

	lid, err := b.lower(st, left)
	if err != nil {
		return NoNode, err
	}
	rid, err := b.lower(st, right)
	if err != nil {
		return NoNode, err
	}

	arranged := [2]bool{arrangedL, arrangedR}
	variant := JoinHash
	if arrangedL || arrangedR {
		variant = JoinDelta
	}

	spec := &Spec{Kind: KindJoin, Schema: node.Schema(),
		In: []Edge{
			{From: lid, Exchange: true, KeyCols: node.LeftKeys},
			{From: rid, Exchange: true, KeyCols: node.RightKeys},
		},
		Join: &JoinSpec{LeftKeys: node.LeftKeys, RightKeys: node.RightKeys,
			Variant: variant, Arranged: arranged}}
	return st.graph.add(spec), nil
}

// resolveSide redirects a direct scan of an arranged collection to the
// dataflow maintaining the arrangement. An index carries the collection's
// rows unchanged, sealed in step with it, so the substitution preserves the
// join's semantics while its input arrives pre-keyed.
func (b *Builder) resolveSide(input plan.Node, keys []int) (plan.Node, bool) {
	scan, ok := input.(*plan.Scan)
	if !ok {
		return input, false
	}
	df, ok := b.installed.Find(scan.Source, keys)
	if !ok {
		return input, false
	}
	if df == scan.Source {
		// The collection's own output arrangement already matches.
		return input, true
	}
	return &plan.Scan{Source: df, Typ: scan.Typ}, true
}
