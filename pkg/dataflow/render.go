package dataflow

import (
	"fmt"
	"strings"

	"github.com/emicklei/dot"
)

// nodeLabel is the human-readable description of a physical node: the
// operator kind, its collection name when it has one, or the fused stage
// list for linear chains.
func nodeLabel(spec *Spec) string {
	switch {
	case spec.Name != "":
		return fmt.Sprintf("%s\n%s", spec.Kind, spec.Name)
	case spec.Kind == KindLinear:
		stages := make([]string, len(spec.Linear.Stages))
		for i, s := range spec.Linear.Stages {
			stages[i] = s.String()
		}
		return strings.Join(stages, "\n")
	case spec.Kind == KindJoin:
		return fmt.Sprintf("%s join", spec.Join.Variant)
	}
	return spec.Kind.String()
}

func edgeLabel(e Edge) string {
	if !e.Exchange {
		return ""
	}
	if e.KeyCols != nil {
		return fmt.Sprintf("x%v", e.KeyCols)
	}
	return "x(row)"
}

// BuildDotGraph converts a physical dataflow into a Graphviz graph. Stateful
// operators are drawn as boxes (they own arrangements), stateless ones as
// ellipses; exchange edges are dashed and labelled with their key columns.
func BuildDotGraph(g *Graph) *dot.Graph {
	dg := dot.NewGraph(dot.Directed)
	dg.Attr("label", fmt.Sprintf("dataflow %q", g.Name))
	dg.Attr("rankdir", "LR")

	nodes := make(map[NodeID]dot.Node, len(g.Nodes))
	for _, spec := range g.Nodes {
		n := dg.Node(fmt.Sprintf("n%d", spec.ID)).Label(nodeLabel(spec))
		if spec.Stateful() {
			n.Attr("shape", "box")
		}
		if spec.ID == g.Output {
			n.Attr("peripheries", "2")
		}
		nodes[spec.ID] = n
	}

	for _, spec := range g.Nodes {
		for _, e := range spec.In {
			edge := dg.Edge(nodes[e.From], nodes[spec.ID])
			if e.Exchange {
				edge.Attr("style", "dashed")
				edge.Label(edgeLabel(e))
			}
		}
	}

	return dg
}

// RenderDot renders the dataflow as a Graphviz DOT document.
func RenderDot(g *Graph) string {
	return BuildDotGraph(g).String()
}

// RenderMermaid renders the dataflow as a Mermaid flowchart wrapped in a
// markdown code block. The mermaid exporter expects its own shape attribute
// type and single-line labels, so the graph is rebuilt rather than shared
// with the DOT path.
func RenderMermaid(g *Graph) string {
	dg := dot.NewGraph(dot.Directed)

	nodes := make(map[NodeID]dot.Node, len(g.Nodes))
	for _, spec := range g.Nodes {
		n := dg.Node(fmt.Sprintf("n%d", spec.ID)).
			Label(strings.ReplaceAll(nodeLabel(spec), "\n", " "))
		if spec.Stateful() {
			n.Attr("shape", dot.MermaidShapeSubroutine)
		}
		nodes[spec.ID] = n
	}
	for _, spec := range g.Nodes {
		for _, e := range spec.In {
			edge := dg.Edge(nodes[e.From], nodes[spec.ID])
			if label := edgeLabel(e); label != "" {
				edge.Label(label)
			}
		}
	}

	return fmt.Sprintf("```mermaid\n%s\n```\n", dot.MermaidFlowchart(dg, dot.MermaidLeftToRight))
}
