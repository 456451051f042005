package dataflow

import (
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/hsnlab/matflow/pkg/expr"
	"github.com/hsnlab/matflow/pkg/plan"
	"github.com/hsnlab/matflow/pkg/repr"
)

var (
	usersTyp = repr.RelationType{Columns: []repr.ColumnType{
		{Name: "id", Type: repr.TypeInt64},
		{Name: "name", Type: repr.TypeString},
	}}
	ordersTyp = repr.RelationType{Columns: []repr.ColumnType{
		{Name: "user_id", Type: repr.TypeInt64},
		{Name: "amount", Type: repr.TypeInt64},
	}}
)

func kinds(g *Graph) []Kind {
	out := make([]Kind, len(g.Nodes))
	for i, n := range g.Nodes {
		out[i] = n.Kind
	}
	return out
}

var _ = Describe("Builder", func() {
	var b *Builder

	BeforeEach(func() {
		b = NewBuilder(nil, logr.Discard())
	})

	It("compiles a source into scan plus full-row output arrangement", func() {
		g, err := b.BuildSource("users", usersTyp)
		Expect(err).NotTo(HaveOccurred())
		Expect(kinds(g)).To(Equal([]Kind{KindSource, KindArrange}))
		Expect(g.Output).To(Equal(NodeID(1)))
		Expect(g.Node(g.Output).In[0].Exchange).To(BeTrue())
		Expect(g.Scans).To(HaveKey("users"))
	})

	It("fuses adjacent stateless stages into one linear operator", func() {
		adult := expr.NewCall(expr.FuncGt, expr.NewColumn(0), expr.NewLiteral(repr.Int64(0)))
		p := &plan.Map{
			Input: &plan.Filter{
				Input:     &plan.Scan{Source: "users", Typ: usersTyp},
				Predicate: adult,
			},
			Exprs: []expr.Expr{expr.NewColumn(1)},
			Typ:   repr.RelationType{Columns: []repr.ColumnType{{Name: "name", Type: repr.TypeString}}},
		}
		g, err := b.BuildView("names", p)
		Expect(err).NotTo(HaveOccurred())
		Expect(kinds(g)).To(Equal([]Kind{KindSource, KindLinear, KindArrange}))
		Expect(g.Node(1).Linear.Stages).To(HaveLen(2))
	})

	It("does not fuse onto a shared subtree", func() {
		scan := &plan.Scan{Source: "users", Typ: usersTyp}
		neg := &plan.Negate{Input: scan}
		p := &plan.Union{All: []plan.Node{neg, &plan.Filter{
			Input:     neg,
			Predicate: expr.NewLiteral(repr.Bool(true)),
		}}}
		g, err := b.BuildView("diff", p)
		Expect(err).NotTo(HaveOccurred())

		// The filter must not mutate the shared negate stage.
		var linears int
		for _, n := range g.Nodes {
			if n.Kind == KindLinear {
				linears++
			}
		}
		Expect(linears).To(Equal(2))
	})

	It("exchanges stateful operator inputs on their keys", func() {
		p := &plan.Reduce{
			Input:      &plan.Scan{Source: "orders", Typ: ordersTyp},
			GroupKey:   []int{0},
			Aggregates: []plan.Aggregate{{Func: plan.AggSum, Col: 1}},
			Typ:        ordersTyp,
		}
		g, err := b.BuildView("by_user", p)
		Expect(err).NotTo(HaveOccurred())
		var reduce *Spec
		for _, n := range g.Nodes {
			if n.Kind == KindReduce {
				reduce = n
			}
		}
		Expect(reduce).NotTo(BeNil())
		Expect(reduce.In[0].Exchange).To(BeTrue())
		Expect(reduce.In[0].KeyCols).To(Equal([]int{0}))
	})

	It("routes ungrouped aggregations to a single partition", func() {
		p := &plan.Reduce{
			Input:      &plan.Scan{Source: "orders", Typ: ordersTyp},
			Aggregates: []plan.Aggregate{{Func: plan.AggCount}},
			Typ:        repr.RelationType{Columns: []repr.ColumnType{{Name: "n", Type: repr.TypeInt64}}},
		}
		g, err := b.BuildView("total", p)
		Expect(err).NotTo(HaveOccurred())
		for _, n := range g.Nodes {
			if n.Kind == KindReduce {
				Expect(n.In[0].KeyCols).NotTo(BeNil())
				Expect(n.In[0].KeyCols).To(BeEmpty())
			}
		}
	})

	It("memoizes shared scans", func() {
		scan := &plan.Scan{Source: "orders", Typ: ordersTyp}
		p := &plan.Join{Left: scan, Right: scan, LeftKeys: []int{0}, RightKeys: []int{0}}
		g, err := b.BuildView("selfjoin", p)
		Expect(err).NotTo(HaveOccurred())
		Expect(g.Scans["orders"]).To(HaveLen(1))
	})

	It("rejects invalid plans before building", func() {
		_, err := b.BuildView("bad", &plan.Join{
			Left:  &plan.Scan{Source: "users", Typ: usersTyp},
			Right: &plan.Scan{Source: "orders", Typ: ordersTyp},
		})
		Expect(err).To(MatchError(plan.ErrUnsupportedPlanShape))
	})

	Context("joins", func() {
		join := func() *plan.Join {
			return &plan.Join{
				Left:      &plan.Scan{Source: "users", Typ: usersTyp},
				Right:     &plan.Scan{Source: "orders", Typ: ordersTyp},
				LeftKeys:  []int{0},
				RightKeys: []int{0},
			}
		}

		It("lowers to a hash join without installed arrangements", func() {
			g, err := b.BuildView("j", join())
			Expect(err).NotTo(HaveOccurred())
			var spec *Spec
			for _, n := range g.Nodes {
				if n.Kind == KindJoin {
					spec = n
				}
			}
			Expect(spec.Join.Variant).To(Equal(JoinHash))
			Expect(spec.In[0].KeyCols).To(Equal([]int{0}))
			Expect(spec.In[1].KeyCols).To(Equal([]int{0}))
		})

		It("rides a matching-key index as a delta join", func() {
			installed := InstalledArrangements{
				"orders": {{Dataflow: "orders_by_uid", KeyCols: []int{0}}},
			}
			db := NewBuilder(installed, logr.Discard())
			g, err := db.BuildView("j", join())
			Expect(err).NotTo(HaveOccurred())
			for _, n := range g.Nodes {
				if n.Kind == KindJoin {
					Expect(n.Join.Variant).To(Equal(JoinDelta))
					Expect(n.Join.Arranged).To(Equal([2]bool{false, true}))
				}
			}
			// The arranged side now consumes the index, not the raw scan.
			Expect(g.Scans).To(HaveKey("orders_by_uid"))
			Expect(g.Scans).NotTo(HaveKey("orders"))
			Expect(g.Scans).To(HaveKey("users"))
		})

		It("marks a side arranged by its own output arrangement without rewiring", func() {
			installed := InstalledArrangements{
				"orders": {{Dataflow: "orders", KeyCols: []int{0}}},
			}
			db := NewBuilder(installed, logr.Discard())
			g, err := db.BuildView("j", join())
			Expect(err).NotTo(HaveOccurred())
			for _, n := range g.Nodes {
				if n.Kind == KindJoin {
					Expect(n.Join.Variant).To(Equal(JoinDelta))
					Expect(n.Join.Arranged).To(Equal([2]bool{false, true}))
				}
			}
			Expect(g.Scans).To(HaveKey("orders"))
		})

		It("ignores arrangements on mismatched keys", func() {
			installed := InstalledArrangements{
				"orders": {{Dataflow: "orders_by_amount", KeyCols: []int{1}}},
			}
			db := NewBuilder(installed, logr.Discard())
			g, err := db.BuildView("j", join())
			Expect(err).NotTo(HaveOccurred())
			for _, n := range g.Nodes {
				if n.Kind == KindJoin {
					Expect(n.Join.Variant).To(Equal(JoinHash))
				}
			}
			Expect(g.Scans).To(HaveKey("orders"))
		})
	})

	It("compiles indexes keyed by the requested columns", func() {
		g, err := b.BuildIndex("users_by_id", "users", usersTyp, []int{0})
		Expect(err).NotTo(HaveOccurred())
		Expect(g.Node(g.Output).Arrange.KeyCols).To(Equal([]int{0}))
		Expect(g.Node(g.Output).In[0].KeyCols).To(Equal([]int{0}))
	})

	It("rejects indexes on unhashable key columns", func() {
		anyTyp := repr.RelationType{Columns: []repr.ColumnType{{Name: "blob", Type: repr.TypeAny}}}
		_, err := b.BuildIndex("idx", "blobs", anyTyp, []int{0})
		Expect(err).To(MatchError(plan.ErrAmbiguousKeyType))
	})

	It("compiles sinks with a terminal sink node", func() {
		g, err := b.BuildSink("out", "users", usersTyp, "mysink")
		Expect(err).NotTo(HaveOccurred())
		Expect(g.Sink).NotTo(Equal(NoNode))
		Expect(g.Node(g.Sink).Kind).To(Equal(KindSink))
		Expect(g.Node(g.Sink).In[0].From).To(Equal(g.Output))
	})
})

var _ = Describe("Graph", func() {
	It("orders nodes topologically", func() {
		b := NewBuilder(nil, logr.Discard())
		g, err := b.BuildView("j", &plan.Join{
			Left:      &plan.Scan{Source: "users", Typ: usersTyp},
			Right:     &plan.Scan{Source: "orders", Typ: ordersTyp},
			LeftKeys:  []int{0},
			RightKeys: []int{0},
		})
		Expect(err).NotTo(HaveOccurred())

		pos := map[NodeID]int{}
		for i, id := range g.Topo() {
			pos[id] = i
		}
		for _, n := range g.Nodes {
			for _, e := range n.In {
				Expect(pos[e.From]).To(BeNumerically("<", pos[n.ID]))
			}
		}
	})

	It("serializes its shape", func() {
		b := NewBuilder(nil, logr.Discard())
		g, err := b.BuildSource("users", usersTyp)
		Expect(err).NotTo(HaveOccurred())
		shape := g.Shape()
		Expect(shape).To(HaveLen(2))
		Expect(shape[0].Kind).To(Equal("source"))
		Expect(shape[1].Inputs).To(Equal([]int{0}))
	})

	It("renders to dot and mermaid", func() {
		b := NewBuilder(nil, logr.Discard())
		g, err := b.BuildSource("users", usersTyp)
		Expect(err).NotTo(HaveOccurred())
		Expect(RenderDot(g)).To(ContainSubstring("digraph"))
		mermaid := RenderMermaid(g)
		Expect(mermaid).To(ContainSubstring("flowchart"))
		// Stateful nodes render with the subroutine shape and edges survive.
		Expect(mermaid).To(ContainSubstring("[["))
		Expect(mermaid).To(ContainSubstring("-->"))
	})

	It("renders fused stages and joins in mermaid without multi-line labels", func() {
		b := NewBuilder(nil, logr.Discard())
		g, err := b.BuildView("joined", &plan.Join{
			Left: &plan.Filter{
				Input: &plan.Scan{Source: "users", Typ: usersTyp},
				Predicate: expr.NewCall(expr.FuncGt,
					expr.NewColumn(0), expr.NewLiteral(repr.Int64(0))),
			},
			Right:     &plan.Scan{Source: "orders", Typ: ordersTyp},
			LeftKeys:  []int{0},
			RightKeys: []int{0},
		})
		Expect(err).NotTo(HaveOccurred())
		mermaid := RenderMermaid(g)
		Expect(mermaid).To(ContainSubstring("join"))
		for _, line := range strings.Split(mermaid, "\n") {
			if strings.Contains(line, "[[") {
				Expect(line).To(HaveSuffix(";"))
			}
		}
	})
})
