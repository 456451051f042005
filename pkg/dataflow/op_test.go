package dataflow

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/hsnlab/matflow/pkg/expr"
	"github.com/hsnlab/matflow/pkg/plan"
	"github.com/hsnlab/matflow/pkg/repr"
	"github.com/hsnlab/matflow/pkg/zset"
)

func TestDataflow(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Dataflow Suite")
}

// accumulate folds a batch into a Z-set, ignoring timestamps.
func accumulate(batches ...repr.Batch) *zset.ZSet {
	z := zset.New()
	for _, b := range batches {
		for _, u := range b {
			z.AddRowMutate(u.Row, u.Diff)
		}
	}
	return z
}

func feed(op Operator, input int, t repr.Timestamp, rows []repr.Row, diffs []repr.Diff) repr.Batch {
	batch := make(repr.Batch, 0, len(rows))
	for i, r := range rows {
		d := repr.Diff(1)
		if diffs != nil {
			d = diffs[i]
		}
		batch = append(batch, repr.Update{Row: r, Time: t, Diff: d})
	}
	out, err := op.OnBatch(input, batch)
	Expect(err).NotTo(HaveOccurred())
	return out
}

func closeTo(op Operator, f repr.Timestamp) repr.Batch {
	out, err := op.OnFrontier(f)
	Expect(err).NotTo(HaveOccurred())
	return out
}

// panicExpr blows up on evaluation, standing in for an expression bug.
type panicExpr struct{}

func (panicExpr) Eval(repr.Row) repr.Datum { panic("boom") }
func (panicExpr) String() string           { return "panic()" }

var _ = Describe("linearOp", func() {
	row := func(name string, age int64) repr.Row {
		return repr.Row{repr.String(name), repr.Int64(age)}
	}

	newLinear := func(stages ...LinearStage) Operator {
		op, err := NewOperator(&Spec{Kind: KindLinear, Linear: &LinearSpec{Stages: stages}}, 0)
		Expect(err).NotTo(HaveOccurred())
		return op
	}

	It("filters rows by predicate", func() {
		adult := expr.NewCall(expr.FuncGe, expr.NewColumn(1), expr.NewLiteral(repr.Int64(18)))
		op := newLinear(LinearStage{Filter: adult})
		out := feed(op, 0, 1, []repr.Row{row("kid", 12), row("adult", 30)}, nil)
		Expect(out).To(HaveLen(1))
		Expect(out[0].Row).To(Equal(row("adult", 30)))
	})

	It("maps rows through scalar expressions", func() {
		double := expr.NewCall(expr.FuncMul, expr.NewColumn(1), expr.NewLiteral(repr.Int64(2)))
		op := newLinear(LinearStage{Map: []expr.Expr{expr.NewColumn(0), double}})
		out := feed(op, 0, 1, []repr.Row{row("a", 21)}, nil)
		Expect(out).To(Equal(repr.Batch{{Row: row("a", 42), Time: 1, Diff: 1}}))
	})

	It("negates multiplicities", func() {
		op := newLinear(LinearStage{Negate: true})
		out := feed(op, 0, 1, []repr.Row{row("a", 1)}, []repr.Diff{2})
		Expect(out[0].Diff).To(Equal(repr.Diff(-2)))
	})

	It("applies fused stages in order", func() {
		adult := expr.NewCall(expr.FuncGe, expr.NewColumn(1), expr.NewLiteral(repr.Int64(18)))
		op := newLinear(
			LinearStage{Filter: adult},
			LinearStage{Map: []expr.Expr{expr.NewColumn(1)}},
		)
		out := feed(op, 0, 1, []repr.Row{row("kid", 2), row("adult", 30)}, nil)
		Expect(out).To(Equal(repr.Batch{{Row: repr.Row{repr.Int64(30)}, Time: 1, Diff: 1}}))
	})

	It("poisons rows whose predicate errors instead of dropping them", func() {
		div := expr.NewCall(expr.FuncDiv, expr.NewLiteral(repr.Int64(1)), expr.NewColumn(1))
		pred := expr.NewCall(expr.FuncGt, div, expr.NewLiteral(repr.Int64(0)))
		op := newLinear(LinearStage{Filter: pred})
		out := feed(op, 0, 1, []repr.Row{row("zero", 0)}, nil)
		Expect(out).To(HaveLen(1))
		Expect(out[0].Row.HasError()).To(BeTrue())
	})

	It("converts evaluation panics into error rows", func() {
		op := newLinear(LinearStage{Map: []expr.Expr{panicExpr{}}})
		out := feed(op, 0, 1, []repr.Row{row("a", 1)}, nil)
		Expect(out).To(HaveLen(1))
		Expect(out[0].Row.HasError()).To(BeTrue())
	})
})

var _ = Describe("joinOp", func() {
	user := func(id int64, name string) repr.Row {
		return repr.Row{repr.Int64(id), repr.String(name)}
	}
	order := func(id, amount int64) repr.Row {
		return repr.Row{repr.Int64(id), repr.Int64(amount)}
	}

	newJoin := func() Operator {
		return newJoinOp(&Spec{Kind: KindJoin,
			Join: &JoinSpec{LeftKeys: []int{0}, RightKeys: []int{0}}})
	}

	It("buffers input until the frontier closes its timestamp", func() {
		op := newJoin()
		Expect(feed(op, 0, 5, []repr.Row{user(1, "alice")}, nil)).To(BeEmpty())
		Expect(feed(op, 1, 5, []repr.Row{order(1, 10)}, nil)).To(BeEmpty())
		Expect(closeTo(op, 5)).To(BeEmpty())

		out := closeTo(op, 6)
		Expect(out).To(Equal(repr.Batch{
			{Row: user(1, "alice").Concat(order(1, 10)), Time: 5, Diff: 1},
		}))
	})

	It("matches across timestamps in both directions", func() {
		op := newJoin()
		feed(op, 0, 1, []repr.Row{user(1, "alice")}, nil)
		closeTo(op, 2)
		feed(op, 1, 2, []repr.Row{order(1, 10)}, nil)
		out := closeTo(op, 3)
		Expect(accumulate(out).Multiplicity(user(1, "alice").Concat(order(1, 10)))).
			To(Equal(repr.Diff(1)))

		// And the mirror: a later left row finds the earlier right row.
		feed(op, 0, 3, []repr.Row{user(1, "ally")}, nil)
		out = closeTo(op, 4)
		Expect(accumulate(out).Multiplicity(user(1, "ally").Concat(order(1, 10)))).
			To(Equal(repr.Diff(1)))
	})

	It("emits each match exactly once when both sides arrive at one timestamp", func() {
		op := newJoin()
		feed(op, 0, 1, []repr.Row{user(1, "alice")}, nil)
		feed(op, 1, 1, []repr.Row{order(1, 10), order(1, 20)}, nil)
		out := closeTo(op, 2)
		acc := accumulate(out)
		Expect(acc.Multiplicity(user(1, "alice").Concat(order(1, 10)))).To(Equal(repr.Diff(1)))
		Expect(acc.Multiplicity(user(1, "alice").Concat(order(1, 20)))).To(Equal(repr.Diff(1)))
		Expect(acc.UniqueCount()).To(Equal(2))
	})

	It("retracts joined rows when an input retracts", func() {
		op := newJoin()
		feed(op, 0, 1, []repr.Row{user(1, "alice")}, nil)
		feed(op, 1, 1, []repr.Row{order(1, 10)}, nil)
		closeTo(op, 2)

		feed(op, 0, 2, []repr.Row{user(1, "alice")}, []repr.Diff{-1})
		out := closeTo(op, 3)
		Expect(out).To(Equal(repr.Batch{
			{Row: user(1, "alice").Concat(order(1, 10)), Time: 2, Diff: -1},
		}))
	})

	It("multiplies multiplicities", func() {
		op := newJoin()
		feed(op, 0, 1, []repr.Row{user(1, "alice")}, []repr.Diff{2})
		feed(op, 1, 1, []repr.Row{order(1, 10)}, []repr.Diff{3})
		out := closeTo(op, 2)
		Expect(accumulate(out).Multiplicity(user(1, "alice").Concat(order(1, 10)))).
			To(Equal(repr.Diff(6)))
	})

	It("accounts for buffered and accumulated state", func() {
		op := newJoin()
		Expect(op.StateSize()).To(Equal(0))
		feed(op, 0, 1, []repr.Row{user(1, "alice")}, nil)
		Expect(op.StateSize()).To(Equal(1))
		closeTo(op, 2)
		Expect(op.StateSize()).To(Equal(1))
	})
})

var _ = Describe("reduceOp", func() {
	orders := repr.RelationType{Columns: []repr.ColumnType{
		{Name: "customer", Type: repr.TypeString},
		{Name: "amount", Type: repr.TypeInt64},
	}}
	row := func(name string, amount int64) repr.Row {
		return repr.Row{repr.String(name), repr.Int64(amount)}
	}
	newReduce := func(aggs ...plan.Aggregate) Operator {
		op, err := NewOperator(&Spec{Kind: KindReduce,
			Reduce: &ReduceSpec{GroupKey: []int{0}, Aggregates: aggs, InputTyp: orders}}, 0)
		Expect(err).NotTo(HaveOccurred())
		return op
	}

	It("rejects aggregates over out-of-range columns", func() {
		_, err := NewOperator(&Spec{Kind: KindReduce,
			Reduce: &ReduceSpec{Aggregates: []plan.Aggregate{{Func: plan.AggSum, Col: 9}},
				InputTyp: orders}}, 0)
		Expect(err).To(HaveOccurred())
	})

	It("sums and counts incrementally with retract/insert pairs", func() {
		op := newReduce(plan.Aggregate{Func: plan.AggSum, Col: 1}, plan.Aggregate{Func: plan.AggCount})
		feed(op, 0, 1, []repr.Row{row("alice", 10), row("alice", 5), row("bob", 7)}, nil)
		out := closeTo(op, 2)
		acc := accumulate(out)
		Expect(acc.Multiplicity(repr.Row{repr.String("alice"), repr.Int64(15), repr.Int64(2)})).
			To(Equal(repr.Diff(1)))
		Expect(acc.Multiplicity(repr.Row{repr.String("bob"), repr.Int64(7), repr.Int64(1)})).
			To(Equal(repr.Diff(1)))

		feed(op, 0, 2, []repr.Row{row("alice", 10)}, []repr.Diff{-1})
		out = closeTo(op, 3)
		Expect(out).To(ConsistOf(
			repr.Update{Row: repr.Row{repr.String("alice"), repr.Int64(15), repr.Int64(2)}, Time: 2, Diff: -1},
			repr.Update{Row: repr.Row{repr.String("alice"), repr.Int64(5), repr.Int64(1)}, Time: 2, Diff: 1},
		))
	})

	It("retracts a group's aggregate when the group empties", func() {
		op := newReduce(plan.Aggregate{Func: plan.AggCount})
		feed(op, 0, 1, []repr.Row{row("alice", 10)}, nil)
		closeTo(op, 2)
		feed(op, 0, 2, []repr.Row{row("alice", 10)}, []repr.Diff{-1})
		out := closeTo(op, 3)
		Expect(out).To(Equal(repr.Batch{
			{Row: repr.Row{repr.String("alice"), repr.Int64(1)}, Time: 2, Diff: -1},
		}))
	})

	It("cancels an early retraction against a later insertion", func() {
		// A retraction arriving before its insertion must not resurrect
		// the aggregate when the insertion balances it out.
		op := newReduce(plan.Aggregate{Func: plan.AggCount})
		feed(op, 0, 1, []repr.Row{row("alice", 10)}, []repr.Diff{-1})
		Expect(closeTo(op, 2)).To(BeEmpty())
		feed(op, 0, 2, []repr.Row{row("alice", 10)}, nil)
		Expect(closeTo(op, 3)).To(BeEmpty())
	})

	It("falls back to the runner-up on extremum retraction", func() {
		op := newReduce(plan.Aggregate{Func: plan.AggMin, Col: 1}, plan.Aggregate{Func: plan.AggMax, Col: 1})
		feed(op, 0, 1, []repr.Row{row("alice", 3), row("alice", 8)}, nil)
		out := closeTo(op, 2)
		Expect(accumulate(out).Multiplicity(repr.Row{repr.String("alice"), repr.Int64(3), repr.Int64(8)})).
			To(Equal(repr.Diff(1)))

		feed(op, 0, 2, []repr.Row{row("alice", 3)}, []repr.Diff{-1})
		out = closeTo(op, 3)
		Expect(accumulate(out).Multiplicity(repr.Row{repr.String("alice"), repr.Int64(8), repr.Int64(8)})).
			To(Equal(repr.Diff(1)))
	})

	It("ignores nulls in sums", func() {
		op := newReduce(plan.Aggregate{Func: plan.AggSum, Col: 1})
		feed(op, 0, 1, []repr.Row{
			{repr.String("alice"), repr.Int64(4)},
			{repr.String("alice"), repr.Null()},
		}, nil)
		out := closeTo(op, 2)
		Expect(accumulate(out).Multiplicity(repr.Row{repr.String("alice"), repr.Int64(4)})).
			To(Equal(repr.Diff(1)))
	})

	It("surfaces error datums in aggregates", func() {
		op := newReduce(plan.Aggregate{Func: plan.AggSum, Col: 1})
		feed(op, 0, 1, []repr.Row{
			{repr.String("alice"), repr.ErrorDatum("division by zero")},
		}, nil)
		out := closeTo(op, 2)
		Expect(out).To(HaveLen(1))
		Expect(out[0].Row.HasError()).To(BeTrue())
	})

	It("recovers the numeric sum once the offending row is retracted", func() {
		op := newReduce(plan.Aggregate{Func: plan.AggSum, Col: 1})
		bad := repr.Row{repr.String("alice"), repr.ErrorDatum("division by zero")}
		feed(op, 0, 1, []repr.Row{
			{repr.String("alice"), repr.Int64(10)},
			bad,
		}, nil)
		acc := accumulate(closeTo(op, 2))
		Expect(acc.Entries()).To(HaveLen(1))
		Expect(acc.Entries()[0].Row.HasError()).To(BeTrue())

		feed(op, 0, 2, []repr.Row{bad}, []repr.Diff{-1})
		acc.AddMutate(accumulate(closeTo(op, 3)))
		Expect(acc.Multiplicity(repr.Row{repr.String("alice"), repr.Int64(10)})).
			To(Equal(repr.Diff(1)))
		Expect(acc.UniqueCount()).To(Equal(1))
	})
})

var _ = Describe("distinctOp", func() {
	row := repr.Row{repr.String("a")}
	newDistinct := func() Operator { return newDistinctOp(&Spec{Kind: KindDistinct}) }

	It("emits one insert however large the multiplicity grows", func() {
		op := newDistinct()
		feed(op, 0, 1, []repr.Row{row, row, row}, nil)
		out := closeTo(op, 2)
		Expect(out).To(Equal(repr.Batch{{Row: row, Time: 1, Diff: 1}}))

		feed(op, 0, 2, []repr.Row{row}, nil)
		Expect(closeTo(op, 3)).To(BeEmpty())
	})

	It("retracts only when the multiplicity drops to zero", func() {
		op := newDistinct()
		feed(op, 0, 1, []repr.Row{row, row}, nil)
		closeTo(op, 2)
		feed(op, 0, 2, []repr.Row{row}, []repr.Diff{-1})
		Expect(closeTo(op, 3)).To(BeEmpty())
		feed(op, 0, 3, []repr.Row{row}, []repr.Diff{-1})
		Expect(closeTo(op, 4)).To(Equal(repr.Batch{{Row: row, Time: 3, Diff: -1}}))
	})

	It("keeps output multiplicities in {-1, 0, +1} per timestamp", func() {
		op := newDistinct()
		feed(op, 0, 1, []repr.Row{row}, []repr.Diff{7})
		out := closeTo(op, 2)
		Expect(out).To(HaveLen(1))
		Expect(out[0].Diff).To(Equal(repr.Diff(1)))
	})
})

var _ = Describe("topKOp", func() {
	score := func(name string, v int64) repr.Row {
		return repr.Row{repr.String("g"), repr.String(name), repr.Int64(v)}
	}
	newTopK := func(k int) Operator {
		return newTopKOp(&Spec{Kind: KindTopK,
			TopK: &TopKSpec{GroupKey: []int{0}, Order: []plan.ColumnOrder{{Col: 2, Desc: true}}, K: k}})
	}

	It("keeps the best K rows per group", func() {
		op := newTopK(2)
		feed(op, 0, 1, []repr.Row{score("a", 10), score("b", 30), score("c", 20)}, nil)
		out := closeTo(op, 2)
		acc := accumulate(out)
		Expect(acc.Contains(score("b", 30))).To(BeTrue())
		Expect(acc.Contains(score("c", 20))).To(BeTrue())
		Expect(acc.Contains(score("a", 10))).To(BeFalse())
	})

	It("promotes the runner-up when a top row retracts", func() {
		op := newTopK(1)
		feed(op, 0, 1, []repr.Row{score("a", 10), score("b", 30)}, nil)
		closeTo(op, 2)
		feed(op, 0, 2, []repr.Row{score("b", 30)}, []repr.Diff{-1})
		out := closeTo(op, 3)
		Expect(out).To(ConsistOf(
			repr.Update{Row: score("b", 30), Time: 2, Diff: -1},
			repr.Update{Row: score("a", 10), Time: 2, Diff: 1},
		))
	})

	It("counts multiplicities against the K budget", func() {
		op := newTopK(2)
		feed(op, 0, 1, []repr.Row{score("b", 30), score("b", 30), score("a", 10)}, nil)
		out := closeTo(op, 2)
		acc := accumulate(out)
		Expect(acc.Multiplicity(score("b", 30))).To(Equal(repr.Diff(2)))
		Expect(acc.Contains(score("a", 10))).To(BeFalse())
	})
})

var _ = Describe("arrangeOp", func() {
	row := repr.Row{repr.Int64(1)}

	It("accumulates updates and advances its arrangement frontier", func() {
		op, err := NewOperator(&Spec{Kind: KindArrange, Arrange: &ArrangeSpec{}}, 0)
		Expect(err).NotTo(HaveOccurred())

		out := feed(op, 0, 1, []repr.Row{row}, nil)
		Expect(out).To(HaveLen(1), "arrange passes updates through")
		closeTo(op, 2)

		Expect(op.Frontier()).To(Equal(repr.Timestamp(2)))
		snap, err := op.Arrangement().SnapshotAt(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(snap.Multiplicity(row)).To(Equal(repr.Diff(1)))
		Expect(op.StateSize()).To(BeNumerically(">", 0))
	})
})

var _ = Describe("operator frontiers", func() {
	It("never regress", func() {
		op, err := NewOperator(&Spec{Kind: KindSource, Source: &SourceSpec{Collection: "s"}}, 0)
		Expect(err).NotTo(HaveOccurred())
		closeTo(op, 5)
		closeTo(op, 3)
		Expect(op.Frontier()).To(Equal(repr.Timestamp(5)))
	})
})
