package dataflow

import (
	"fmt"

	"github.com/hsnlab/matflow/pkg/plan"
	"github.com/hsnlab/matflow/pkg/repr"
	"github.com/hsnlab/matflow/pkg/zset"
)

// reduceGroup is the retained state of one group: the accumulated multiset
// of input rows plus running totals for the linear aggregates. Min/max keep
// the whole multiset retained so that retracting the current extremum can
// fall back to the next value.
type reduceGroup struct {
	key  repr.Row
	rows *zset.ZSet

	count    repr.Diff
	sumInt   []int64
	sumFloat []float64
	errCount []repr.Diff
	errMsg   []string
}

// reduceOp is a keyed incremental aggregation: per closed timestamp it
// folds the input delta into per-group state, recomputes the aggregate row
// of every touched group, and emits the retraction/insertion pair that
// moves the output from the old aggregate to the new one.
type reduceOp struct {
	baseOp
	pending *pendingTimes
	groups  map[string]*reduceGroup
	prevOut map[string]repr.Row
}

func newReduceOp(spec *Spec) (Operator, error) {
	for _, agg := range spec.Reduce.Aggregates {
		if agg.Func != plan.AggCount {
			if agg.Col < 0 || agg.Col >= spec.Reduce.InputTyp.Arity() {
				return nil, fmt.Errorf("aggregate column %d out of range for arity %d",
					agg.Col, spec.Reduce.InputTyp.Arity())
			}
		}
	}
	return &reduceOp{
		baseOp:  baseOp{spec: spec},
		pending: newPendingTimes(),
		groups:  make(map[string]*reduceGroup),
		prevOut: make(map[string]repr.Row),
	}, nil
}

func (op *reduceOp) OnBatch(_ int, batch repr.Batch) (repr.Batch, error) {
	for _, u := range batch {
		op.pending.add(u)
	}
	return nil, nil
}

func (op *reduceOp) OnFrontier(f repr.Timestamp) (repr.Batch, error) {
	var out repr.Batch

	for _, t := range op.pending.drain(f) {
		delta := op.pending.take(t)

		touched := map[string]bool{}
		delta.Each(func(row repr.Row, count repr.Diff) {
			gk := row.Project(op.spec.Reduce.GroupKey)
			ck := gk.Key()
			g, ok := op.groups[ck]
			if !ok {
				g = op.newGroup(gk)
				op.groups[ck] = g
			}
			op.fold(g, row, count)
			touched[ck] = true
		})

		for ck := range touched {
			g := op.groups[ck]
			prev, had := op.prevOut[ck]

			if g.rows.IsZero() || g.count <= 0 {
				// Group has no (positive) rows: retract its aggregate.
				// Keep the state around while diffs are merely
				// out of balance, drop it once fully cancelled.
				if had {
					out = append(out, repr.Update{Row: prev, Time: t, Diff: -1})
					delete(op.prevOut, ck)
				}
				if g.rows.IsZero() {
					delete(op.groups, ck)
				}
				continue
			}

			next := op.aggregateRow(g)
			if had && next.Equal(prev) {
				continue
			}
			if had {
				out = append(out, repr.Update{Row: prev, Time: t, Diff: -1})
			}
			out = append(out, repr.Update{Row: next, Time: t, Diff: 1})
			op.prevOut[ck] = next
		}
	}

	op.advance(f)
	return out, nil
}

func (op *reduceOp) newGroup(key repr.Row) *reduceGroup {
	n := len(op.spec.Reduce.Aggregates)
	return &reduceGroup{
		key:      key,
		rows:     zset.New(),
		sumInt:   make([]int64, n),
		sumFloat: make([]float64, n),
		errCount: make([]repr.Diff, n),
		errMsg:   make([]string, n),
	}
}

// fold updates running totals with one (row, count) delta. Count and sum
// are maintained incrementally; min/max rely on the retained multiset.
func (op *reduceOp) fold(g *reduceGroup, row repr.Row, count repr.Diff) {
	g.rows.AddRowMutate(row, count)
	g.count += count

	for i, agg := range op.spec.Reduce.Aggregates {
		if agg.Func != plan.AggSum {
			continue
		}
		d := row[agg.Col]
		switch d.Kind() {
		case repr.KindInt64:
			g.sumInt[i] += d.Int64() * int64(count)
		case repr.KindFloat64:
			g.sumFloat[i] += d.Float64() * float64(count)
		case repr.KindNull:
			// SQL sums ignore nulls.
		case repr.KindError:
			foldErr(g, i, count, d.ErrorMsg())
		default:
			foldErr(g, i, count, fmt.Sprintf("sum over %s column", d.Kind()))
		}
	}
}

// foldErr tracks the net multiplicity of unsummable rows per aggregate. The
// sum poisons only while such rows remain in the group, so retracting the
// offending row restores the numeric aggregate.
func foldErr(g *reduceGroup, i int, count repr.Diff, msg string) {
	g.errCount[i] += count
	if g.errCount[i] > 0 {
		g.errMsg[i] = msg
	} else {
		g.errMsg[i] = ""
	}
}

// aggregateRow renders the current aggregate row of a group: key columns
// followed by one datum per aggregate.
func (op *reduceOp) aggregateRow(g *reduceGroup) repr.Row {
	spec := op.spec.Reduce
	out := make(repr.Row, 0, len(g.key)+len(spec.Aggregates))
	out = append(out, g.key...)

	for i, agg := range spec.Aggregates {
		switch agg.Func {
		case plan.AggCount:
			out = append(out, repr.Int64(int64(g.count)))
		case plan.AggSum:
			out = append(out, op.sumDatum(g, i, agg.Col))
		case plan.AggMin:
			out = append(out, extremum(g.rows, agg.Col, true))
		case plan.AggMax:
			out = append(out, extremum(g.rows, agg.Col, false))
		}
	}
	return out
}

func (op *reduceOp) sumDatum(g *reduceGroup, i, col int) repr.Datum {
	if g.errCount[i] > 0 {
		return repr.ErrorDatum(g.errMsg[i])
	}
	if op.spec.Reduce.InputTyp.Columns[col].Type == repr.TypeFloat64 {
		return repr.Float64(g.sumFloat[i])
	}
	return repr.Int64(g.sumInt[i])
}

// extremum scans the retained multiset for the smallest or largest datum in
// the given column, so retracting the current extremum naturally falls back
// to the runner-up.
func extremum(rows *zset.ZSet, col int, min bool) repr.Datum {
	best := repr.Null()
	found := false
	rows.Each(func(row repr.Row, count repr.Diff) {
		if count <= 0 || row[col].IsNull() {
			return
		}
		if !found {
			best = row[col]
			found = true
			return
		}
		c := row[col].Compare(best)
		if (min && c < 0) || (!min && c > 0) {
			best = row[col]
		}
	})
	return best
}

func (op *reduceOp) StateSize() int {
	n := op.pending.size()
	for _, g := range op.groups {
		n += g.rows.UniqueCount() + 1
	}
	return n
}
