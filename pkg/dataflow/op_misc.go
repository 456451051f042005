package dataflow

import (
	"sort"

	"github.com/hsnlab/matflow/pkg/repr"
	"github.com/hsnlab/matflow/pkg/zset"
)

// distinctOp converts its input to set semantics incrementally: it emits +1
// when a row's accumulated multiplicity turns positive and -1 when it drops
// back to zero or below, regardless of how large the multiplicity gets in
// between.
type distinctOp struct {
	baseOp
	pending *pendingTimes
	acc     *zset.ZSet
}

func newDistinctOp(spec *Spec) *distinctOp {
	return &distinctOp{
		baseOp:  baseOp{spec: spec},
		pending: newPendingTimes(),
		acc:     zset.New(),
	}
}

func (op *distinctOp) OnBatch(_ int, batch repr.Batch) (repr.Batch, error) {
	for _, u := range batch {
		op.pending.add(u)
	}
	return nil, nil
}

func (op *distinctOp) OnFrontier(f repr.Timestamp) (repr.Batch, error) {
	var out repr.Batch

	for _, t := range op.pending.drain(f) {
		delta := op.pending.take(t)
		delta.Each(func(row repr.Row, count repr.Diff) {
			before := op.acc.Multiplicity(row)
			after := before + count
			op.acc.AddRowMutate(row, count)

			switch {
			case before <= 0 && after > 0:
				out = append(out, repr.Update{Row: row, Time: t, Diff: 1})
			case before > 0 && after <= 0:
				out = append(out, repr.Update{Row: row, Time: t, Diff: -1})
			}
		})
	}

	op.advance(f)
	return out, nil
}

func (op *distinctOp) StateSize() int {
	return op.acc.UniqueCount() + op.pending.size()
}

// topKOp maintains, per group, the first K rows under the configured order.
// Per closed timestamp it folds the delta into the retained group multisets,
// recomputes the top-k Z-set of every touched group, and emits the
// difference against the previously emitted top-k.
type topKOp struct {
	baseOp
	pending *pendingTimes
	groups  map[string]*zset.ZSet
	prevTop map[string]*zset.ZSet
}

func newTopKOp(spec *Spec) *topKOp {
	return &topKOp{
		baseOp:  baseOp{spec: spec},
		pending: newPendingTimes(),
		groups:  make(map[string]*zset.ZSet),
		prevTop: make(map[string]*zset.ZSet),
	}
}

func (op *topKOp) OnBatch(_ int, batch repr.Batch) (repr.Batch, error) {
	for _, u := range batch {
		op.pending.add(u)
	}
	return nil, nil
}

func (op *topKOp) OnFrontier(f repr.Timestamp) (repr.Batch, error) {
	var out repr.Batch

	for _, t := range op.pending.drain(f) {
		delta := op.pending.take(t)

		touched := map[string]bool{}
		delta.Each(func(row repr.Row, count repr.Diff) {
			ck := row.Project(op.spec.TopK.GroupKey).Key()
			g, ok := op.groups[ck]
			if !ok {
				g = zset.New()
				op.groups[ck] = g
			}
			g.AddRowMutate(row, count)
			touched[ck] = true
		})

		for ck := range touched {
			g := op.groups[ck]
			next := op.topK(g)
			prev := op.prevTop[ck]

			// Emit the difference between the old and new top-k.
			if prev != nil {
				next.Subtract(prev).Each(func(row repr.Row, count repr.Diff) {
					out = append(out, repr.Update{Row: row, Time: t, Diff: count})
				})
			} else {
				next.Each(func(row repr.Row, count repr.Diff) {
					out = append(out, repr.Update{Row: row, Time: t, Diff: count})
				})
			}

			if g.IsZero() {
				delete(op.groups, ck)
			}
			if next.IsZero() {
				delete(op.prevTop, ck)
			} else {
				op.prevTop[ck] = next
			}
		}
	}

	op.advance(f)
	return out, nil
}

// topK computes the top-k Z-set of one group. Multiplicities count against
// the budget: a row retained twice occupies two of the K slots.
func (op *topKOp) topK(g *zset.ZSet) *zset.ZSet {
	entries := g.Entries()
	rows := entries[:0]
	for _, e := range entries {
		if e.Multiplicity > 0 {
			rows = append(rows, e)
		}
	}

	order := op.spec.TopK.Order
	sort.SliceStable(rows, func(i, j int) bool {
		for _, o := range order {
			c := rows[i].Row[o.Col].Compare(rows[j].Row[o.Col])
			if c != 0 {
				if o.Desc {
					return c > 0
				}
				return c < 0
			}
		}
		return rows[i].Row.Compare(rows[j].Row) < 0
	})

	result := zset.New()
	budget := repr.Diff(op.spec.TopK.K)
	for _, e := range rows {
		if budget <= 0 {
			break
		}
		take := e.Multiplicity
		if take > budget {
			take = budget
		}
		result.AddRowMutate(e.Row, take)
		budget -= take
	}
	return result
}

func (op *topKOp) StateSize() int {
	n := op.pending.size()
	for _, g := range op.groups {
		n += g.UniqueCount()
	}
	return n
}
