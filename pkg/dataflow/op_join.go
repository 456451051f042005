package dataflow

import (
	"sort"

	"github.com/hsnlab/matflow/pkg/repr"
	"github.com/hsnlab/matflow/pkg/zset"
)

// sideState is the accumulated input of one join side, indexed by join key.
type sideState struct {
	keyCols []int
	byKey   map[string]*zset.ZSet
	size    int
}

func newSideState(keyCols []int) *sideState {
	return &sideState{keyCols: keyCols, byKey: make(map[string]*zset.ZSet)}
}

func (s *sideState) key(row repr.Row) string {
	return row.Project(s.keyCols).Key()
}

func (s *sideState) add(z *zset.ZSet) {
	z.Each(func(row repr.Row, count repr.Diff) {
		k := s.key(row)
		rows, ok := s.byKey[k]
		if !ok {
			rows = zset.New()
			s.byKey[k] = rows
		}
		before := rows.UniqueCount()
		rows.AddRowMutate(row, count)
		s.size += rows.UniqueCount() - before
		if rows.IsZero() {
			delete(s.byKey, k)
		}
	})
}

func (s *sideState) lookup(key string) *zset.ZSet { return s.byKey[key] }

// joinOp is an incremental equijoin. Per closed timestamp t it computes the
// bilinear expansion in three terms,
//
//	out(t) = ΔL(t) ⋈ ΔR(t) + prevL ⋈ ΔR(t) + ΔL(t) ⋈ prevR,
//
// where prevL/prevR are the accumulated inputs strictly before t, then
// folds the deltas into the accumulated state. Because times are processed
// in order once the input frontier closes them, a match only ever appears
// at the first timestamp at which both sides hold the key.
type joinOp struct {
	baseOp
	prevLeft  *sideState
	prevRight *sideState
	pending   [2]*pendingTimes
}

func newJoinOp(spec *Spec) *joinOp {
	return &joinOp{
		baseOp:    baseOp{spec: spec},
		prevLeft:  newSideState(spec.Join.LeftKeys),
		prevRight: newSideState(spec.Join.RightKeys),
		pending:   [2]*pendingTimes{newPendingTimes(), newPendingTimes()},
	}
}

func (op *joinOp) OnBatch(input int, batch repr.Batch) (repr.Batch, error) {
	for _, u := range batch {
		op.pending[input].add(u)
	}
	return nil, nil
}

func (op *joinOp) OnFrontier(f repr.Timestamp) (repr.Batch, error) {
	var out repr.Batch

	// Pending times of both sides, merged and ascending.
	times := map[repr.Timestamp]bool{}
	for _, t := range op.pending[0].drain(f) {
		times[t] = true
	}
	for _, t := range op.pending[1].drain(f) {
		times[t] = true
	}
	for _, t := range sortedTimes(times) {
		deltaL := op.pending[0].take(t)
		deltaR := op.pending[1].take(t)

		// Term 1: ΔL ⋈ ΔR
		out = append(out, op.joinDelta(deltaL, deltaR, t)...)
		// Term 2: prevL ⋈ ΔR
		out = append(out, op.joinState(op.prevLeft, deltaR, op.prevRight.keyCols, false, t)...)
		// Term 3: ΔL ⋈ prevR
		out = append(out, op.joinState(op.prevRight, deltaL, op.prevLeft.keyCols, true, t)...)

		op.prevLeft.add(deltaL)
		op.prevRight.add(deltaR)
	}

	op.advance(f)
	return out, nil
}

// joinDelta joins the two per-timestamp deltas against each other.
func (op *joinOp) joinDelta(deltaL, deltaR *zset.ZSet, t repr.Timestamp) repr.Batch {
	var out repr.Batch
	right := newSideState(op.spec.Join.RightKeys)
	right.add(deltaR)
	deltaL.Each(func(rowL repr.Row, countL repr.Diff) {
		matches := right.lookup(op.prevLeft.key(rowL))
		if matches == nil {
			return
		}
		matches.Each(func(rowR repr.Row, countR repr.Diff) {
			out = append(out, repr.Update{Row: rowL.Concat(rowR), Time: t, Diff: countL * countR})
		})
	})
	return out
}

// joinState joins a delta against the accumulated state of the other side.
// When flip is set the delta belongs to the left side of the output schema.
func (op *joinOp) joinState(state *sideState, delta *zset.ZSet, deltaKeys []int, flip bool, t repr.Timestamp) repr.Batch {
	var out repr.Batch
	delta.Each(func(row repr.Row, count repr.Diff) {
		matches := state.lookup(row.Project(deltaKeys).Key())
		if matches == nil {
			return
		}
		matches.Each(func(other repr.Row, otherCount repr.Diff) {
			var joined repr.Row
			if flip {
				joined = row.Concat(other)
			} else {
				joined = other.Concat(row)
			}
			out = append(out, repr.Update{Row: joined, Time: t, Diff: count * otherCount})
		})
	})
	return out
}

func (op *joinOp) StateSize() int {
	return op.prevLeft.size + op.prevRight.size + op.pending[0].size() + op.pending[1].size()
}

func sortedTimes(set map[repr.Timestamp]bool) []repr.Timestamp {
	out := make([]repr.Timestamp, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
