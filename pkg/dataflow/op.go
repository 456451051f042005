package dataflow

import (
	"fmt"
	"sort"

	"github.com/hsnlab/matflow/pkg/arrange"
	"github.com/hsnlab/matflow/pkg/repr"
	"github.com/hsnlab/matflow/pkg/zset"
)

// Operator is one physical operator instance on one worker. Each kind
// implements the same small capability contract: accept a batch on an
// input, react to input frontier advancement, and report its output
// frontier.
//
// Stateless operators emit straight from OnBatch. Stateful operators buffer
// input per timestamp and only emit from OnFrontier, in timestamp order:
// no output is produced for a time until every input has closed it.
type Operator interface {
	Spec() *Spec
	// OnBatch accepts a batch arriving on the given input and returns any
	// immediately emitted output.
	OnBatch(input int, batch repr.Batch) (repr.Batch, error)
	// OnFrontier signals that every input of this operator has closed all
	// times below f; it returns updates emitted for the newly closed
	// times, in timestamp order.
	OnFrontier(f repr.Timestamp) (repr.Batch, error)
	// Frontier returns the operator's output frontier.
	Frontier() repr.Timestamp
	// Arrangement returns the operator's arrangement, nil for stateless
	// operators.
	Arrangement() *arrange.Arrangement
	// StateSize returns the number of retained state entries, used for
	// resource-exhaustion accounting.
	StateSize() int
}

// NewOperator instantiates the physical operator for a spec. The retention
// lag configures how much closed history output arrangements keep for
// subscription restarts.
func NewOperator(spec *Spec, retention repr.Timestamp) (Operator, error) {
	switch spec.Kind {
	case KindSource:
		return &sourceOp{baseOp: baseOp{spec: spec}}, nil
	case KindLinear:
		return &linearOp{baseOp: baseOp{spec: spec}}, nil
	case KindUnion:
		return &unionOp{baseOp: baseOp{spec: spec}}, nil
	case KindJoin:
		return newJoinOp(spec), nil
	case KindReduce:
		return newReduceOp(spec)
	case KindDistinct:
		return newDistinctOp(spec), nil
	case KindTopK:
		return newTopKOp(spec), nil
	case KindArrange:
		var keyOf arrange.KeyFunc
		if spec.Arrange != nil && spec.Arrange.KeyCols != nil {
			keyOf = arrange.ColumnsKey(spec.Arrange.KeyCols)
		}
		arr := arrange.New(keyOf)
		arr.SetRetention(retention)
		return &arrangeOp{baseOp: baseOp{spec: spec}, arr: arr}, nil
	case KindSink:
		return &sinkOp{baseOp: baseOp{spec: spec}}, nil
	}
	return nil, fmt.Errorf("no operator implementation for kind %s", spec.Kind)
}

// baseOp carries the spec and output frontier shared by all kinds.
type baseOp struct {
	spec     *Spec
	frontier arrange.Frontier
}

func (op *baseOp) Spec() *Spec                        { return op.spec }
func (op *baseOp) Frontier() repr.Timestamp           { return op.frontier.Get() }
func (op *baseOp) Arrangement() *arrange.Arrangement  { return nil }
func (op *baseOp) StateSize() int                     { return 0 }
func (op *baseOp) advance(f repr.Timestamp)           { op.frontier.Advance(f) }

// pendingTimes buffers per-timestamp Z-set deltas for stateful operators
// until the input frontier closes them.
type pendingTimes struct {
	at map[repr.Timestamp]*zset.ZSet
}

func newPendingTimes() *pendingTimes {
	return &pendingTimes{at: make(map[repr.Timestamp]*zset.ZSet)}
}

func (p *pendingTimes) add(u repr.Update) {
	z, ok := p.at[u.Time]
	if !ok {
		z = zset.New()
		p.at[u.Time] = z
	}
	z.AddRowMutate(u.Row, u.Diff)
}

// drain removes and returns all buffered times below f, ascending.
func (p *pendingTimes) drain(f repr.Timestamp) []repr.Timestamp {
	var times []repr.Timestamp
	for t := range p.at {
		if t < f {
			times = append(times, t)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times
}

func (p *pendingTimes) take(t repr.Timestamp) *zset.ZSet {
	z := p.at[t]
	delete(p.at, t)
	if z == nil {
		z = zset.New()
	}
	return z
}

func (p *pendingTimes) size() int {
	n := 0
	for _, z := range p.at {
		n += z.UniqueCount()
	}
	return n
}

// sourceOp ingests coordinator-fed batches for one upstream collection and
// passes them through unchanged.
type sourceOp struct {
	baseOp
}

func (op *sourceOp) OnBatch(_ int, batch repr.Batch) (repr.Batch, error) {
	return batch, nil
}

func (op *sourceOp) OnFrontier(f repr.Timestamp) (repr.Batch, error) {
	op.advance(f)
	return nil, nil
}

// linearOp applies a fused chain of stateless stages (filter, map, negate)
// to every update. Row-level evaluation failures, including panics inside
// expression evaluation, become error rows that stay in the stream instead
// of crashing the worker.
type linearOp struct {
	baseOp
}

func (op *linearOp) OnBatch(_ int, batch repr.Batch) (repr.Batch, error) {
	out := make(repr.Batch, 0, len(batch))
	for _, u := range batch {
		rows, diff := op.applyStages(u.Row, u.Diff)
		for _, r := range rows {
			out = append(out, repr.Update{Row: r, Time: u.Time, Diff: diff})
		}
	}
	return out, nil
}

func (op *linearOp) applyStages(row repr.Row, diff repr.Diff) (rows []repr.Row, outDiff repr.Diff) {
	defer func() {
		if r := recover(); r != nil {
			rows = []repr.Row{errorRow(len(row), fmt.Sprintf("evaluation panic: %v", r))}
			outDiff = diff
		}
	}()

	outDiff = diff
	for _, stage := range op.spec.Linear.Stages {
		if stage.Filter != nil {
			d := stage.Filter.Eval(row)
			if d.IsError() {
				// Predicate errors are query-visible: poison the row.
				return []repr.Row{errorRow(len(row), d.ErrorMsg())}, outDiff
			}
			if d.Kind() != repr.KindBool || !d.Bool() {
				return nil, outDiff
			}
		}
		if stage.Map != nil {
			mapped := make(repr.Row, len(stage.Map))
			for i, e := range stage.Map {
				mapped[i] = e.Eval(row)
			}
			row = mapped
		}
		if stage.Negate {
			outDiff = -outDiff
		}
	}
	return []repr.Row{row}, outDiff
}

func (op *linearOp) OnFrontier(f repr.Timestamp) (repr.Batch, error) {
	op.advance(f)
	return nil, nil
}

func errorRow(arity int, msg string) repr.Row {
	row := make(repr.Row, arity)
	for i := range row {
		row[i] = repr.ErrorDatum(msg)
	}
	return row
}

// unionOp merges its inputs by multiplicity addition; structurally it is a
// pass-through, the worker's frontier tracking provides the min over
// inputs.
type unionOp struct {
	baseOp
}

func (op *unionOp) OnBatch(_ int, batch repr.Batch) (repr.Batch, error) {
	return batch, nil
}

func (op *unionOp) OnFrontier(f repr.Timestamp) (repr.Batch, error) {
	op.advance(f)
	return nil, nil
}

// arrangeOp maintains the dataflow's output arrangement: it accumulates
// every update it sees and compacts as its frontier advances, while passing
// updates through for any downstream sink.
type arrangeOp struct {
	baseOp
	arr *arrange.Arrangement
}

func (op *arrangeOp) OnBatch(_ int, batch repr.Batch) (repr.Batch, error) {
	op.arr.Apply(batch)
	return batch, nil
}

func (op *arrangeOp) OnFrontier(f repr.Timestamp) (repr.Batch, error) {
	op.advance(f)
	op.arr.AdvanceFrontier(f)
	return nil, nil
}

func (op *arrangeOp) Arrangement() *arrange.Arrangement { return op.arr }
func (op *arrangeOp) StateSize() int                    { return op.arr.EntryCount() }

// sinkOp terminates a sink dataflow; batches pass through to the worker's
// output tap, where the coordinator seals them in frontier order for the
// sink adapter.
type sinkOp struct {
	baseOp
}

func (op *sinkOp) OnBatch(_ int, batch repr.Batch) (repr.Batch, error) {
	return batch, nil
}

func (op *sinkOp) OnFrontier(f repr.Timestamp) (repr.Batch, error) {
	op.advance(f)
	return nil, nil
}
