package coord

import (
	"context"

	"github.com/hsnlab/matflow/pkg/repr"
	"github.com/hsnlab/matflow/pkg/worker"
	"github.com/hsnlab/matflow/pkg/zset"
)

// peekWaiter parks a peek until its timestamp seals or the dataflow
// reaches a terminal state. The channel carries nil on readiness and the
// terminal error otherwise; capacity one so wakers never block.
type peekWaiter struct {
	ts repr.Timestamp
	ch chan error
}

// Peek returns the full contents of a dataflow's output as of ts: the
// accumulated multiset over all updates with time <= ts. It blocks until
// every worker's output frontier has passed ts; bound the wait with the
// context deadline. An expired context yields ErrDataflowNotReady, so a
// zero-timeout context makes Peek non-blocking.
func (c *Coordinator) Peek(ctx context.Context, name string, ts repr.Timestamp) (*zset.ZSet, error) {
	if err := c.waitSealed(ctx, name, ts); err != nil {
		return nil, err
	}
	return c.mergePeek(name, ts)
}

// PeekLatest peeks at the newest sealed timestamp, blocking until the
// dataflow has sealed at least one. It returns the snapshot and the
// timestamp it reflects.
func (c *Coordinator) PeekLatest(ctx context.Context, name string) (*zset.ZSet, repr.Timestamp, error) {
	if err := c.waitSealed(ctx, name, 0); err != nil {
		return nil, 0, err
	}
	var ts repr.Timestamp
	var err error
	if derr := c.do(ctx, func() {
		var e *entry
		if e, err = c.lookup(name); err != nil {
			return
		}
		ts = e.sealedTo - 1
	}); derr != nil {
		return nil, 0, derr
	}
	if err != nil {
		return nil, 0, err
	}
	snap, err := c.mergePeek(name, ts)
	return snap, ts, err
}

// waitSealed blocks until the dataflow's sealed frontier passes ts, the
// context expires, or the dataflow reaches a terminal state.
func (c *Coordinator) waitSealed(ctx context.Context, name string, ts repr.Timestamp) error {
	w := &peekWaiter{ts: ts, ch: make(chan error, 1)}
	var err error
	if derr := c.do(context.Background(), func() {
		var e *entry
		if e, err = c.lookup(name); err != nil {
			return
		}
		if e.state == StateFailed {
			err = NewDataflowFailedError(name, e.failure)
			return
		}
		if ts < e.sealedTo {
			w.ch <- nil
			return
		}
		e.waiters = append(e.waiters, w)
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}

	// Readiness beats an already-expired deadline.
	select {
	case werr := <-w.ch:
		return werr
	default:
	}
	select {
	case werr := <-w.ch:
		return werr
	case <-ctx.Done():
		return NewDataflowNotReadyError(name, uint64(ts))
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// mergePeek fans the read out to every worker and merges the disjoint key
// partitions into one result.
func (c *Coordinator) mergePeek(name string, ts repr.Timestamp) (*zset.ZSet, error) {
	resp := make(chan worker.PeekResult, len(c.workers))
	for _, w := range c.workers {
		w.Peek(name, ts, resp)
	}
	merged := zset.New()
	for range c.workers {
		select {
		case r := <-resp:
			if r.Err != nil {
				return nil, c.classifyReadError(name, r.Err)
			}
			merged.AddMutate(r.Rows)
		case <-c.ctx.Done():
			return nil, c.ctx.Err()
		}
	}
	return merged, nil
}

// classifyReadError maps a worker-side read failure on a name that has
// since left the catalog to the dropped error.
func (c *Coordinator) classifyReadError(name string, err error) error {
	classified := err
	_ = c.do(context.Background(), func() {
		if _, lerr := c.lookup(name); IsDataflowDropped(lerr) {
			classified = lerr
		}
	})
	return classified
}
