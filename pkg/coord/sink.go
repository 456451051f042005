package coord

import (
	"context"
	"errors"
	"fmt"

	"github.com/hsnlab/matflow/pkg/adapter"
	"github.com/hsnlab/matflow/pkg/repr"
)

// Sinks are fed off the coordinator loop by a runner goroutine per sink
// entry. The loop hands sealed batches over through a bounded channel; a
// full channel means the adapter has fallen hopelessly behind, which fails
// the sink dataflow rather than blocking the sequencer.

const sinkRunnerBuffer = 64

// startSinkRunner launches the runner for a sink entry. Loop only.
func (c *Coordinator) startSinkRunner(e *entry) {
	e.sinkCh = make(chan repr.Batch, sinkRunnerBuffer)
	go c.runSink(e.name, e.sink, e.sinkCh)
}

// stopSinkRunner is idempotent. Loop only.
func (e *entry) stopSinkRunner() {
	if e.sinkCh != nil {
		close(e.sinkCh)
		e.sinkCh = nil
	}
}

// pushSink hands a sealed batch to the runner without blocking. Loop only.
func (c *Coordinator) pushSink(e *entry, batch repr.Batch) {
	select {
	case e.sinkCh <- batch:
	default:
		c.failEntry(e, NewSinkBackpressureTimeoutError(e.name))
	}
}

func (c *Coordinator) runSink(name string, sink adapter.Sink, ch <-chan repr.Batch) {
	for batch := range ch {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.sinkPushTimeout())
		err := sink.Push(ctx, batch)
		cancel()
		if err == nil {
			continue
		}
		if errors.Is(err, context.DeadlineExceeded) {
			err = NewSinkBackpressureTimeoutError(name)
		} else {
			err = fmt.Errorf("sink %q push failed: %w", name, err)
		}
		failure := err
		_ = c.do(context.Background(), func() {
			if e, ok := c.catalog[name]; ok {
				c.failEntry(e, failure)
			}
		})
		return
	}
}
