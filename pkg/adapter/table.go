package adapter

import (
	"context"
	"sync"

	"github.com/hsnlab/matflow/pkg/repr"
)

// TableSource is an in-memory source fed by explicit inserts, the engine's
// equivalent of a writable table. Used by tests and the demo binary.
type TableSource struct {
	mu     sync.Mutex
	queue  []Record
	offset uint64
}

var _ Source = &TableSource{}

// NewTableSource creates an empty table source.
func NewTableSource() *TableSource { return &TableSource{} }

// Insert queues rows with the given diffs for the next pull.
func (s *TableSource) Insert(rows []repr.Row, diffs []repr.Diff) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range rows {
		d := repr.Diff(1)
		if diffs != nil {
			d = diffs[i]
		}
		s.offset++
		s.queue = append(s.queue, Record{Row: r, Diff: d})
	}
}

// Pull drains all queued records.
func (s *TableSource) Pull(context.Context) ([]Record, Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.queue
	s.queue = nil
	return out, Progress{Offset: s.offset}, nil
}

// ChannelSink delivers sealed batches to a Go channel. Push blocks while
// the channel is full, which is exactly the condition the engine's
// backpressure timeout guards against.
type ChannelSink struct {
	ch chan repr.Batch
}

var _ Sink = &ChannelSink{}

// NewChannelSink creates a sink with the given buffer capacity.
func NewChannelSink(capacity int) *ChannelSink {
	return &ChannelSink{ch: make(chan repr.Batch, capacity)}
}

// C returns the channel batches arrive on.
func (s *ChannelSink) C() <-chan repr.Batch { return s.ch }

// Push delivers one sealed batch, honoring the context deadline.
func (s *ChannelSink) Push(ctx context.Context, batch repr.Batch) error {
	select {
	case s.ch <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
