// Package adapter defines the boundary to external source and sink
// systems. Adapters trade in raw (row, diff) records; timestamps are
// assigned by the coordinator, never by the adapter.
package adapter

import (
	"context"

	"github.com/hsnlab/matflow/pkg/repr"
)

// Record is one (row, diff) change read from an external source. All
// records of one pull share the timestamp the coordinator assigns them, and
// updates within a timestamp are unordered, so adapters need not carry
// per-record sequence numbers; cross-pull progress lives in Progress.
type Record struct {
	Row  repr.Row
	Diff repr.Diff
}

// Progress reports how far the adapter has read its upstream. It is
// returned on every pull, even when no new data is available, so the
// coordinator can advance frontiers on idle sources.
type Progress struct {
	Offset uint64
}

// Source pulls change records from an external system. Transient upstream
// read errors are the adapter's business to retry with backoff; from the
// engine's point of view they only manifest as progress not advancing.
type Source interface {
	// Pull returns any available records and the current read progress.
	Pull(ctx context.Context) ([]Record, Progress, error)
}

// Sink consumes sealed (row, diff, timestamp) batches in frontier order.
// Push acknowledges consumption by returning; the engine buffers a bounded
// amount and fails the sink dataflow with a backpressure timeout rather
// than buffer without limit.
type Sink interface {
	Push(ctx context.Context, batch repr.Batch) error
}
