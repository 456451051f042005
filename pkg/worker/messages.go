package worker

import (
	"github.com/hsnlab/matflow/pkg/dataflow"
	"github.com/hsnlab/matflow/pkg/repr"
	"github.com/hsnlab/matflow/pkg/zset"
)

// Internal mailbox messages. Workers never share memory: data batches,
// frontier notices and control commands all travel as messages, and a
// frontier barrier completes when an operator has received the notice from
// every peer worker it exchanges with.

type message interface{ isMessage() }

// dataMsg carries a batch to one input of one operator.
type dataMsg struct {
	df    string
	node  dataflow.NodeID
	input int
	from  int // producing worker, -1 for the coordinator
	batch repr.Batch
}

// frontierMsg is a (operator, new-frontier) notice from one peer worker's
// producer feeding the given input.
type frontierMsg struct {
	df       string
	node     dataflow.NodeID
	input    int
	from     int
	frontier repr.Timestamp
}

// installMsg instantiates a dataflow on the worker.
type installMsg struct {
	graph *dataflow.Graph
	done  chan error
}

// dropMsg tears a dataflow down; done is signalled once the worker has
// reclaimed the instance.
type dropMsg struct {
	df   string
	done chan int
}

// peekMsg reads the worker's partition of an output arrangement as of ts.
type peekMsg struct {
	df   string
	ts   repr.Timestamp
	resp chan PeekResult
}

func (dataMsg) isMessage()     {}
func (frontierMsg) isMessage() {}
func (installMsg) isMessage()  {}
func (dropMsg) isMessage()     {}
func (peekMsg) isMessage()     {}

// PeekResult is one worker's partition of a peek snapshot.
type PeekResult struct {
	Worker int
	Rows   *zset.ZSet
	Err    error
}

// Event is a worker-to-coordinator report.
type Event interface{ isEvent() }

// OutputEvent carries updates that reached a dataflow's output arrangement
// on one worker. The coordinator seals them once every worker's output
// frontier has passed their timestamps.
type OutputEvent struct {
	Dataflow string
	Worker   int
	Batch    repr.Batch
}

// FrontierEvent reports the output frontier of a dataflow on one worker.
type FrontierEvent struct {
	Dataflow string
	Worker   int
	Frontier repr.Timestamp
}

// FailureEvent reports an unrecoverable dataflow fault (resource
// exhaustion, operator bug) on one worker. The coordinator responds by
// tearing the dataflow down.
type FailureEvent struct {
	Dataflow string
	Worker   int
	Err      error
}

func (OutputEvent) isEvent()   {}
func (FrontierEvent) isEvent() {}
func (FailureEvent) isEvent()  {}
