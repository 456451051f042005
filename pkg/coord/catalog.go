package coord

import (
	"time"

	"github.com/google/uuid"
	"github.com/grokify/mogo/encoding/base36"

	"github.com/hsnlab/matflow/pkg/adapter"
	"github.com/hsnlab/matflow/pkg/arrange"
	"github.com/hsnlab/matflow/pkg/dataflow"
	"github.com/hsnlab/matflow/pkg/plan"
	"github.com/hsnlab/matflow/pkg/repr"
)

// EntryKind classifies catalog entries.
type EntryKind int

const (
	EntrySource EntryKind = iota
	EntryView
	EntryIndex
	EntrySink
)

func (k EntryKind) String() string {
	switch k {
	case EntrySource:
		return "source"
	case EntryView:
		return "view"
	case EntryIndex:
		return "index"
	case EntrySink:
		return "sink"
	}
	return "unknown"
}

// State is the lifecycle state of a catalog entry. Entries start Pending
// while their dataflow installs, run until dropped, and entries that hit an
// unrecoverable fault park in Failed until dropped.
type State int

const (
	StatePending State = iota
	StateRunning
	StateFailed
	StateDropped
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateDropped:
		return "dropped"
	}
	return "unknown"
}

// entry is one catalog object and its runtime bookkeeping. All fields are
// owned by the coordinator loop.
type entry struct {
	name    string
	id      string
	trace   string
	kind    EntryKind
	state   State
	created time.Time
	graph   *dataflow.Graph
	plan    plan.Node
	failure error

	// upstreams and dependents track the collection dependency graph: a
	// view's scans are its upstreams, and an entry cannot be dropped while
	// dependents remain.
	upstreams  []string
	dependents map[string]bool

	// outFrontiers tracks the output frontier reported by every worker's
	// shard; their minimum drives sealing.
	outFrontiers *arrange.PeerFrontier
	// sealedTo is the sealing frontier: all output times below it are
	// final and have been published downstream.
	sealedTo repr.Timestamp
	// pendingOut buffers per-timestamp output updates reported by workers
	// until sealing.
	pendingOut map[repr.Timestamp]repr.Batch
	// history retains sealed output for dependent catch-up and
	// subscription restarts, compacted under the configured retention lag.
	history *arrange.Arrangement

	// inFrontier is the coordinator-side write frontier of a source entry.
	inFrontier repr.Timestamp

	source adapter.Source
	sink   adapter.Sink
	sinkCh chan repr.Batch

	subs    map[int]*Subscription
	nextSub int
	waiters []*peekWaiter
}

// wakeReadyWaiters releases parked peeks whose timestamp is now sealed.
// Loop only.
func (e *entry) wakeReadyWaiters() {
	var kept []*peekWaiter
	for _, w := range e.waiters {
		if w.ts < e.sealedTo {
			w.ch <- nil
			continue
		}
		kept = append(kept, w)
	}
	e.waiters = kept
}

// wakeWaiters releases every parked peek with the given terminal error.
// Loop only.
func (e *entry) wakeWaiters(err error) {
	for _, w := range e.waiters {
		w.ch <- err
	}
	e.waiters = nil
}

func newEntry(name string, kind EntryKind, workers int, retention repr.Timestamp) *entry {
	id := uuid.New().String()
	hist := arrange.New(nil)
	hist.SetRetention(retention)
	return &entry{
		name:         name,
		id:           id,
		trace:        base36.Md5Base36(name + "/" + id)[:8],
		kind:         kind,
		state:        StatePending,
		created:      time.Now(),
		dependents:   make(map[string]bool),
		outFrontiers: arrange.NewPeerFrontier(workers),
		pendingOut:   make(map[repr.Timestamp]repr.Batch),
		history:      hist,
		subs:         make(map[int]*Subscription),
	}
}

// EntrySnapshot is a serializable description of one catalog entry.
type EntrySnapshot struct {
	Name     string               `json:"name"`
	ID       string               `json:"id"`
	Kind     string               `json:"kind"`
	State    string               `json:"state"`
	Frontier uint64               `json:"frontier"`
	Created  time.Time            `json:"created"`
	Shape    []dataflow.NodeShape `json:"shape,omitempty"`
	Error    string               `json:"error,omitempty"`
}

func (e *entry) snapshot() EntrySnapshot {
	s := EntrySnapshot{
		Name:     e.name,
		ID:       e.id,
		Kind:     e.kind.String(),
		State:    e.state.String(),
		Frontier: uint64(e.sealedTo),
		Created:  e.created,
	}
	if e.graph != nil {
		s.Shape = e.graph.Shape()
	}
	if e.failure != nil {
		s.Error = e.failure.Error()
	}
	return s
}
