// Package worker implements the parallel execution layer. Each worker runs
// its own shard of every installed dataflow: exchange edges hash-partition
// updates by key so the worker owning a key holds all state for it, and
// frontier notices broadcast between workers let every shard learn when a
// timestamp is globally closed.
package worker

import (
	"fmt"

	"github.com/go-logr/logr"

	"github.com/hsnlab/matflow/pkg/arrange"
	"github.com/hsnlab/matflow/pkg/dataflow"
	"github.com/hsnlab/matflow/pkg/repr"
)

// CoordinatorPeer is the synthetic peer index used for coordinator-fed
// source inputs.
const CoordinatorPeer = 0

// instance is one worker's shard of an installed dataflow.
type instance struct {
	graph     *dataflow.Graph
	ops       []dataflow.Operator
	consumers map[dataflow.NodeID][][2]int
	// inFrontiers tracks, per node and input, the minimum frontier over the
	// peer workers producing into that input.
	inFrontiers [][]*arrange.PeerFrontier
	// closedTo caches the last effective input frontier handed to each
	// operator, so regressive or redundant notices are ignored.
	closedTo []repr.Timestamp
	failed   bool
}

// Worker executes dataflow shards cooperatively: a single goroutine drains
// the mailbox, so operator callbacks never race and need no locking beyond
// what arrangements provide for external peek reads.
type Worker struct {
	index   int
	total   int
	mbox    *mailbox
	peers   []*Worker
	events  chan<- Event
	log     logr.Logger
	flows   map[string]*instance
	maxSize int

	retention repr.Timestamp
	done      chan struct{}
}

// Config bundles worker tuning knobs.
type Config struct {
	// MaxStateEntries caps the per-worker state entry count of a single
	// dataflow; breaching it fails the dataflow. Zero disables the cap.
	MaxStateEntries int
	// RetentionLag is how many closed timestamps output arrangements retain
	// for subscription catch-up.
	RetentionLag repr.Timestamp
}

// New creates worker index out of total, reporting to events.
func New(index, total int, cfg Config, events chan<- Event, log logr.Logger) *Worker {
	return &Worker{
		index:     index,
		total:     total,
		mbox:      newMailbox(),
		events:    events,
		log:       log.WithName("worker").WithValues("worker", index),
		flows:     make(map[string]*instance),
		maxSize:   cfg.MaxStateEntries,
		retention: cfg.RetentionLag,
		done:      make(chan struct{}),
	}
}

// SetPeers wires the full worker set (including the receiver) for exchange
// routing. Must be called before Start.
func (w *Worker) SetPeers(peers []*Worker) { w.peers = peers }

// Start launches the worker loop.
func (w *Worker) Start() {
	go w.run()
}

// Stop shuts the worker down. Pending messages are discarded.
func (w *Worker) Stop() {
	w.mbox.close()
	<-w.done
}

// Install instantiates a dataflow shard; the returned channel reports
// completion.
func (w *Worker) Install(g *dataflow.Graph) chan error {
	done := make(chan error, 1)
	w.mbox.put(installMsg{graph: g, done: done})
	return done
}

// Drop tears a dataflow shard down.
func (w *Worker) Drop(df string) chan int {
	done := make(chan int, 1)
	w.mbox.put(dropMsg{df: df, done: done})
	return done
}

// FeedSource delivers coordinator-assigned updates to a source node.
func (w *Worker) FeedSource(df string, node dataflow.NodeID, batch repr.Batch) {
	w.mbox.put(dataMsg{df: df, node: node, input: 0, from: -1, batch: batch})
}

// CloseSource advances the coordinator-side frontier of a source node: all
// times below f are final for this source.
func (w *Worker) CloseSource(df string, node dataflow.NodeID, f repr.Timestamp) {
	w.mbox.put(frontierMsg{df: df, node: node, input: 0, from: CoordinatorPeer, frontier: f})
}

// Peek requests this worker's partition of the dataflow's output as of ts.
func (w *Worker) Peek(df string, ts repr.Timestamp, resp chan PeekResult) {
	w.mbox.put(peekMsg{df: df, ts: ts, resp: resp})
}

func (w *Worker) run() {
	defer close(w.done)
	for {
		msg, ok := w.mbox.take()
		if !ok {
			return
		}
		switch m := msg.(type) {
		case installMsg:
			m.done <- w.install(m.graph)
		case dropMsg:
			delete(w.flows, m.df)
			m.done <- w.index
		case dataMsg:
			w.onData(m)
		case frontierMsg:
			w.onFrontier(m)
		case peekMsg:
			w.onPeek(m)
		}
	}
}

func (w *Worker) install(g *dataflow.Graph) error {
	if _, ok := w.flows[g.Name]; ok {
		return fmt.Errorf("dataflow %q already installed on worker %d", g.Name, w.index)
	}
	inst := &instance{
		graph:       g,
		ops:         make([]dataflow.Operator, len(g.Nodes)),
		consumers:   g.Consumers(),
		inFrontiers: make([][]*arrange.PeerFrontier, len(g.Nodes)),
		closedTo:    make([]repr.Timestamp, len(g.Nodes)),
	}
	for _, spec := range g.Nodes {
		op, err := dataflow.NewOperator(spec, w.retention)
		if err != nil {
			return err
		}
		inst.ops[spec.ID] = op

		if spec.Kind == dataflow.KindSource {
			// Source nodes have a single synthetic input fed by the
			// coordinator.
			inst.inFrontiers[spec.ID] = []*arrange.PeerFrontier{arrange.NewPeerFrontier(1)}
			continue
		}
		fs := make([]*arrange.PeerFrontier, len(spec.In))
		for i, e := range spec.In {
			peers := 1
			if e.Exchange {
				// Exchange inputs receive data and frontier notices from
				// the producer's shard on every worker.
				peers = w.total
			}
			fs[i] = arrange.NewPeerFrontier(peers)
		}
		inst.inFrontiers[spec.ID] = fs
	}
	w.flows[g.Name] = inst
	w.log.V(2).Info("installed dataflow shard", "dataflow", g.Name, "nodes", len(g.Nodes))
	return nil
}

func (w *Worker) onData(m dataMsg) {
	inst, ok := w.flows[m.df]
	if !ok || inst.failed {
		return
	}
	op := inst.ops[m.node]
	out, err := op.OnBatch(m.input, m.batch)
	if err != nil {
		w.fail(inst, err)
		return
	}
	w.emit(inst, m.node, out)
	w.checkLimits(inst)
}

func (w *Worker) onFrontier(m frontierMsg) {
	inst, ok := w.flows[m.df]
	if !ok || inst.failed {
		return
	}
	// Fold the notice into the per-peer tracker, then recompute the
	// effective input frontier: the minimum over every input's minimum.
	inst.inFrontiers[m.node][m.input].Update(m.from, m.frontier)
	eff := repr.MaxTimestamp
	for _, pf := range inst.inFrontiers[m.node] {
		if min := pf.Min(); min < eff {
			eff = min
		}
	}
	if eff <= inst.closedTo[m.node] {
		return
	}
	inst.closedTo[m.node] = eff

	op := inst.ops[m.node]
	out, err := op.OnFrontier(eff)
	if err != nil {
		w.fail(inst, err)
		return
	}
	w.emit(inst, m.node, out)
	w.notifyFrontier(inst, m.node, op.Frontier())
	w.checkLimits(inst)
}

// emit routes an operator's output batch to its consumers, partitioning
// across workers on exchange edges, and taps the output node for the
// coordinator.
func (w *Worker) emit(inst *instance, node dataflow.NodeID, out repr.Batch) {
	if len(out) == 0 {
		return
	}
	if node == inst.graph.Output {
		w.events <- OutputEvent{Dataflow: inst.graph.Name, Worker: w.index, Batch: out}
	}
	for _, c := range inst.consumers[node] {
		consumer, input := dataflow.NodeID(c[0]), c[1]
		edge := inst.graph.Node(consumer).In[input]
		if !edge.Exchange || w.total == 1 {
			w.mbox.put(dataMsg{df: inst.graph.Name, node: consumer, input: input, from: w.index, batch: out})
			continue
		}
		parts := partition(out, edge.KeyCols, w.total)
		for target, part := range parts {
			if len(part) == 0 {
				continue
			}
			w.peers[target].mbox.put(dataMsg{
				df: inst.graph.Name, node: consumer, input: input, from: w.index, batch: part,
			})
		}
	}
}

// notifyFrontier broadcasts a node's new output frontier to its consumers.
// Exchange consumers hear from this worker on every peer; pipelined
// consumers only locally. The output node additionally reports to the
// coordinator, which seals output batches once all workers have passed
// their times.
func (w *Worker) notifyFrontier(inst *instance, node dataflow.NodeID, f repr.Timestamp) {
	if node == inst.graph.Output {
		w.events <- FrontierEvent{Dataflow: inst.graph.Name, Worker: w.index, Frontier: f}
	}
	for _, c := range inst.consumers[node] {
		consumer, input := dataflow.NodeID(c[0]), c[1]
		edge := inst.graph.Node(consumer).In[input]
		if edge.Exchange {
			msg := frontierMsg{df: inst.graph.Name, node: consumer, input: input, from: w.index, frontier: f}
			for _, p := range w.peers {
				p.mbox.put(msg)
			}
		} else {
			// Pipelined inputs track a single local peer.
			w.mbox.put(frontierMsg{df: inst.graph.Name, node: consumer, input: input, from: 0, frontier: f})
		}
	}
}

func (w *Worker) onPeek(m peekMsg) {
	inst, ok := w.flows[m.df]
	if !ok {
		m.resp <- PeekResult{Worker: w.index, Err: fmt.Errorf("dataflow %q not installed on worker %d", m.df, w.index)}
		return
	}
	arr := inst.ops[inst.graph.Output].Arrangement()
	snap, err := arr.SnapshotAt(m.ts)
	m.resp <- PeekResult{Worker: w.index, Rows: snap, Err: err}
}

func (w *Worker) fail(inst *instance, err error) {
	inst.failed = true
	w.log.Error(err, "dataflow shard failed", "dataflow", inst.graph.Name)
	w.events <- FailureEvent{Dataflow: inst.graph.Name, Worker: w.index, Err: err}
}

func (w *Worker) checkLimits(inst *instance) {
	if w.maxSize <= 0 || inst.failed {
		return
	}
	size := 0
	for _, op := range inst.ops {
		size += op.StateSize()
	}
	if size > w.maxSize {
		w.fail(inst, fmt.Errorf("dataflow %q exceeds state limit on worker %d: %d > %d entries",
			inst.graph.Name, w.index, size, w.maxSize))
	}
}

// partition splits a batch across workers by key hash. Nil key columns
// hash the full row.
func partition(batch repr.Batch, keyCols []int, total int) []repr.Batch {
	parts := make([]repr.Batch, total)
	for _, u := range batch {
		key := u.Row
		if keyCols != nil {
			key = u.Row.Project(keyCols)
		}
		target := int(key.Hash() % uint64(total))
		parts[target] = append(parts[target], u)
	}
	return parts
}
