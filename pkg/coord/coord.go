// Package coord implements the coordinator: the single sequencer that owns
// the catalog, assigns timestamps to incoming updates, installs compiled
// dataflows on the worker pool, seals worker output into a consistent
// timeline, and serves peeks and subscriptions against it.
//
// Every control operation executes as a closure on one command loop, so
// concurrent clients observe a total order: name conflicts, drops and
// timestamp assignment are decided by arrival order on the loop, never by
// lock races.
package coord

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-logr/logr"

	"github.com/hsnlab/matflow/pkg/adapter"
	"github.com/hsnlab/matflow/pkg/dataflow"
	"github.com/hsnlab/matflow/pkg/plan"
	"github.com/hsnlab/matflow/pkg/repr"
	"github.com/hsnlab/matflow/pkg/worker"
	"github.com/hsnlab/matflow/pkg/zset"
)

// Coordinator sequences all control and ingest operations of the engine.
type Coordinator struct {
	cfg     Config
	log     logr.Logger
	workers []*worker.Worker
	events  chan worker.Event
	cmds    chan func()

	// clock is the next unassigned timestamp. Only the command loop reads
	// or writes it.
	clock   repr.Timestamp
	catalog map[string]*entry
	// tombstones records names of dropped entries so reads against them
	// can be told apart from reads against names that never existed.
	tombstones map[string]bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a coordinator and its worker pool from the given config.
func New(cfg Config, log logr.Logger) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		cfg:        cfg,
		log:        log.WithName("coord"),
		events:     make(chan worker.Event, 1024),
		cmds:       make(chan func(), 64),
		catalog:    make(map[string]*entry),
		tombstones: make(map[string]bool),
		done:       make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		c.workers = append(c.workers, worker.New(i, cfg.Workers, worker.Config{
			MaxStateEntries: cfg.MaxStateEntries,
			RetentionLag:    repr.Timestamp(cfg.RetentionLagTimestamps),
		}, c.events, log))
	}
	for _, w := range c.workers {
		w.SetPeers(c.workers)
	}
	return c, nil
}

// Start launches the workers and the command loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.ctx, c.cancel = context.WithCancel(ctx)
	for _, w := range c.workers {
		w.Start()
	}
	go c.run()
	c.log.Info("coordinator started", "workers", c.cfg.Workers)
	return nil
}

// Stop shuts the coordinator and workers down.
func (c *Coordinator) Stop() {
	c.cancel()
	<-c.done
	for _, w := range c.workers {
		w.Stop()
	}
}

func (c *Coordinator) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case fn := <-c.cmds:
			fn()
		case ev := <-c.events:
			c.onEvent(ev)
		case <-ticker.C:
			c.tick()
		}
	}
}

// do runs fn on the command loop and waits for it to complete.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	wrapped := func() { fn(); close(done) }
	select {
	case c.cmds <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
}

// lookup resolves a catalog name, distinguishing dropped names from names
// that never existed. Loop only.
func (c *Coordinator) lookup(name string) (*entry, error) {
	if e, ok := c.catalog[name]; ok {
		return e, nil
	}
	if c.tombstones[name] {
		return nil, NewDataflowDroppedError(name)
	}
	return nil, NewNameNotFoundError(name)
}

// CreateSource registers a named input collection and installs its trivial
// dataflow. A non-nil src is polled for records; Insert works either way.
func (c *Coordinator) CreateSource(ctx context.Context, name string, schema repr.RelationType, src adapter.Source) error {
	var (
		g   *dataflow.Graph
		err error
	)
	if derr := c.do(ctx, func() {
		if _, ok := c.catalog[name]; ok {
			err = NewNameAlreadyExistsError(name)
			return
		}
		b := dataflow.NewBuilder(c.installedArrangements(), c.log)
		if g, err = b.BuildSource(name, schema); err != nil {
			return
		}
		e := newEntry(name, EntrySource, c.cfg.Workers, repr.Timestamp(c.cfg.RetentionLagTimestamps))
		e.graph = g
		e.source = src
		c.catalog[name] = e
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	if err := c.installAndRun(ctx, name, g); err != nil {
		return err
	}
	if src != nil {
		go c.pumpSource(name, src)
	}
	return nil
}

// CreateView compiles a logical plan and installs the dataflow maintaining
// it as a materialized view. Scanned collections must already exist.
func (c *Coordinator) CreateView(ctx context.Context, name string, root plan.Node) error {
	var (
		g   *dataflow.Graph
		err error
	)
	if derr := c.do(ctx, func() {
		g, err = c.register(name, EntryView, func(b *dataflow.Builder) (*dataflow.Graph, error) {
			return b.BuildView(name, root)
		})
		if err == nil {
			c.catalog[name].plan = root
		}
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	return c.installAndRun(ctx, name, g)
}

// CreateIndex installs a dataflow arranging an existing collection by the
// given key columns, making it available to delta joins.
func (c *Coordinator) CreateIndex(ctx context.Context, name, collection string, keyCols []int) error {
	var (
		g   *dataflow.Graph
		err error
	)
	if derr := c.do(ctx, func() {
		g, err = c.register(name, EntryIndex, func(b *dataflow.Builder) (*dataflow.Graph, error) {
			up, lerr := c.lookup(collection)
			if lerr != nil {
				return nil, lerr
			}
			schema := up.graph.Node(up.graph.Output).Schema
			return b.BuildIndex(name, collection, schema, keyCols)
		})
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	return c.installAndRun(ctx, name, g)
}

// CreateSink installs a dataflow pushing an existing collection's sealed
// updates into a sink adapter.
func (c *Coordinator) CreateSink(ctx context.Context, name, collection string, sink adapter.Sink) error {
	var (
		g   *dataflow.Graph
		err error
	)
	if derr := c.do(ctx, func() {
		g, err = c.register(name, EntrySink, func(b *dataflow.Builder) (*dataflow.Graph, error) {
			up, lerr := c.lookup(collection)
			if lerr != nil {
				return nil, lerr
			}
			schema := up.graph.Node(up.graph.Output).Schema
			return b.BuildSink(name, collection, schema, name)
		})
		if err == nil {
			c.catalog[name].sink = sink
		}
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}
	return c.installAndRun(ctx, name, g)
}

// register validates the name, compiles the graph and wires the dependency
// edges. Loop only.
func (c *Coordinator) register(name string, kind EntryKind, build func(*dataflow.Builder) (*dataflow.Graph, error)) (*dataflow.Graph, error) {
	if _, ok := c.catalog[name]; ok {
		return nil, NewNameAlreadyExistsError(name)
	}
	g, err := build(dataflow.NewBuilder(c.installedArrangements(), c.log))
	if err != nil {
		return nil, err
	}
	for coll := range g.Scans {
		up, err := c.lookup(coll)
		if err != nil {
			return nil, err
		}
		if up.state == StateFailed {
			return nil, NewDataflowFailedError(coll, up.failure)
		}
	}

	e := newEntry(name, kind, c.cfg.Workers, repr.Timestamp(c.cfg.RetentionLagTimestamps))
	e.graph = g
	for coll := range g.Scans {
		e.upstreams = append(e.upstreams, coll)
		c.catalog[coll].dependents[name] = true
	}
	sort.Strings(e.upstreams)
	c.catalog[name] = e
	c.log.V(1).Info("registered catalog entry", "name", name, "kind", kind.String(), "trace", e.trace)
	return g, nil
}

// installedArrangements lists arranged keys per collection for the builder:
// every running collection's full-row output plus explicit index keys. Loop
// only.
func (c *Coordinator) installedArrangements() dataflow.InstalledArrangements {
	installed := dataflow.InstalledArrangements{}
	for _, e := range c.catalog {
		if e.state != StateRunning || e.graph == nil {
			continue
		}
		spec := e.graph.Node(e.graph.Output)
		if e.kind == EntryIndex {
			// Indexes arrange the collection they scan, under their key.
			installed[e.upstreams[0]] = append(installed[e.upstreams[0]],
				dataflow.ArrangementRef{Dataflow: e.name, KeyCols: spec.Arrange.KeyCols})
			continue
		}
		installed[e.name] = append(installed[e.name],
			dataflow.ArrangementRef{Dataflow: e.name, KeyCols: spec.Arrange.KeyCols})
	}
	return installed
}

// installAndRun broadcasts the graph to every worker, waits for the
// installs, then atomically catches the dataflow up on its upstreams and
// marks it running.
func (c *Coordinator) installAndRun(ctx context.Context, name string, g *dataflow.Graph) error {
	confirms := make([]chan error, len(c.workers))
	for i, w := range c.workers {
		confirms[i] = w.Install(g)
	}
	for _, ch := range confirms {
		select {
		case err := <-ch:
			if err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}

	var err error
	if derr := c.do(ctx, func() { err = c.markRunning(name) }); derr != nil {
		return derr
	}
	return err
}

// markRunning transitions a pending entry to running and replays upstream
// history into its source nodes so its state converges to the present
// before live feeding begins. Loop only.
func (c *Coordinator) markRunning(name string) error {
	e, ok := c.catalog[name]
	if !ok || e.state != StatePending {
		return NewDataflowDroppedError(name)
	}
	for _, coll := range e.upstreams {
		up := c.catalog[coll]
		if up.name == e.name {
			// Source entries scan themselves; nothing to replay.
			continue
		}
		if up.sealedTo > 0 {
			base, err := up.history.SnapshotAt(up.sealedTo - 1)
			if err != nil {
				return err
			}
			var batch repr.Batch
			for _, ent := range base.Entries() {
				batch = append(batch, repr.Update{Row: ent.Row, Time: up.sealedTo - 1, Diff: ent.Multiplicity})
			}
			c.feedScans(e, coll, batch, up.sealedTo)
		}
	}
	e.state = StateRunning
	if e.sink != nil {
		c.startSinkRunner(e)
	}
	c.log.Info("dataflow running", "name", name, "kind", e.kind.String(), "trace", e.trace)
	return nil
}

// feedScans delivers a batch into every source node of target that scans
// the named collection and closes the coordinator-side frontier at closeTo.
// Each update goes to the worker owning its full-row hash; the close
// broadcasts to all workers. Loop only.
func (c *Coordinator) feedScans(target *entry, collection string, batch repr.Batch, closeTo repr.Timestamp) {
	for _, node := range target.graph.Scans[collection] {
		if len(batch) > 0 {
			parts := make([]repr.Batch, len(c.workers))
			for _, u := range batch {
				t := int(u.Row.Hash() % uint64(len(c.workers)))
				parts[t] = append(parts[t], u)
			}
			for i, part := range parts {
				if len(part) > 0 {
					c.workers[i].FeedSource(target.name, node, part)
				}
			}
		}
		for _, w := range c.workers {
			w.CloseSource(target.name, node, closeTo)
		}
	}
}

// Insert applies updates to a source collection. Rows and diffs pair up;
// nil diffs means all +1. All updates share one freshly assigned timestamp,
// which is returned: the insert is fully visible to peeks at it.
func (c *Coordinator) Insert(ctx context.Context, source string, rows []repr.Row, diffs []repr.Diff) (repr.Timestamp, error) {
	var (
		ts  repr.Timestamp
		err error
	)
	if derr := c.do(ctx, func() {
		var e *entry
		if e, err = c.lookup(source); err != nil {
			return
		}
		if e.kind != EntrySource {
			err = fmt.Errorf("cannot insert into %q: not a source", source)
			return
		}
		if e.state != StateRunning {
			if e.state == StateFailed {
				err = NewDataflowFailedError(source, e.failure)
			} else {
				err = NewDataflowNotReadyError(source, uint64(c.clock))
			}
			return
		}
		ts = c.clock
		c.clock++
		batch := make(repr.Batch, 0, len(rows))
		for i, row := range rows {
			d := repr.Diff(1)
			if diffs != nil {
				d = diffs[i]
			}
			if d == 0 {
				continue
			}
			batch = append(batch, repr.Update{Row: row, Time: ts, Diff: d})
		}
		e.inFrontier = ts + 1
		c.feedScans(e, source, batch, ts+1)
	}); derr != nil {
		return 0, derr
	}
	return ts, err
}

// Advance manually burns a timestamp and closes the source's frontier past
// it, forcing downstream views to seal without waiting for the clock tick.
// It returns the new frontier.
func (c *Coordinator) Advance(ctx context.Context, source string) (repr.Timestamp, error) {
	var (
		f   repr.Timestamp
		err error
	)
	if derr := c.do(ctx, func() {
		var e *entry
		if e, err = c.lookup(source); err != nil {
			return
		}
		if e.kind != EntrySource {
			err = fmt.Errorf("cannot advance %q: not a source", source)
			return
		}
		c.clock++
		f = c.clock
		e.inFrontier = f
		c.feedScans(e, source, nil, f)
	}); derr != nil {
		return 0, derr
	}
	return f, err
}

// tick burns a timestamp and closes every running source past it, so views
// over idle sources keep sealing and peeks against "now" stay answerable.
// Loop only.
func (c *Coordinator) tick() {
	c.clock++
	for _, e := range c.catalog {
		if e.kind != EntrySource || e.state != StateRunning {
			continue
		}
		if e.inFrontier >= c.clock {
			continue
		}
		e.inFrontier = c.clock
		c.feedScans(e, e.name, nil, c.clock)
	}
}

// pumpSource polls an external source adapter, turning pulled records into
// timestamped inserts.
func (c *Coordinator) pumpSource(name string, src adapter.Source) {
	ticker := time.NewTicker(c.cfg.pollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		records, _, err := src.Pull(c.ctx)
		if err != nil {
			c.log.Error(err, "source pull failed", "source", name)
			continue
		}
		if len(records) == 0 {
			continue
		}
		rows := make([]repr.Row, 0, len(records))
		diffs := make([]repr.Diff, 0, len(records))
		for _, rec := range records {
			rows = append(rows, rec.Row)
			diffs = append(diffs, rec.Diff)
		}
		if _, err := c.Insert(c.ctx, name, rows, diffs); err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.log.Error(err, "source ingest failed", "source", name)
		}
	}
}

// Drop removes a catalog entry and tears its dataflow down on every worker.
// Entries with dependents cannot be dropped.
func (c *Coordinator) Drop(ctx context.Context, name string) error {
	var err error
	if derr := c.do(ctx, func() {
		var e *entry
		if e, err = c.lookup(name); err != nil {
			return
		}
		if len(e.dependents) > 0 {
			deps := make([]string, 0, len(e.dependents))
			for d := range e.dependents {
				deps = append(deps, d)
			}
			sort.Strings(deps)
			err = fmt.Errorf("cannot drop %q: dependent dataflows exist: %v", name, deps)
			return
		}
		e.state = StateDropped
		for _, coll := range e.upstreams {
			if up, ok := c.catalog[coll]; ok {
				delete(up.dependents, name)
			}
		}
		dropErr := NewDataflowDroppedError(name)
		e.wakeWaiters(dropErr)
		for _, sub := range e.subs {
			sub.fail(dropErr)
		}
		e.stopSinkRunner()
		delete(c.catalog, name)
		c.tombstones[name] = true
		c.log.Info("dropped catalog entry", "name", name, "trace", e.trace)
	}); derr != nil {
		return derr
	}
	if err != nil {
		return err
	}

	confirms := make([]chan int, len(c.workers))
	for i, w := range c.workers {
		confirms[i] = w.Drop(name)
	}
	for _, ch := range confirms {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
	return nil
}

// onEvent folds one worker report into coordinator state. Loop only.
func (c *Coordinator) onEvent(ev worker.Event) {
	switch e := ev.(type) {
	case worker.OutputEvent:
		ent, ok := c.catalog[e.Dataflow]
		if !ok {
			return
		}
		for _, u := range e.Batch {
			ent.pendingOut[u.Time] = append(ent.pendingOut[u.Time], u)
		}
	case worker.FrontierEvent:
		ent, ok := c.catalog[e.Dataflow]
		if !ok {
			return
		}
		if min := ent.outFrontiers.Update(e.Worker, e.Frontier); min > ent.sealedTo {
			c.seal(ent, min)
		}
	case worker.FailureEvent:
		ent, ok := c.catalog[e.Dataflow]
		if !ok {
			return
		}
		c.failEntry(ent, e.Err)
	}
}

// seal finalizes all output times below the new frontier: merges the
// partitions reported by workers, consolidates them, publishes the result
// to history, dependents, subscribers and sinks, and wakes peeks now
// answerable. Loop only.
func (c *Coordinator) seal(e *entry, to repr.Timestamp) {
	var sealed repr.Batch
	for ts := e.sealedTo; ts < to; ts++ {
		pending, ok := e.pendingOut[ts]
		if !ok {
			continue
		}
		delete(e.pendingOut, ts)
		acc := zset.New()
		for _, u := range pending {
			acc.AddRowMutate(u.Row, u.Diff)
		}
		for _, ent := range acc.Entries() {
			sealed = append(sealed, repr.Update{Row: ent.Row, Time: ts, Diff: ent.Multiplicity})
		}
	}
	e.sealedTo = to
	e.history.Apply(sealed)
	e.history.AdvanceFrontier(to)

	for dep := range e.dependents {
		if d, ok := c.catalog[dep]; ok && d.state == StateRunning {
			c.feedScans(d, e.name, sealed, to)
		}
	}
	if len(sealed) > 0 {
		for id, sub := range e.subs {
			if !sub.push(SealedBatch{Updates: sealed, Frontier: to}) {
				delete(e.subs, id)
			}
		}
		if e.sinkCh != nil {
			c.pushSink(e, sealed)
		}
	}
	e.wakeReadyWaiters()
}

// failEntry parks an entry in the failed state and propagates the failure
// to its dependents: a dataflow whose upstream stops sealing can never
// produce consistent output again. Loop only.
func (c *Coordinator) failEntry(e *entry, cause error) {
	if e.state == StateFailed {
		return
	}
	e.state = StateFailed
	e.failure = cause
	c.log.Error(cause, "dataflow failed", "name", e.name, "trace", e.trace)

	failErr := NewDataflowFailedError(e.name, cause)
	e.wakeWaiters(failErr)
	for _, sub := range e.subs {
		sub.fail(failErr)
	}
	e.stopSinkRunner()

	for dep := range e.dependents {
		if d, ok := c.catalog[dep]; ok {
			c.failEntry(d, fmt.Errorf("upstream %q failed: %w", e.name, cause))
		}
	}
}

// Snapshot returns a catalog listing: every entry's kind, state, sealed
// frontier and dataflow shape, sorted by name.
func (c *Coordinator) Snapshot(ctx context.Context) ([]EntrySnapshot, error) {
	var out []EntrySnapshot
	if err := c.do(ctx, func() {
		for _, e := range c.catalog {
			out = append(out, e.snapshot())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// RenderDot returns a Graphviz rendering of a dataflow's physical graph.
func (c *Coordinator) RenderDot(ctx context.Context, name string) (string, error) {
	var (
		out string
		err error
	)
	if derr := c.do(ctx, func() {
		var e *entry
		if e, err = c.lookup(name); err != nil {
			return
		}
		out = dataflow.RenderDot(e.graph)
	}); derr != nil {
		return "", derr
	}
	return out, err
}
