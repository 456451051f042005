package worker

import (
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/hsnlab/matflow/pkg/dataflow"
	"github.com/hsnlab/matflow/pkg/plan"
	"github.com/hsnlab/matflow/pkg/repr"
	"github.com/hsnlab/matflow/pkg/zset"
)

func TestWorker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Worker Suite")
}

var _ = Describe("mailbox", func() {
	It("delivers messages in FIFO order", func() {
		m := newMailbox()
		m.put(frontierMsg{frontier: 1})
		m.put(frontierMsg{frontier: 2})
		msg, ok := m.take()
		Expect(ok).To(BeTrue())
		Expect(msg.(frontierMsg).frontier).To(Equal(repr.Timestamp(1)))
		msg, _ = m.take()
		Expect(msg.(frontierMsg).frontier).To(Equal(repr.Timestamp(2)))
	})

	It("unblocks takers on close", func() {
		m := newMailbox()
		done := make(chan bool, 1)
		go func() {
			_, ok := m.take()
			done <- ok
		}()
		m.close()
		Eventually(done).Should(Receive(BeFalse()))
	})

	It("drops messages after close", func() {
		m := newMailbox()
		m.close()
		m.put(frontierMsg{})
		Expect(m.len()).To(Equal(0))
	})
})

var _ = Describe("partition", func() {
	row := func(id int64, name string) repr.Row {
		return repr.Row{repr.Int64(id), repr.String(name)}
	}

	It("routes equal keys to the same worker", func() {
		batch := repr.Batch{
			{Row: row(1, "a"), Time: 1, Diff: 1},
			{Row: row(1, "b"), Time: 1, Diff: 1},
			{Row: row(2, "c"), Time: 1, Diff: 1},
		}
		parts := partition(batch, []int{0}, 4)
		var homes []int
		for i, p := range parts {
			for range p {
				homes = append(homes, i)
			}
		}
		Expect(homes).To(HaveLen(3))

		// Rows with key 1 must share a partition.
		target := -1
		for i, p := range parts {
			for _, u := range p {
				if u.Row[0].Int64() == 1 {
					if target == -1 {
						target = i
					}
					Expect(i).To(Equal(target))
				}
			}
		}
	})

	It("sends everything to one worker for empty keys", func() {
		batch := repr.Batch{
			{Row: row(1, "a"), Time: 1, Diff: 1},
			{Row: row(2, "b"), Time: 1, Diff: 1},
		}
		parts := partition(batch, []int{}, 4)
		nonEmpty := 0
		for _, p := range parts {
			if len(p) > 0 {
				nonEmpty++
			}
		}
		Expect(nonEmpty).To(Equal(1))
	})
})

// pool is a test harness around a worker set: it collects coordinator
// events and offers partition-aware source feeding.
type pool struct {
	workers []*Worker
	events  chan Event

	mu       sync.Mutex
	outputs  map[string]repr.Batch
	frontier map[string]map[int]repr.Timestamp
	failures map[string]error
}

func newPool(n int, cfg Config) *pool {
	p := &pool{
		events:   make(chan Event, 1024),
		outputs:  make(map[string]repr.Batch),
		frontier: make(map[string]map[int]repr.Timestamp),
		failures: make(map[string]error),
	}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, New(i, n, cfg, p.events, logr.Discard()))
	}
	for _, w := range p.workers {
		w.SetPeers(p.workers)
	}
	for _, w := range p.workers {
		w.Start()
	}
	go p.collect()
	return p
}

func (p *pool) collect() {
	for ev := range p.events {
		p.mu.Lock()
		switch e := ev.(type) {
		case OutputEvent:
			p.outputs[e.Dataflow] = append(p.outputs[e.Dataflow], e.Batch...)
		case FrontierEvent:
			if p.frontier[e.Dataflow] == nil {
				p.frontier[e.Dataflow] = make(map[int]repr.Timestamp)
			}
			p.frontier[e.Dataflow][e.Worker] = e.Frontier
		case FailureEvent:
			p.failures[e.Dataflow] = e.Err
		}
		p.mu.Unlock()
	}
}

func (p *pool) stop() {
	for _, w := range p.workers {
		w.Stop()
	}
	close(p.events)
}

func (p *pool) install(g *dataflow.Graph) {
	for _, w := range p.workers {
		Eventually(w.Install(g)).Should(Receive(BeNil()))
	}
}

// feed partitions a batch by full-row hash and closes the source frontier
// on every worker, mirroring what the coordinator does.
func (p *pool) feed(g *dataflow.Graph, collection string, batch repr.Batch, closeTo repr.Timestamp) {
	for _, node := range g.Scans[collection] {
		parts := make([]repr.Batch, len(p.workers))
		for _, u := range batch {
			parts[int(u.Row.Hash()%uint64(len(p.workers)))] = append(
				parts[int(u.Row.Hash()%uint64(len(p.workers)))], u)
		}
		for i, part := range parts {
			if len(part) > 0 {
				p.workers[i].FeedSource(g.Name, node, part)
			}
		}
		for _, w := range p.workers {
			w.CloseSource(g.Name, node, closeTo)
		}
	}
}

// sealedFrontier returns the minimum output frontier across all workers.
func (p *pool) sealedFrontier(df string) repr.Timestamp {
	p.mu.Lock()
	defer p.mu.Unlock()
	fs := p.frontier[df]
	if len(fs) < len(p.workers) {
		return 0
	}
	min := repr.MaxTimestamp
	for _, f := range fs {
		if f < min {
			min = f
		}
	}
	return min
}

func (p *pool) accumulated(df string) *zset.ZSet {
	p.mu.Lock()
	defer p.mu.Unlock()
	z := zset.New()
	for _, u := range p.outputs[df] {
		z.AddRowMutate(u.Row, u.Diff)
	}
	return z
}

func (p *pool) failure(df string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures[df]
}

func (p *pool) peekAll(df string, ts repr.Timestamp) *zset.ZSet {
	resp := make(chan PeekResult, len(p.workers))
	for _, w := range p.workers {
		w.Peek(df, ts, resp)
	}
	merged := zset.New()
	for range p.workers {
		var r PeekResult
		Eventually(resp).Should(Receive(&r))
		Expect(r.Err).NotTo(HaveOccurred())
		merged.AddMutate(r.Rows)
	}
	return merged
}

var _ = Describe("Worker pool", func() {
	ordersTyp := repr.RelationType{Columns: []repr.ColumnType{
		{Name: "customer", Type: repr.TypeString},
		{Name: "amount", Type: repr.TypeInt64},
	}}
	order := func(name string, amount int64) repr.Row {
		return repr.Row{repr.String(name), repr.Int64(amount)}
	}

	var p *pool

	BeforeEach(func() {
		p = newPool(2, Config{})
	})

	AfterEach(func() {
		p.stop()
	})

	It("runs a source dataflow shard on every worker", func() {
		b := dataflow.NewBuilder(nil, logr.Discard())
		g, err := b.BuildSource("orders", ordersTyp)
		Expect(err).NotTo(HaveOccurred())
		p.install(g)

		p.feed(g, "orders", repr.Batch{
			{Row: order("alice", 10), Time: 0, Diff: 1},
			{Row: order("bob", 20), Time: 0, Diff: 1},
		}, 1)

		Eventually(func() repr.Timestamp { return p.sealedFrontier("orders") }).
			Should(Equal(repr.Timestamp(1)))
		acc := p.accumulated("orders")
		Expect(acc.Multiplicity(order("alice", 10))).To(Equal(repr.Diff(1)))
		Expect(acc.Multiplicity(order("bob", 20))).To(Equal(repr.Diff(1)))
	})

	It("rejects installing the same dataflow twice", func() {
		b := dataflow.NewBuilder(nil, logr.Discard())
		g, err := b.BuildSource("orders", ordersTyp)
		Expect(err).NotTo(HaveOccurred())
		p.install(g)
		for _, w := range p.workers {
			Eventually(w.Install(g)).Should(Receive(HaveOccurred()))
		}
	})

	It("maintains an aggregation across workers consistently", func() {
		b := dataflow.NewBuilder(nil, logr.Discard())
		g, err := b.BuildView("revenue", &plan.Reduce{
			Input:      &plan.Scan{Source: "orders", Typ: ordersTyp},
			GroupKey:   []int{0},
			Aggregates: []plan.Aggregate{{Func: plan.AggSum, Col: 1}},
			Typ:        ordersTyp,
		})
		Expect(err).NotTo(HaveOccurred())
		p.install(g)

		p.feed(g, "orders", repr.Batch{
			{Row: order("alice", 10), Time: 0, Diff: 1},
			{Row: order("alice", 5), Time: 0, Diff: 1},
			{Row: order("bob", 7), Time: 0, Diff: 1},
		}, 1)

		Eventually(func() repr.Timestamp { return p.sealedFrontier("revenue") }).
			Should(Equal(repr.Timestamp(1)))
		acc := p.accumulated("revenue")
		Expect(acc.Multiplicity(order("alice", 15))).To(Equal(repr.Diff(1)))
		Expect(acc.Multiplicity(order("bob", 7))).To(Equal(repr.Diff(1)))
		Expect(acc.HasNegative()).To(BeFalse())

		// Retraction flows through to a new aggregate.
		p.feed(g, "orders", repr.Batch{
			{Row: order("alice", 10), Time: 1, Diff: -1},
		}, 2)
		Eventually(func() repr.Timestamp { return p.sealedFrontier("revenue") }).
			Should(Equal(repr.Timestamp(2)))
		acc = p.accumulated("revenue")
		Expect(acc.Multiplicity(order("alice", 5))).To(Equal(repr.Diff(1)))
		Expect(acc.Multiplicity(order("alice", 15))).To(Equal(repr.Diff(0)))
	})

	It("answers peeks from disjoint partitions", func() {
		b := dataflow.NewBuilder(nil, logr.Discard())
		g, err := b.BuildSource("orders", ordersTyp)
		Expect(err).NotTo(HaveOccurred())
		p.install(g)

		p.feed(g, "orders", repr.Batch{
			{Row: order("alice", 10), Time: 0, Diff: 1},
			{Row: order("bob", 20), Time: 0, Diff: 1},
			{Row: order("carol", 30), Time: 0, Diff: 1},
		}, 1)
		Eventually(func() repr.Timestamp { return p.sealedFrontier("orders") }).
			Should(Equal(repr.Timestamp(1)))

		merged := p.peekAll("orders", 0)
		Expect(merged.UniqueCount()).To(Equal(3))
	})

	It("advances frontiers monotonically through the graph", func() {
		b := dataflow.NewBuilder(nil, logr.Discard())
		g, err := b.BuildSource("orders", ordersTyp)
		Expect(err).NotTo(HaveOccurred())
		p.install(g)

		for ts := repr.Timestamp(0); ts < 5; ts++ {
			p.feed(g, "orders", nil, ts+1)
		}
		Eventually(func() repr.Timestamp { return p.sealedFrontier("orders") }).
			Should(Equal(repr.Timestamp(5)))
	})

	It("fails a dataflow that exceeds its state budget", func() {
		limited := newPool(2, Config{MaxStateEntries: 2})
		defer limited.stop()

		b := dataflow.NewBuilder(nil, logr.Discard())
		g, err := b.BuildSource("orders", ordersTyp)
		Expect(err).NotTo(HaveOccurred())
		limited.install(g)

		var batch repr.Batch
		for i := int64(0); i < 16; i++ {
			batch = append(batch, repr.Update{Row: order("x", i), Time: 0, Diff: 1})
		}
		limited.feed(g, "orders", batch, 1)

		Eventually(func() error { return limited.failure("orders") }, 2*time.Second).
			Should(HaveOccurred())
	})

	It("tears a dataflow down on drop", func() {
		b := dataflow.NewBuilder(nil, logr.Discard())
		g, err := b.BuildSource("orders", ordersTyp)
		Expect(err).NotTo(HaveOccurred())
		p.install(g)

		for _, w := range p.workers {
			Eventually(w.Drop("orders")).Should(Receive())
		}

		resp := make(chan PeekResult, 1)
		p.workers[0].Peek("orders", 0, resp)
		var r PeekResult
		Eventually(resp).Should(Receive(&r))
		Expect(r.Err).To(HaveOccurred())
	})
})
