package coord

import (
	"context"
	"fmt"
	"sync"

	"github.com/hsnlab/matflow/pkg/repr"
)

// SealedBatch is one consistent slice of a subscribed dataflow's output:
// consolidated updates, each stamped with its timestamp, plus the frontier
// they were sealed under. The frontier doubles as the resume point for a
// restarted subscription.
type SealedBatch struct {
	Updates  repr.Batch
	Frontier repr.Timestamp
}

// Subscription is a live feed of a dataflow's sealed output changes. The
// channel closes when the subscription ends; Err explains why (nil after
// Cancel).
type Subscription struct {
	id     int
	name   string
	ch     chan SealedBatch
	cancel func()

	mu     sync.Mutex
	err    error
	closed bool
}

// Updates returns the sealed batch channel.
func (s *Subscription) Updates() <-chan SealedBatch { return s.ch }

// Err returns the terminal error after the channel closed.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel detaches the subscription. Idempotent.
func (s *Subscription) Cancel() { s.cancel() }

// push delivers a batch without blocking the coordinator loop; a full
// buffer fails the subscription instead. Reports whether the subscription
// is still live.
func (s *Subscription) push(b SealedBatch) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.mu.Unlock()
	select {
	case s.ch <- b:
		return true
	default:
		s.fail(fmt.Errorf("subscription %d on %q: consumer too slow, buffer overflow", s.id, s.name))
		return false
	}
}

// fail terminates the subscription with an error. Idempotent.
func (s *Subscription) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Subscribe opens a feed of the named dataflow's sealed output starting at
// timestamp from: retained history in [from, sealed frontier) is delivered
// as an immediate catch-up batch, followed by live sealed batches.
// Restarting below the retention window fails with ErrTimestampTooOld; a
// drop of the dataflow ends the feed with ErrDataflowDropped.
func (c *Coordinator) Subscribe(ctx context.Context, name string, from repr.Timestamp) (*Subscription, error) {
	var (
		sub *Subscription
		err error
	)
	if derr := c.do(ctx, func() {
		var e *entry
		if e, err = c.lookup(name); err != nil {
			return
		}
		if e.state == StateFailed {
			err = NewDataflowFailedError(name, e.failure)
			return
		}

		var catchup repr.Batch
		if from < e.sealedTo {
			if catchup, err = e.history.Range(from, e.sealedTo); err != nil {
				return
			}
		}

		id := e.nextSub
		e.nextSub++
		sub = &Subscription{
			id:   id,
			name: name,
			ch:   make(chan SealedBatch, c.cfg.SubscriptionBuffer),
		}
		sub.cancel = func() {
			_ = c.do(context.Background(), func() {
				if ent, ok := c.catalog[name]; ok {
					delete(ent.subs, id)
				}
			})
			sub.fail(nil)
		}
		if len(catchup) > 0 {
			sub.ch <- SealedBatch{Updates: catchup, Frontier: e.sealedTo}
		}
		e.subs[id] = sub
	}); derr != nil {
		return nil, derr
	}
	return sub, err
}
