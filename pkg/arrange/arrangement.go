// Package arrange implements the arrangement store: per-operator indexed,
// time-versioned accumulation of (key, value, diff) state, queryable "as
// of" any timestamp between the compaction floor and the frontier.
package arrange

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hsnlab/matflow/pkg/repr"
	"github.com/hsnlab/matflow/pkg/zset"
)

// ErrTimestampTooOld signals a read below the compaction floor: the
// historical detail has been discarded and the caller must pick a newer
// timestamp or re-derive from upstream.
var ErrTimestampTooOld = errors.New("timestamp too old")

func NewTimestampTooOldError(requested, floor repr.Timestamp) error {
	return fmt.Errorf("%w: requested %s, compaction floor %s", ErrTimestampTooOld, requested, floor)
}

// KeyFunc extracts the index key from a row. The identity function arranges
// a collection by the full row.
type KeyFunc func(repr.Row) repr.Row

// FullRowKey arranges by the entire row.
func FullRowKey(r repr.Row) repr.Row { return r }

// ColumnsKey arranges by the datums at the given column indexes.
func ColumnsKey(cols []int) KeyFunc {
	return func(r repr.Row) repr.Row { return r.Project(cols) }
}

type entry struct {
	time repr.Timestamp
	row  repr.Row
	diff repr.Diff
}

// Arrangement holds, per key, the history of (timestamp, value, diff)
// triples, compacted lazily as its frontier advances. Diffs for the same
// (key, value, timestamp) are additive and commutative, so out-of-order
// application from parallel workers is safe. A single writer applies
// batches and advances the frontier; readers of committed historical state
// are never blocked by writes in progress on later times.
type Arrangement struct {
	mu        sync.RWMutex
	keyOf     KeyFunc
	history   map[string][]entry // canonical key -> versioned diffs
	keys      map[string]repr.Row
	frontier  Frontier
	floor     repr.Timestamp // reads below this fail with ErrTimestampTooOld
	retention repr.Timestamp // closed history kept readable below the frontier
}

// New creates an empty arrangement indexed by the given key function.
func New(keyOf KeyFunc) *Arrangement {
	if keyOf == nil {
		keyOf = FullRowKey
	}
	return &Arrangement{
		keyOf:   keyOf,
		history: make(map[string][]entry),
		keys:    make(map[string]repr.Row),
	}
}

// SetRetention configures how many closed timestamps stay readable below
// the frontier. Retention bounds how far back subscriptions can restart.
func (a *Arrangement) SetRetention(lag repr.Timestamp) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.retention = lag
}

// Apply merges a batch of updates into the arrangement.
func (a *Arrangement) Apply(batch repr.Batch) {
	if len(batch) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, u := range batch {
		key := a.keyOf(u.Row)
		ck := key.Key()
		if _, ok := a.keys[ck]; !ok {
			a.keys[ck] = key
		}
		a.history[ck] = append(a.history[ck], entry{time: u.Time, row: u.Row, diff: u.Diff})
	}
}

// Frontier returns the arrangement's current frontier.
func (a *Arrangement) Frontier() repr.Timestamp {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.frontier.Get()
}

// CompactionFloor returns the oldest timestamp still readable.
func (a *Arrangement) CompactionFloor() repr.Timestamp {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.floor
}

// AdvanceFrontier moves the frontier once no pending batch can introduce a
// timestamp below it, then compacts: all entries with time < frontier are
// folded to a single diff per (key, value) at the compaction floor, and
// entries that sum to zero are physically removed. Compacting twice at the
// same frontier is a no-op.
func (a *Arrangement) AdvanceFrontier(to repr.Timestamp) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.frontier.Advance(to) {
		return
	}

	// Keep at least one readable timestamp below the frontier so "as of
	// now" (frontier-1) reads stay answerable after compaction, plus the
	// configured retention window for restartable subscriptions.
	lag := a.retention + 1
	if to < lag {
		return
	}
	newFloor := to - lag
	if newFloor <= a.floor {
		return
	}
	a.floor = newFloor

	for ck, entries := range a.history {
		var kept []entry
		folded := make(map[string]*entry)

		for i := range entries {
			e := entries[i]
			if e.time > newFloor {
				kept = append(kept, e)
				continue
			}
			rk := e.row.Key()
			if f, ok := folded[rk]; ok {
				f.diff += e.diff
			} else {
				folded[rk] = &entry{time: newFloor, row: e.row, diff: e.diff}
			}
		}

		compacted := make([]entry, 0, len(folded)+len(kept))
		// Deterministic order keeps repeated compactions byte-stable.
		rks := make([]string, 0, len(folded))
		for rk := range folded {
			rks = append(rks, rk)
		}
		sort.Strings(rks)
		for _, rk := range rks {
			if folded[rk].diff != 0 {
				compacted = append(compacted, *folded[rk])
			}
		}
		compacted = append(compacted, kept...)

		if len(compacted) == 0 {
			delete(a.history, ck)
			delete(a.keys, ck)
		} else {
			a.history[ck] = compacted
		}
	}
}

// ReadKeyAsOf returns the accumulated (value -> multiplicity) Z-set for one
// key, summing all diffs with time <= the requested timestamp.
func (a *Arrangement) ReadKeyAsOf(key repr.Row, ts repr.Timestamp) (*zset.ZSet, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if ts < a.floor {
		return nil, NewTimestampTooOldError(ts, a.floor)
	}

	result := zset.New()
	for _, e := range a.history[key.Key()] {
		if e.time <= ts {
			result.AddRowMutate(e.row, e.diff)
		}
	}
	return result, nil
}

// SnapshotAt returns the accumulated state of the whole arrangement at the
// given timestamp.
func (a *Arrangement) SnapshotAt(ts repr.Timestamp) (*zset.ZSet, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if ts < a.floor {
		return nil, NewTimestampTooOldError(ts, a.floor)
	}

	result := zset.New()
	for _, entries := range a.history {
		for _, e := range entries {
			if e.time <= ts {
				result.AddRowMutate(e.row, e.diff)
			}
		}
	}
	return result, nil
}

// Range returns all retained updates with from <= time < to, consolidated
// per (value, timestamp). Used by subscriptions catching up from a
// resumption timestamp.
func (a *Arrangement) Range(from, to repr.Timestamp) (repr.Batch, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	// A range starting at the floor replays the compacted base plus any
	// retained history; anything older is gone.
	if from < a.floor {
		return nil, NewTimestampTooOldError(from, a.floor)
	}

	type acc struct {
		row  repr.Row
		time repr.Timestamp
		diff repr.Diff
	}
	sums := make(map[string]*acc)
	for _, entries := range a.history {
		for _, e := range entries {
			if e.time < from || e.time >= to {
				continue
			}
			k := fmt.Sprintf("%s@%d", e.row.Key(), e.time)
			if s, ok := sums[k]; ok {
				s.diff += e.diff
			} else {
				sums[k] = &acc{row: e.row, time: e.time, diff: e.diff}
			}
		}
	}

	batch := make(repr.Batch, 0, len(sums))
	for _, s := range sums {
		if s.diff != 0 {
			batch = append(batch, repr.Update{Row: s.row, Time: s.time, Diff: s.diff})
		}
	}
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Time != batch[j].Time {
			return batch[i].Time < batch[j].Time
		}
		return batch[i].Row.Compare(batch[j].Row) < 0
	})
	return batch, nil
}

// Keys returns the distinct keys currently present.
func (a *Arrangement) Keys() []repr.Row {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]repr.Row, 0, len(a.keys))
	for _, k := range a.keys {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

// EntryCount returns the number of retained (time, value, diff) triples,
// for state-size accounting.
func (a *Arrangement) EntryCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()

	n := 0
	for _, entries := range a.history {
		n += len(entries)
	}
	return n
}
