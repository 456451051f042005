package repr

import "strconv"

// Timestamp is a logical clock value. Every diff is stamped with the
// timestamp at which it logically takes effect. Timestamps are totally
// ordered and assigned monotonically per source by the coordinator.
type Timestamp uint64

// MaxTimestamp is the upper bound of the timestamp domain.
const MaxTimestamp = Timestamp(^uint64(0))

func (t Timestamp) String() string { return strconv.FormatUint(uint64(t), 10) }

// Diff is a signed multiplicity change: +1 insert, -1 delete, arbitrary
// integers under multiset semantics.
type Diff int64

// Update is one (row, timestamp, diff) change moving through a dataflow.
type Update struct {
	Row  Row
	Time Timestamp
	Diff Diff
}

// Batch is a set of updates delivered together. Updates in a batch carry no
// ordering guarantee among themselves; diff application is commutative.
type Batch []Update

// MinTime returns the earliest timestamp in the batch, or ok=false for an
// empty batch.
func (b Batch) MinTime() (Timestamp, bool) {
	if len(b) == 0 {
		return 0, false
	}
	min := b[0].Time
	for _, u := range b[1:] {
		if u.Time < min {
			min = u.Time
		}
	}
	return min, true
}
