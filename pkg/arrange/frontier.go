package arrange

import (
	"github.com/hsnlab/matflow/pkg/repr"
)

// Frontier is the earliest timestamp at which more input may still arrive:
// every time strictly below the frontier is final. Frontiers only ever
// advance; advancement is the sole signal that earlier times may be
// compacted.
type Frontier struct {
	t repr.Timestamp
}

// NewFrontier creates a frontier at timestamp zero (nothing final yet).
func NewFrontier() Frontier { return Frontier{} }

// Get returns the current frontier timestamp.
func (f *Frontier) Get() repr.Timestamp { return f.t }

// Advance moves the frontier forward and reports whether it moved.
// Regressions are ignored, which keeps frontier handling safe under
// out-of-order notice delivery.
func (f *Frontier) Advance(to repr.Timestamp) bool {
	if to <= f.t {
		return false
	}
	f.t = to
	return true
}

// Closed reports whether the given time is final under this frontier.
func (f *Frontier) Closed(t repr.Timestamp) bool { return t < f.t }

// PeerFrontier tracks the reported frontier of every peer worker feeding an
// exchange edge. The effective frontier of the edge is the minimum over all
// peers: data below it can come from nobody.
type PeerFrontier struct {
	peers []repr.Timestamp
}

// NewPeerFrontier creates a tracker over n peers, all at timestamp zero.
func NewPeerFrontier(n int) *PeerFrontier {
	return &PeerFrontier{peers: make([]repr.Timestamp, n)}
}

// Update records a frontier notice from one peer and returns the effective
// minimum across all peers.
func (pf *PeerFrontier) Update(peer int, t repr.Timestamp) repr.Timestamp {
	if t > pf.peers[peer] {
		pf.peers[peer] = t
	}
	return pf.Min()
}

// Min returns the effective frontier across all peers.
func (pf *PeerFrontier) Min() repr.Timestamp {
	if len(pf.peers) == 0 {
		return 0
	}
	min := pf.peers[0]
	for _, t := range pf.peers[1:] {
		if t < min {
			min = t
		}
	}
	return min
}
