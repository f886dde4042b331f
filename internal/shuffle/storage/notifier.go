package storage

import (
	"sync/atomic"
	"time"
)

// waitInterval is how often drain loops re-check their counters.
const waitInterval = 20 * time.Millisecond

type stickyError struct{ err error }

// FlushNotifier pairs the pending-flush counter of one writer with a
// set-once error slot. Once the error slot is set the whole file is
// unavailable and internal counters may be inaccurate; callers must
// not attempt partial-file recovery.
type FlushNotifier struct {
	pending atomic.Int32
	err     atomic.Pointer[stickyError]
}

func NewFlushNotifier() *FlushNotifier { return &FlushNotifier{} }

func (n *FlushNotifier) IncPending() { n.pending.Add(1) }
func (n *FlushNotifier) DecPending() { n.pending.Add(-1) }

// Pending returns the number of submitted flushes not yet completed.
func (n *FlushNotifier) Pending() int { return int(n.pending.Load()) }

// SetError latches err; the first error wins and later ones are
// dropped.
func (n *FlushNotifier) SetError(err error) {
	n.err.CompareAndSwap(nil, &stickyError{err: err})
}

func (n *FlushNotifier) HasError() bool { return n.err.Load() != nil }

// Err returns the latched error, or nil.
func (n *FlushNotifier) Err() error {
	if s := n.err.Load(); s != nil {
		return s.err
	}
	return nil
}
