package storage

import (
	"fmt"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/buffer"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/memory"
)

// flushTask is one submittable unit of flushing: a full gather buffer,
// the sink it drains into, and the notifier to settle. Immutable once
// submitted.
type flushTask struct {
	buf      *buffer.Composite
	sink     Sink
	notifier *FlushNotifier
	flusher  Flusher
	tracker  *memory.Tracker
}

// run drains the buffer into the sink. The buffer goes back to the
// pool regardless of outcome, and on failure the error is latched
// before the pending count drops so a waiter waking on zero observes
// it.
func (t *flushTask) run() {
	size := int64(t.buf.Len())
	_, err := t.sink.Append(t.buf)
	t.flusher.ReturnBuffer(t.buf)
	if t.tracker != nil {
		t.tracker.DecrementDiskBuffer(size)
	}
	if err != nil {
		t.notifier.SetError(fmt.Errorf("flush: %w", err))
	}
	t.notifier.DecPending()
}
