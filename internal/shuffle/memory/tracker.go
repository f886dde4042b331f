package memory

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Flushable is anything that can shed buffered bytes on demand.
type Flushable interface {
	FlushOnMemoryPressure() error
}

// Tracker counts shuffle bytes sitting in flush buffers across the
// whole worker. Writers increment it on every accepted write and the
// flush path decrements it once bytes reach the sink. Crossing the
// high-water mark asks every registered writer to flush early.
type Tracker struct {
	diskBufferBytes atomic.Int64
	highWater       int64

	mu        sync.Mutex
	flushable map[Flushable]struct{}
	shedding  atomic.Bool
}

// NewTracker creates a tracker. highWater <= 0 disables the pressure
// hook and leaves only the accounting.
func NewTracker(highWater int64) *Tracker {
	return &Tracker{highWater: highWater, flushable: make(map[Flushable]struct{})}
}

func (t *Tracker) Register(f Flushable) {
	t.mu.Lock()
	t.flushable[f] = struct{}{}
	t.mu.Unlock()
}

func (t *Tracker) Unregister(f Flushable) {
	t.mu.Lock()
	delete(t.flushable, f)
	t.mu.Unlock()
}

// DiskBufferBytes returns the bytes currently held in flush buffers.
func (t *Tracker) DiskBufferBytes() int64 { return t.diskBufferBytes.Load() }

// IncrementDiskBuffer records n accepted bytes and triggers a shed
// pass when the high-water mark is crossed.
func (t *Tracker) IncrementDiskBuffer(n int64) {
	total := t.diskBufferBytes.Add(n)
	if t.highWater > 0 && total >= t.highWater {
		t.shed(total)
	}
}

// DecrementDiskBuffer records n bytes leaving the buffers.
func (t *Tracker) DecrementDiskBuffer(n int64) {
	t.diskBufferBytes.Add(-n)
}

// shed runs at most one pass at a time; writers that raced past the
// mark simply ride on the in-flight pass.
func (t *Tracker) shed(total int64) {
	if !t.shedding.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer t.shedding.Store(false)
		log.WithField("buffered", total).Info("memory pressure, flushing writers")
		t.mu.Lock()
		targets := make([]Flushable, 0, len(t.flushable))
		for f := range t.flushable {
			targets = append(targets, f)
		}
		t.mu.Unlock()
		for _, f := range targets {
			if err := f.FlushOnMemoryPressure(); err != nil {
				log.WithError(err).Warn("pressure flush failed")
			}
		}
	}()
}
