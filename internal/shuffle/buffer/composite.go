package buffer

import (
	"fmt"
	"io"
	"sync/atomic"
)

// Buf is a reference-counted read-only view of a byte slice. Push data
// arrives from the transport as one Buf per record; a writer retains it
// into its gather buffer without copying, and the flush worker releases
// it after the bytes reach the sink.
type Buf struct {
	data    []byte
	refs    atomic.Int32
	recycle func([]byte)
}

// NewBuf wraps data with an initial reference count of one.
func NewBuf(data []byte) *Buf {
	b := &Buf{data: data}
	b.refs.Store(1)
	return b
}

// NewRecycledBuf wraps data and calls recycle once the last reference
// is released, letting the transport reuse its receive buffers.
func NewRecycledBuf(data []byte, recycle func([]byte)) *Buf {
	b := NewBuf(data)
	b.recycle = recycle
	return b
}

// Retain adds a reference and returns b for chaining.
func (b *Buf) Retain() *Buf {
	if b.refs.Add(1) <= 1 {
		panic("buffer: retain of released Buf")
	}
	return b
}

// Release drops one reference. The underlying slice must not be touched
// after the owning reference is gone.
func (b *Buf) Release() {
	switch n := b.refs.Add(-1); {
	case n == 0:
		if b.recycle != nil {
			b.recycle(b.data)
		}
		b.data = nil
	case n < 0:
		panic("buffer: release of released Buf")
	}
}

// Bytes returns the underlying slice. Callers must hold a reference.
func (b *Buf) Bytes() []byte { return b.data }

// Len returns the number of readable bytes.
func (b *Buf) Len() int { return len(b.data) }

// Composite gathers retained Bufs for one vectored append to a sink.
// It never copies record bytes and has no capacity limit of its own;
// the writer decides when to flush from its FlushBufferSize option.
type Composite struct {
	segs []*Buf
	size int

	// free guards against a double return to the flusher pool.
	free atomic.Bool
}

// NewComposite returns an empty gather buffer.
func NewComposite() *Composite {
	return &Composite{segs: make([]*Buf, 0, 16)}
}

// Append retains data and adds it as the next segment.
func (c *Composite) Append(data *Buf) {
	data.Retain()
	c.segs = append(c.segs, data)
	c.size += data.Len()
}

// Len returns the total readable bytes across all segments.
func (c *Composite) Len() int { return c.size }

// WriteTo drains every segment into w in order, in a single logical
// append. The segments stay retained; Reset releases them.
func (c *Composite) WriteTo(w io.Writer) (int64, error) {
	var written int64
	for _, seg := range c.segs {
		n, err := w.Write(seg.Bytes())
		written += int64(n)
		if err != nil {
			return written, fmt.Errorf("composite write: %w", err)
		}
	}
	return written, nil
}

// Reset releases all segments and empties the buffer for reuse.
func (c *Composite) Reset() {
	for i, seg := range c.segs {
		seg.Release()
		c.segs[i] = nil
	}
	c.segs = c.segs[:0]
	c.size = 0
}

// MarkTaken and MarkFree implement the idempotent pool hand-off used
// by the flusher: a buffer leaves the free state exactly once per
// take.

func (c *Composite) MarkTaken() { c.free.Store(false) }

// MarkFree flips the buffer to the free state; it reports false when
// the buffer was already free, so a second return is a no-op.
func (c *Composite) MarkFree() bool {
	return c.free.CompareAndSwap(false, true)
}
