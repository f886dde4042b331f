package storage

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/buffer"
)

// FlusherOptions sizes one flusher.
type FlusherOptions struct {
	// Workers is the number of drain goroutines. Each owns one FIFO
	// queue, so tasks submitted to the same worker index execute in
	// submission order.
	Workers int
	// QueueCapacity bounds each worker's task queue.
	QueueCapacity int
	// MaxBuffers bounds flush buffers outstanding across all writers
	// pinned to this flusher.
	MaxBuffers int
}

func (o *FlusherOptions) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = 256
	}
	if o.MaxBuffers <= 0 {
		o.MaxBuffers = 128
	}
}

// Flusher is what a partition writer needs from its disk's flusher:
// buffer custody and task submission. LocalFlusher and DfsFlusher are
// the two implementations; the writer type-switches on them to build
// its storage info.
type Flusher interface {
	TakeBuffer(timeout time.Duration) *buffer.Composite
	ReturnBuffer(buf *buffer.Composite)
	NextWorkerIndex() int
	BufferQueueInfo() string
	// Mount identifies the flusher in the device monitor: the shuffle
	// directory for local disks, "dfs" otherwise.
	Mount() string

	addTask(t *flushTask, timeout time.Duration, workerIndex int) bool
}

// flusherBase is the worker pool shared by both flusher kinds: a set
// of single-threaded drain workers and a bounded pool of reusable
// gather buffers.
type flusherBase struct {
	name   string
	mount  string
	queues []chan *flushTask

	pool        chan *buffer.Composite
	sem         *semaphore.Weighted
	outstanding atomic.Int64

	nextWorker atomic.Uint32
	stopOnce   sync.Once
	wg         sync.WaitGroup
}

func (f *flusherBase) init(name, mount string, opts FlusherOptions) {
	opts.withDefaults()
	f.name = name
	f.mount = mount
	f.queues = make([]chan *flushTask, opts.Workers)
	f.pool = make(chan *buffer.Composite, opts.MaxBuffers)
	f.sem = semaphore.NewWeighted(int64(opts.MaxBuffers))
	for i := range f.queues {
		f.queues[i] = make(chan *flushTask, opts.QueueCapacity)
	}
}

func (f *flusherBase) start() {
	for i, q := range f.queues {
		f.wg.Add(1)
		go func(worker int, q chan *flushTask) {
			defer f.wg.Done()
			for task := range q {
				task.run()
			}
		}(i, q)
	}
	log.WithFields(log.Fields{"flusher": f.name, "workers": len(f.queues)}).Debug("flusher started")
}

// Stop closes the task queues and waits for the drain workers to
// finish what was already submitted.
func (f *flusherBase) Stop() {
	f.stopOnce.Do(func() {
		for _, q := range f.queues {
			close(q)
		}
		f.wg.Wait()
	})
}

// TakeBuffer hands out an empty gather buffer, blocking up to timeout
// when the pool is drained. A nil return tells the caller to poison
// its writer.
func (f *flusherBase) TakeBuffer(timeout time.Duration) *buffer.Composite {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil
	}
	var buf *buffer.Composite
	select {
	case buf = <-f.pool:
	default:
		buf = buffer.NewComposite()
	}
	buf.MarkTaken()
	f.outstanding.Add(1)
	return buf
}

// ReturnBuffer puts a buffer back into the pool. Safe from any thread
// and idempotent: a double return is a no-op.
func (f *flusherBase) ReturnBuffer(buf *buffer.Composite) {
	if buf == nil || !buf.MarkFree() {
		return
	}
	buf.Reset()
	select {
	case f.pool <- buf:
	default:
	}
	f.outstanding.Add(-1)
	f.sem.Release(1)
}

// Outstanding reports buffers currently held by writers or in-flight
// tasks.
func (f *flusherBase) Outstanding() int64 { return f.outstanding.Load() }

// NextWorkerIndex pins a new writer to a drain worker, round robin.
func (f *flusherBase) NextWorkerIndex() int {
	return int(f.nextWorker.Add(1)-1) % len(f.queues)
}

func (f *flusherBase) Mount() string { return f.mount }

func (f *flusherBase) BufferQueueInfo() string {
	return fmt.Sprintf("flusher %s: free=%d outstanding=%d", f.name, len(f.pool), f.outstanding.Load())
}

// addTask enqueues t on the given worker, blocking up to timeout when
// the queue is full.
func (f *flusherBase) addTask(t *flushTask, timeout time.Duration, workerIndex int) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case f.queues[workerIndex] <- t:
		return true
	case <-timer.C:
		return false
	}
}

// LocalFlusher drains flush tasks onto one local disk.
type LocalFlusher struct {
	flusherBase
	mountPoint string
	diskType   string
}

func NewLocalFlusher(mountPoint, diskType string, opts FlusherOptions) *LocalFlusher {
	lf := &LocalFlusher{mountPoint: mountPoint, diskType: diskType}
	lf.init("local:"+mountPoint, mountPoint, opts)
	lf.start()
	return lf
}

func (lf *LocalFlusher) MountPoint() string { return lf.mountPoint }
func (lf *LocalFlusher) DiskType() string   { return lf.diskType }

// DfsFlusher drains flush tasks onto the distributed filesystem. One
// worker is enough; the DFS client serializes appends per stream
// anyway.
type DfsFlusher struct {
	flusherBase
}

func NewDfsFlusher(opts FlusherOptions) *DfsFlusher {
	opts.Workers = 1
	df := &DfsFlusher{}
	df.init("dfs", "dfs", opts)
	df.start()
	return df
}
