package storage

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	log "github.com/sirupsen/logrus"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/buffer"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/device"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/memory"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/meta"
)

// SplitMode decides how a writer crossing its split threshold is
// handled upstream.
type SplitMode int8

const (
	SoftSplit SplitMode = iota
	HardSplit
)

// PartitionType distinguishes reducer-keyed from mapper-keyed
// partition files.
type PartitionType int8

const (
	ReducePartition PartitionType = iota
	MapPartition
)

// pushHeaderLen is the fixed record header pushed ahead of each batch;
// its first four bytes carry the map id in host byte order.
const pushHeaderLen = 16

// WriterOptions carries the per-writer slice of the worker config.
type WriterOptions struct {
	FlushBufferSize int64
	ChunkSize       int64
	CloseTimeout    time.Duration
	SplitThreshold  int64
	SplitMode       SplitMode
	PartitionType   PartitionType
	RangeReadFilter bool
}

// Writer owns one partition replica file: it accepts pushed records,
// gathers them into a flush buffer, hands full buffers to its flusher,
// tracks chunk boundaries, and finalizes or tears down the file.
//
// Once the notifier carries an error the whole file is unavailable and
// counters may be inaccurate; no partial-file recovery is attempted.
type Writer struct {
	fileInfo    *meta.FileInfo
	flusher     Flusher
	workerIndex int
	sink        Sink
	dfs         Dfs // nil for local files
	opts        WriterOptions
	notifier    *FlushNotifier
	monitor     *device.Monitor
	tracker     *memory.Tracker

	numPendingWrites atomic.Int32
	closed           atomic.Bool

	// mu is the writer monitor: it serializes Write, the buffer phase
	// of Close, FlushOnMemoryPressure and returnBuffer.
	mu           sync.Mutex
	flushBuffer  *buffer.Composite
	nextBoundary int64
	bytesFlushed int64
	deleted      bool
	mapIDs       *roaring.Bitmap
	destroyHook  func()
}

// NewWriter wraps the already-open sink for fileInfo, registers with the
// monitor and tracker when given, and borrows the writer's first flush
// buffer. dfs may be nil for local files.
func NewWriter(
	fileInfo *meta.FileInfo,
	flusher Flusher,
	sink Sink,
	dfs Dfs,
	monitor *device.Monitor,
	tracker *memory.Tracker,
	opts WriterOptions,
) *Writer {
	w := &Writer{
		fileInfo:     fileInfo,
		flusher:      flusher,
		workerIndex:  flusher.NextWorkerIndex(),
		sink:         sink,
		dfs:          dfs,
		opts:         opts,
		notifier:     NewFlushNotifier(),
		monitor:      monitor,
		tracker:      tracker,
		nextBoundary: opts.ChunkSize,
	}
	if opts.RangeReadFilter {
		w.mapIDs = roaring.New()
	}
	if monitor != nil {
		monitor.Register(flusher.Mount(), w)
	}
	if tracker != nil {
		tracker.Register(w)
	}
	w.mu.Lock()
	w.takeBuffer()
	w.mu.Unlock()
	return w
}

func (w *Writer) FileInfo() *meta.FileInfo { return w.fileInfo }

// BytesFlushed is the sum of byte lengths of all successfully
// submitted flush tasks.
func (w *Writer) BytesFlushed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bytesFlushed
}

// Err returns the sticky error latched on the writer's notifier, or
// nil.
func (w *Writer) Err() error { return w.notifier.Err() }

func (w *Writer) SplitThreshold() int64 { return w.opts.SplitThreshold }
func (w *Writer) SplitMode() SplitMode  { return w.opts.SplitMode }

// NeedsSplit reports whether flushed plus buffered bytes crossed the
// split threshold.
func (w *Writer) NeedsSplit() bool {
	if w.opts.SplitThreshold <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	buffered := int64(0)
	if w.flushBuffer != nil {
		buffered = int64(w.flushBuffer.Len())
	}
	return w.bytesFlushed+buffered >= w.opts.SplitThreshold
}

// IncrementPendingWrites announces a write whose bytes have not yet
// landed in the current buffer. Close waits for the counter to reach
// zero before draining.
func (w *Writer) IncrementPendingWrites() { w.numPendingWrites.Add(1) }

// DecrementPendingWrites reconciles an announced write that will never
// land (e.g. Write rejected it with an error).
func (w *Writer) DecrementPendingWrites() { w.numPendingWrites.Add(-1) }

// Write appends data to the current flush buffer, triggering a
// non-final flush when the buffer would cross the flush threshold.
// The data buffer is retained, not copied. A poisoned writer drops the
// data silently: the file is already unrecoverable.
func (w *Writer) Write(data *buffer.Buf) error {
	if w.closed.Load() {
		return fmt.Errorf("%w: %s", ErrAlreadyClosed, w.fileInfo.FilePath())
	}
	if w.notifier.HasError() {
		return nil
	}

	var mapID uint32
	if w.opts.RangeReadFilter && data.Len() >= pushHeaderLen {
		mapID = binary.NativeEndian.Uint32(data.Bytes()[:4])
	}

	numBytes := data.Len()
	if w.tracker != nil {
		w.tracker.IncrementDiskBuffer(int64(numBytes))
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.opts.RangeReadFilter {
		w.mapIDs.Add(mapID)
	}

	if w.flushBuffer == nil {
		// The borrow after the previous flush failed and poisoned the
		// writer; this write is dropped like any other poisoned write.
		if w.tracker != nil {
			w.tracker.DecrementDiskBuffer(int64(numBytes))
		}
		return nil
	}

	if w.flushBuffer.Len() != 0 && int64(w.flushBuffer.Len()+numBytes) >= w.opts.FlushBufferSize {
		if err := w.flush(false); err != nil {
			if w.tracker != nil {
				w.tracker.DecrementDiskBuffer(int64(numBytes))
			}
			return err
		}
		w.takeBuffer()
		if w.flushBuffer == nil {
			if w.tracker != nil {
				w.tracker.DecrementDiskBuffer(int64(numBytes))
			}
			return nil
		}
	}

	w.flushBuffer.Append(data)
	w.numPendingWrites.Add(-1)
	return nil
}

// FlushOnMemoryPressure sheds the current buffer early so the memory
// manager can reclaim outstanding disk-buffer bytes.
func (w *Writer) FlushOnMemoryPressure() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flushBuffer == nil || w.flushBuffer.Len() == 0 {
		return nil
	}
	if err := w.flush(false); err != nil {
		return err
	}
	w.takeBuffer()
	return nil
}

// flush submits the current buffer as a task. Caller holds w.mu.
func (w *Writer) flush(finalFlush bool) error {
	numBytes := int64(w.flushBuffer.Len())
	if err := w.notifier.Err(); err != nil {
		return err
	}
	w.notifier.IncPending()
	task := &flushTask{
		buf:      w.flushBuffer,
		sink:     w.sink,
		notifier: w.notifier,
		flusher:  w.flusher,
		tracker:  w.tracker,
	}
	if !w.flusher.addTask(task, w.opts.CloseTimeout, w.workerIndex) {
		err := fmt.Errorf("%w: %s", ErrFlushQueueFull, w.flusher.BufferQueueInfo())
		w.notifier.SetError(err)
		return err
	}
	w.flushBuffer = nil
	w.bytesFlushed += numBytes
	w.maybeSetChunkOffsets(finalFlush)
	return nil
}

// maybeSetChunkOffsets records a chunk boundary after a flush. Caller
// holds w.mu.
func (w *Writer) maybeSetChunkOffsets(forceSet bool) {
	if w.bytesFlushed >= w.nextBoundary || forceSet {
		w.fileInfo.AddChunkOffset(w.bytesFlushed)
		w.nextBoundary = w.bytesFlushed + w.opts.ChunkSize
	}
}

// A giant record can be flushed without reaching the next boundary; in
// that case the last offset lags bytesFlushed and close must force a
// final boundary.
func (w *Writer) isChunkOffsetValid() bool {
	return w.fileInfo.LastChunkOffset() == w.bytesFlushed
}

// Close drains pending writes and flushes, flushes the tail, records
// the final chunk boundary, finalizes the sink and returns the total
// bytes flushed. The byte count is valid even when finalization
// failed; drain failures are returned as the error.
func (w *Writer) Close() (int64, error) {
	if w.closed.Load() {
		return 0, fmt.Errorf("%w: %s", ErrAlreadyClosed, w.fileInfo.FilePath())
	}

	drainErr := w.drainAndFlushTail()

	w.returnBuffer()
	w.finalize(drainErr)
	if w.monitor != nil {
		w.monitor.Unregister(w.flusher.Mount(), w)
	}
	if w.tracker != nil {
		w.tracker.Unregister(w)
	}

	w.mu.Lock()
	flushed := w.bytesFlushed
	w.mu.Unlock()
	return flushed, drainErr
}

func (w *Writer) drainAndFlushTail() error {
	if err := w.waitOnNoPending(func() int { return int(w.numPendingWrites.Load()) }); err != nil {
		return err
	}
	w.closed.Store(true)

	w.mu.Lock()
	if w.flushBuffer != nil && w.flushBuffer.Len() > 0 {
		if err := w.flush(true); err != nil {
			w.mu.Unlock()
			return err
		}
	}
	if !w.isChunkOffsetValid() {
		w.maybeSetChunkOffsets(true)
	}
	w.mu.Unlock()

	return w.waitOnNoPending(w.notifier.Pending)
}

// finalize closes the sink and, for DFS files that drained cleanly,
// publishes the success marker and chunk index. A peer replica that
// already published its marker wins the race: our data file is deleted
// instead. Finalization failures are logged, never raised.
func (w *Writer) finalize(drainErr error) {
	flog := log.WithField("file", w.fileInfo.FilePath())

	if w.sink != nil {
		if err := w.sink.Close(); err != nil {
			flog.WithError(err).Warn("close sink failed")
		}
	}
	if w.fileInfo.Kind() != meta.DistributedFS || w.dfs == nil {
		return
	}

	exists, err := w.dfs.Exists(w.fileInfo.PeerSuccessPath())
	if err != nil {
		flog.WithError(err).Warn("probe peer success marker failed")
		return
	}
	if exists {
		if err := w.dfs.Delete(w.fileInfo.FilePath()); err != nil {
			flog.WithError(err).Warn("delete replica-raced file failed")
		}
		w.mu.Lock()
		w.deleted = true
		w.mu.Unlock()
		return
	}
	if drainErr != nil || w.notifier.HasError() {
		// The file is unusable; advertising it would hand readers a
		// broken partition.
		return
	}
	if err := w.publishSidecars(); err != nil {
		flog.WithError(err).Warn("publish success marker and index failed")
	}
}

func (w *Writer) publishSidecars() error {
	marker, err := w.dfs.Create(w.fileInfo.SuccessPath())
	if err != nil {
		return err
	}
	if err := marker.Close(); err != nil {
		return err
	}
	index, err := w.dfs.Create(w.fileInfo.IndexPath())
	if err != nil {
		return err
	}
	if _, err := index.Write(EncodeIndex(w.fileInfo.ChunkOffsets())); err != nil {
		index.Close()
		return err
	}
	return index.Close()
}

// Destroy tears the writer down from any state: poisons the notifier,
// releases the buffer, closes the sink and removes every file artefact
// best effort. Idempotent and never raises.
func (w *Writer) Destroy() {
	if w.closed.CompareAndSwap(false, true) {
		w.notifier.SetError(fmt.Errorf("%w: %s", ErrDestroyed, w.fileInfo.FilePath()))
		w.returnBuffer()
		if w.sink != nil {
			if err := w.sink.Close(); err != nil {
				log.WithField("file", w.fileInfo.FilePath()).WithError(err).Warn("close sink failed")
			}
		}
	}

	w.fileInfo.DeleteAllFiles(w.dfs)

	if w.monitor != nil {
		w.monitor.Unregister(w.flusher.Mount(), w)
	}
	if w.tracker != nil {
		w.tracker.Unregister(w)
	}
	w.mu.Lock()
	hook := w.destroyHook
	w.destroyHook = nil
	w.mu.Unlock()
	if hook != nil {
		hook()
	}
}

// RegisterDestroyHook installs the one-shot callback that unlinks this
// writer from its owner's writer list.
func (w *Writer) RegisterDestroyHook(hook func()) {
	w.mu.Lock()
	w.destroyHook = hook
	w.mu.Unlock()
}

// StorageInfo describes where the closed file lives. A DFS writer that
// lost the replication race reports nil.
func (w *Writer) StorageInfo() *meta.StorageInfo {
	switch f := w.flusher.(type) {
	case *LocalFlusher:
		return &meta.StorageInfo{
			Kind:       meta.LocalDisk,
			DiskType:   f.DiskType(),
			MountPoint: f.MountPoint(),
			Available:  true,
		}
	default:
		w.mu.Lock()
		deleted := w.deleted
		w.mu.Unlock()
		if deleted {
			return nil
		}
		return &meta.StorageInfo{
			Kind:      meta.DistributedFS,
			Path:      w.fileInfo.FilePath(),
			Available: true,
		}
	}
}

// MapIDBitmap returns the map-id presence bitmap, or nil when the
// range-read filter is off.
func (w *Writer) MapIDBitmap() *roaring.Bitmap { return w.mapIDs }

// NotifyDeviceError poisons the writer when its disk fails. Called by
// the device monitor, possibly concurrent with Write or Close.
func (w *Writer) NotifyDeviceError(mountPoint string, status device.DiskStatus) {
	if !w.notifier.HasError() {
		w.notifier.SetError(fmt.Errorf("device error on %s: %s", mountPoint, status))
	}
	if w.monitor != nil {
		w.monitor.Unregister(w.flusher.Mount(), w)
	}
}

func (w *Writer) NotifyHealthy(mountPoint string) {}

func (w *Writer) NotifyHighDiskUsage(mountPoint string) {}

// waitOnNoPending polls counter down to zero within the close timeout.
// A latched error or the deadline aborts the wait.
func (w *Writer) waitOnNoPending(counter func() int) error {
	waitTime := w.opts.CloseTimeout
	for counter() > 0 && waitTime > 0 {
		if err := w.notifier.Err(); err != nil {
			return err
		}
		time.Sleep(waitInterval)
		waitTime -= waitInterval
	}
	if counter() > 0 {
		err := fmt.Errorf("%w: %s after %s", ErrPendingTimeout, w.fileInfo.FilePath(), w.opts.CloseTimeout)
		w.notifier.SetError(err)
		return err
	}
	return w.notifier.Err()
}

// takeBuffer borrows the next flush buffer; failure poisons the
// writer. Caller holds w.mu.
func (w *Writer) takeBuffer() {
	w.flushBuffer = w.flusher.TakeBuffer(w.opts.CloseTimeout)
	if w.flushBuffer == nil {
		w.notifier.SetError(fmt.Errorf("%w: %s", ErrBufferExhausted, w.flusher.BufferQueueInfo()))
	}
}

// returnBuffer gives the held buffer back to the pool, if any.
func (w *Writer) returnBuffer() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.flushBuffer != nil {
		if w.tracker != nil {
			w.tracker.DecrementDiskBuffer(int64(w.flushBuffer.Len()))
		}
		w.flusher.ReturnBuffer(w.flushBuffer)
		w.flushBuffer = nil
	}
}
