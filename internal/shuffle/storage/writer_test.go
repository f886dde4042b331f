package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/buffer"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/device"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/meta"
)

func testOpts(flushBufferSize, chunkSize int64) WriterOptions {
	return WriterOptions{
		FlushBufferSize: flushBufferSize,
		ChunkSize:       chunkSize,
		CloseTimeout:    5 * time.Second,
	}
}

func newTestFlusher(t *testing.T, dir string) *LocalFlusher {
	t.Helper()
	fl := NewLocalFlusher(dir, "SSD", FlusherOptions{Workers: 1, QueueCapacity: 32, MaxBuffers: 16})
	t.Cleanup(fl.Stop)
	return fl
}

func newTestWriter(t *testing.T, opts WriterOptions) (*Writer, *LocalFlusher, string) {
	t.Helper()
	dir := t.TempDir()
	fl := newTestFlusher(t, dir)
	path := filepath.Join(dir, "part-0")
	sink, err := NewLocalSink(path)
	require.NoError(t, err)
	w := NewWriter(meta.NewLocalFileInfo(path), fl, sink, nil, nil, nil, opts)
	return w, fl, path
}

func push(t *testing.T, w *Writer, data []byte) {
	t.Helper()
	w.IncrementPendingWrites()
	buf := buffer.NewBuf(data)
	require.NoError(t, w.Write(buf))
	buf.Release()
}

func pattern(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = seed + byte(i%13)
	}
	return out
}

func TestSingleWriteCleanClose(t *testing.T) {
	w, _, path := newTestWriter(t, testOpts(1024, 4096))

	data := pattern(100, 1)
	push(t, w, data)

	flushed, err := w.Close()
	require.NoError(t, err)
	require.EqualValues(t, 100, flushed)
	require.Equal(t, []int64{100}, w.FileInfo().ChunkOffsets())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestFlushOnBufferThreshold(t *testing.T) {
	w, _, path := newTestWriter(t, testOpts(1024, 600))

	first := pattern(600, 1)
	second := pattern(600, 2)
	push(t, w, first)
	push(t, w, second)

	flushed, err := w.Close()
	require.NoError(t, err)
	require.EqualValues(t, 1200, flushed)
	require.Equal(t, []int64{600, 1200}, w.FileInfo().ChunkOffsets())

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, append(append([]byte(nil), first...), second...), got)
}

func TestFlushOnBufferThresholdLargeChunks(t *testing.T) {
	w, _, _ := newTestWriter(t, testOpts(1024, 2048))

	push(t, w, pattern(600, 1))
	push(t, w, pattern(600, 2))

	flushed, err := w.Close()
	require.NoError(t, err)
	require.EqualValues(t, 1200, flushed)
	require.Equal(t, []int64{1200}, w.FileInfo().ChunkOffsets())
}

func TestChunkBoundaries(t *testing.T) {
	w, _, _ := newTestWriter(t, testOpts(1000, 2500))

	for i := 0; i < 4; i++ {
		push(t, w, pattern(1000, byte(i)))
	}

	flushed, err := w.Close()
	require.NoError(t, err)
	require.EqualValues(t, 4000, flushed)
	require.Equal(t, []int64{3000, 4000}, w.FileInfo().ChunkOffsets())
}

func TestChunkOffsetsNonDecreasing(t *testing.T) {
	w, _, _ := newTestWriter(t, testOpts(512, 700))

	sizes := []int{100, 500, 90, 512, 1, 300, 2048, 7}
	var total int64
	for i, n := range sizes {
		push(t, w, pattern(n, byte(i)))
		total += int64(n)
	}

	flushed, err := w.Close()
	require.NoError(t, err)
	require.Equal(t, total, flushed)

	offsets := w.FileInfo().ChunkOffsets()
	require.NotEmpty(t, offsets)
	require.Equal(t, total, offsets[len(offsets)-1])
	prev := int64(0)
	for _, off := range offsets {
		require.GreaterOrEqual(t, off, prev)
		prev = off
	}
}

func TestRangeReadFilter(t *testing.T) {
	opts := testOpts(1024, 4096)
	opts.RangeReadFilter = true
	w, _, _ := newTestWriter(t, opts)

	for _, mapID := range []uint32{7, 7, 9} {
		record := pattern(64, byte(mapID))
		binary.NativeEndian.PutUint32(record[:4], mapID)
		push(t, w, record)
	}

	_, err := w.Close()
	require.NoError(t, err)

	bm := w.MapIDBitmap()
	require.NotNil(t, bm)
	require.EqualValues(t, 2, bm.GetCardinality())
	require.True(t, bm.Contains(7))
	require.True(t, bm.Contains(9))
}

func TestWriteAfterCloseFails(t *testing.T) {
	w, _, _ := newTestWriter(t, testOpts(1024, 4096))
	push(t, w, pattern(10, 1))

	_, err := w.Close()
	require.NoError(t, err)

	w.IncrementPendingWrites()
	buf := buffer.NewBuf(pattern(10, 2))
	err = w.Write(buf)
	buf.Release()
	require.ErrorIs(t, err, ErrAlreadyClosed)
	w.DecrementPendingWrites()
}

func TestCloseAfterCloseFails(t *testing.T) {
	w, _, _ := newTestWriter(t, testOpts(1024, 4096))
	push(t, w, pattern(10, 1))

	_, err := w.Close()
	require.NoError(t, err)

	_, err = w.Close()
	require.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestDeviceErrorPoisonsClose(t *testing.T) {
	dir := t.TempDir()
	fl := newTestFlusher(t, dir)
	monitor := device.NewMonitor()

	path := filepath.Join(dir, "part-0")
	sink, err := NewLocalSink(path)
	require.NoError(t, err)
	w := NewWriter(meta.NewLocalFileInfo(path), fl, sink, nil, monitor, nil, testOpts(256, 4096))
	require.Equal(t, 1, monitor.NumObservers(dir))

	// Two pushes so the second crosses the flush threshold.
	push(t, w, pattern(200, 1))
	push(t, w, pattern(200, 2))
	require.Eventually(t, func() bool { return w.notifier.Pending() == 0 },
		time.Second, 5*time.Millisecond)

	monitor.ReportError(dir, device.Failed)
	require.Equal(t, 0, monitor.NumObservers(dir))

	_, err = w.Close()
	require.Error(t, err)
	require.Contains(t, err.Error(), dir)
	require.Contains(t, err.Error(), string(device.Failed))

	// Poisoned writer drops further writes silently.
	w.IncrementPendingWrites()
	buf := buffer.NewBuf(pattern(10, 3))
	require.NoError(t, w.Write(buf))
	buf.Release()
}

func TestFlushOnMemoryPressure(t *testing.T) {
	w, _, _ := newTestWriter(t, testOpts(1024, 4096))

	push(t, w, pattern(100, 1))
	require.NoError(t, w.FlushOnMemoryPressure())
	require.EqualValues(t, 100, w.BytesFlushed())

	// Nothing buffered: a second shed is a no-op.
	require.NoError(t, w.FlushOnMemoryPressure())
	require.EqualValues(t, 100, w.BytesFlushed())

	flushed, err := w.Close()
	require.NoError(t, err)
	require.EqualValues(t, 100, flushed)
}

func TestDestroyRemovesArtifacts(t *testing.T) {
	w, fl, path := newTestWriter(t, testOpts(1024, 4096))
	push(t, w, pattern(64, 1))

	w.Destroy()
	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
	require.EqualValues(t, 0, fl.Outstanding())

	// Destroy is idempotent.
	w.Destroy()
	_, err = w.Close()
	require.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestNoBufferLeakAfterClose(t *testing.T) {
	w, fl, _ := newTestWriter(t, testOpts(256, 4096))
	for i := 0; i < 10; i++ {
		push(t, w, pattern(100, byte(i)))
	}
	_, err := w.Close()
	require.NoError(t, err)
	require.EqualValues(t, 0, fl.Outstanding())
}

func TestBufferExhaustionPoisonsWriter(t *testing.T) {
	dir := t.TempDir()
	fl := NewLocalFlusher(dir, "SSD", FlusherOptions{Workers: 1, QueueCapacity: 4, MaxBuffers: 1})
	t.Cleanup(fl.Stop)

	opts := testOpts(1024, 4096)
	opts.CloseTimeout = 100 * time.Millisecond

	sinkA, err := NewLocalSink(filepath.Join(dir, "part-a"))
	require.NoError(t, err)
	a := NewWriter(meta.NewLocalFileInfo(filepath.Join(dir, "part-a")), fl, sinkA, nil, nil, nil, opts)

	// The pool is empty now, so the second writer cannot borrow.
	sinkB, err := NewLocalSink(filepath.Join(dir, "part-b"))
	require.NoError(t, err)
	b := NewWriter(meta.NewLocalFileInfo(filepath.Join(dir, "part-b")), fl, sinkB, nil, nil, nil, opts)
	require.ErrorIs(t, b.Err(), ErrBufferExhausted)

	_, err = b.Close()
	require.ErrorIs(t, err, ErrBufferExhausted)

	b.Destroy()
	a.Destroy()
	require.EqualValues(t, 0, fl.Outstanding())
}

func TestConcurrentWritersKeepPerWriterOrder(t *testing.T) {
	dir := t.TempDir()
	fl := newTestFlusher(t, dir)
	opts := testOpts(128, 4096)

	const records = 60
	writers := make([]*Writer, 2)
	paths := make([]string, 2)
	for i := range writers {
		paths[i] = filepath.Join(dir, fmt.Sprintf("part-%d", i))
		sink, err := NewLocalSink(paths[i])
		require.NoError(t, err)
		writers[i] = NewWriter(meta.NewLocalFileInfo(paths[i]), fl, sink, nil, nil, nil, opts)
	}

	var wg sync.WaitGroup
	expected := make([][]byte, 2)
	for i, w := range writers {
		wg.Add(1)
		go func(i int, w *Writer) {
			defer wg.Done()
			for r := 0; r < records; r++ {
				record := []byte(fmt.Sprintf("w%d-%04d;", i, r))
				expected[i] = append(expected[i], record...)
				w.IncrementPendingWrites()
				buf := buffer.NewBuf(record)
				if err := w.Write(buf); err != nil {
					t.Error(err)
				}
				buf.Release()
			}
		}(i, w)
	}
	wg.Wait()

	for i, w := range writers {
		flushed, err := w.Close()
		require.NoError(t, err)
		require.EqualValues(t, len(expected[i]), flushed)
		got, err := os.ReadFile(paths[i])
		require.NoError(t, err)
		require.True(t, bytes.Equal(expected[i], got), "writer %d bytes out of order", i)
	}
	require.EqualValues(t, 0, fl.Outstanding())
}

func TestStorageInfoLocal(t *testing.T) {
	w, _, _ := newTestWriter(t, testOpts(1024, 4096))
	push(t, w, pattern(10, 1))
	_, err := w.Close()
	require.NoError(t, err)

	info := w.StorageInfo()
	require.NotNil(t, info)
	require.Equal(t, meta.LocalDisk, info.Kind)
	require.Equal(t, "SSD", info.DiskType)
	require.True(t, info.Available)
	require.NotEmpty(t, info.MountPoint)
}

type failingSink struct{}

func (failingSink) Append(*buffer.Composite) (int64, error) {
	return 0, errors.New("disk on fire")
}
func (failingSink) Close() error { return nil }

func TestSinkFailureSurfacesOnClose(t *testing.T) {
	dir := t.TempDir()
	fl := newTestFlusher(t, dir)
	w := NewWriter(meta.NewLocalFileInfo(filepath.Join(dir, "part-0")), fl, failingSink{}, nil, nil, nil, testOpts(1024, 4096))

	push(t, w, pattern(100, 1))
	_, err := w.Close()
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk on fire")
	require.EqualValues(t, 0, fl.Outstanding())
}
