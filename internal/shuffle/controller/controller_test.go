package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/buffer"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/meta"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/storage"
)

func testWriterOpts() storage.WriterOptions {
	return storage.WriterOptions{
		FlushBufferSize: 1024,
		ChunkSize:       4096,
		CloseTimeout:    5 * time.Second,
	}
}

func newTestController(t *testing.T) (*Controller, *storage.Manager) {
	t.Helper()
	mgr, err := storage.NewManager(storage.ManagerOptions{
		LocalDirs: []string{t.TempDir()},
		DiskType:  "SSD",
		Flusher:   storage.FlusherOptions{Workers: 1, QueueCapacity: 32, MaxBuffers: 16},
	}, nil, nil, nil)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	c := New(Options{
		CommitTimeout:              2 * time.Second,
		MinPartitionSizeToEstimate: 1,
	}, mgr, nil, nil)
	return c, mgr
}

func pushTo(t *testing.T, w *storage.Writer, data []byte) {
	t.Helper()
	w.IncrementPendingWrites()
	buf := buffer.NewBuf(data)
	require.NoError(t, w.Write(buf))
	buf.Release()
}

func TestReserveAndLookup(t *testing.T) {
	c, _ := newTestController(t)

	err := c.ReserveSlots("app1-1", []string{"p0", "p1"}, []string{"s0"}, false, testWriterOpts())
	require.NoError(t, err)
	require.True(t, c.Registered("app1-1"))

	for _, id := range []string{"p0", "p1", "s0"} {
		_, ok := c.LookupWriter("app1-1", id)
		require.True(t, ok, "writer %s missing", id)
	}
	_, ok := c.LookupWriter("app1-1", "ghost")
	require.False(t, ok)
}

func TestCommitFilesSuccess(t *testing.T) {
	c, mgr := newTestController(t)
	key := "app1-1"

	require.NoError(t, c.ReserveSlots(key, []string{"p0", "p1"}, nil, false, testWriterOpts()))

	w0, _ := c.LookupWriter(key, "p0")
	pushTo(t, w0, []byte("some shuffle records"))
	// p1 stays empty and must be dropped from the reply silently.

	res := c.CommitFiles(context.Background(), key, []string{"p0", "p1"}, nil, []int32{0, 0})
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, []string{"p0"}, res.CommittedPrimaryIDs)
	require.Empty(t, res.FailedPrimaryIDs)
	require.NotContains(t, res.StorageInfos, "p1")

	info := res.StorageInfos["p0"]
	require.Equal(t, meta.LocalDisk, info.Kind)
	require.True(t, info.Available)
	require.EqualValues(t, 20, res.TotalBytes)
	require.Equal(t, []int64{20}, res.PartitionSizes)

	// Slots released: the writers are gone from the registry.
	_, ok := c.LookupWriter(key, "p0")
	require.False(t, ok)
	require.EqualValues(t, 0, mgr.OutstandingBuffers())
}

type failingSink struct{}

func (failingSink) Append(*buffer.Composite) (int64, error) {
	return 0, errors.New("append exploded")
}
func (failingSink) Close() error { return nil }

func TestCommitFilesPartialSuccess(t *testing.T) {
	c, _ := newTestController(t)
	key := "app1-1"

	good := []string{"p0", "p1", "p2", "p3"}
	require.NoError(t, c.ReserveSlots(key, good, nil, false, testWriterOpts()))
	for i, id := range good {
		w, ok := c.LookupWriter(key, id)
		require.True(t, ok)
		pushTo(t, w, []byte(fmt.Sprintf("records for %s %d", id, i)))
	}

	// A fifth writer whose sink fails on append.
	dir := t.TempDir()
	fl := storage.NewLocalFlusher(dir, "SSD", storage.FlusherOptions{Workers: 1, QueueCapacity: 8, MaxBuffers: 8})
	t.Cleanup(fl.Stop)
	bad := storage.NewWriter(meta.NewLocalFileInfo(filepath.Join(dir, "p4")), fl, failingSink{}, nil, nil, nil, testWriterOpts())
	c.register(key, "p4", primary, bad)
	pushTo(t, bad, []byte("doomed records"))

	all := append(append([]string(nil), good...), "p4")
	res := c.CommitFiles(context.Background(), key, all, nil, nil)
	require.Equal(t, StatusPartialSuccess, res.Status)
	require.ElementsMatch(t, good, res.CommittedPrimaryIDs)
	require.Equal(t, []string{"p4"}, res.FailedPrimaryIDs)
	require.Empty(t, res.FailedSecondaryIDs)
	for _, id := range good {
		require.Contains(t, res.StorageInfos, id)
	}
	require.NotContains(t, res.StorageInfos, "p4")
}

func TestCommitFilesUnregisteredShuffle(t *testing.T) {
	c, _ := newTestController(t)
	res := c.CommitFiles(context.Background(), "nope", []string{"p0"}, nil, nil)
	require.Equal(t, StatusShuffleNotRegistered, res.Status)
}

func TestCommitUnknownWriterSkipped(t *testing.T) {
	c, _ := newTestController(t)
	key := "app1-1"
	require.NoError(t, c.ReserveSlots(key, []string{"p0"}, nil, false, testWriterOpts()))

	w, _ := c.LookupWriter(key, "p0")
	pushTo(t, w, []byte("data"))

	res := c.CommitFiles(context.Background(), key, []string{"p0", "ghost"}, nil, nil)
	require.Equal(t, StatusSuccess, res.Status)
	require.Equal(t, []string{"p0"}, res.CommittedPrimaryIDs)
	require.Empty(t, res.FailedPrimaryIDs)
}

func TestMapperAttemptsFirstWriterWins(t *testing.T) {
	c, _ := newTestController(t)
	key := "app1-1"
	require.NoError(t, c.ReserveSlots(key, []string{"p0"}, nil, false, testWriterOpts()))

	c.CommitFiles(context.Background(), key, nil, nil, []int32{1, 2})
	c.CommitFiles(context.Background(), key, nil, nil, []int32{9, 9})
	require.Equal(t, []int32{1, 2}, c.MapperAttempts(key))
}

func TestDestroyReportsMissingWriters(t *testing.T) {
	c, _ := newTestController(t)
	key := "app1-1"
	require.NoError(t, c.ReserveSlots(key, []string{"p0"}, []string{"s0"}, false, testWriterOpts()))

	w, _ := c.LookupWriter(key, "p0")
	path := w.FileInfo().FilePath()
	pushTo(t, w, []byte("to be destroyed"))

	res := c.Destroy(context.Background(), key, []string{"p0", "ghost"}, []string{"s0"})
	require.Equal(t, StatusPartialSuccess, res.Status)
	require.Equal(t, []string{"ghost"}, res.FailedPrimaryIDs)
	require.Empty(t, res.FailedSecondaryIDs)

	_, err := os.Stat(path)
	require.True(t, os.IsNotExist(err))
	_, ok := c.LookupWriter(key, "p0")
	require.False(t, ok)
}

// failAfterDfs fails Create for the file whose base name equals failOn,
// letting a reservation blow up mid-flight.
type failAfterDfs struct {
	storage.DirDfs
	failOn string
}

func (d failAfterDfs) Create(path string) (io.WriteCloser, error) {
	if d.failOn != "" && filepath.Base(path) == d.failOn {
		return nil, errors.New("namenode said no")
	}
	return d.DirDfs.Create(path)
}

func TestReserveRollsBackEverythingOnFailure(t *testing.T) {
	root := t.TempDir()
	dfs := failAfterDfs{DirDfs: storage.DirDfs{Root: root}, failOn: "s1"}

	mgr, err := storage.NewManager(storage.ManagerOptions{
		LocalDirs: []string{t.TempDir()},
		DfsDir:    "shuffle",
		Flusher:   storage.FlusherOptions{Workers: 1, QueueCapacity: 8, MaxBuffers: 8},
	}, dfs, nil, nil)
	require.NoError(t, err)
	t.Cleanup(mgr.Close)

	c := New(Options{CommitTimeout: time.Second}, mgr, nil, nil)

	err = c.ReserveSlots("app1-1", []string{"p0", "p1"}, []string{"s0", "s1"}, true, testWriterOpts())
	require.Error(t, err)

	// Primaries and the already-created secondary are all destroyed.
	for _, id := range []string{"p0", "p1", "s0", "s1"} {
		_, ok := c.LookupWriter("app1-1", id)
		require.False(t, ok, "writer %s must be rolled back", id)
	}
	for _, id := range []string{"p0", "p1", "s0"} {
		exists, err := dfs.Exists("shuffle/app1-1/" + id)
		require.NoError(t, err)
		require.False(t, exists, "file %s must be rolled back", id)
	}
	require.EqualValues(t, 0, mgr.OutstandingBuffers())
}

type stuckSink struct {
	release chan struct{}
}

func (s *stuckSink) Append(*buffer.Composite) (int64, error) {
	<-s.release
	return 0, nil
}
func (s *stuckSink) Close() error { return nil }

func TestCommitSealsOnTimeout(t *testing.T) {
	c, _ := newTestController(t)
	key := "app1-1"
	c.opts.CommitTimeout = 150 * time.Millisecond

	dir := t.TempDir()
	fl := storage.NewLocalFlusher(dir, "SSD", storage.FlusherOptions{Workers: 1, QueueCapacity: 8, MaxBuffers: 8})
	sink := &stuckSink{release: make(chan struct{})}
	t.Cleanup(func() {
		close(sink.release)
		fl.Stop()
	})

	w := storage.NewWriter(meta.NewLocalFileInfo(filepath.Join(dir, "p0")), fl, sink, nil, nil, nil, testWriterOpts())
	c.register(key, "p0", primary, w)
	pushTo(t, w, []byte("never lands"))

	start := time.Now()
	res := c.CommitFiles(context.Background(), key, []string{"p0"}, nil, nil)
	require.Less(t, time.Since(start), 2*time.Second, "commit must reply at the deadline")
	require.Equal(t, StatusPartialSuccess, res.Status)
	require.Equal(t, []string{"p0"}, res.FailedPrimaryIDs)
}
