package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/device"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/meta"
)

func newDfsWriter(t *testing.T, dfs DirDfs, path string, opts WriterOptions) *Writer {
	t.Helper()
	fl := NewDfsFlusher(FlusherOptions{QueueCapacity: 16, MaxBuffers: 8})
	t.Cleanup(fl.Stop)
	sink, err := NewDfsSink(dfs, path)
	require.NoError(t, err)
	return NewWriter(meta.NewDfsFileInfo(path, peerPath(path)), fl, sink, dfs, nil, nil, opts)
}

func TestDfsClosePublishesSidecars(t *testing.T) {
	dfs := DirDfs{Root: t.TempDir()}
	w := newDfsWriter(t, dfs, "app1/3/part-7-0", testOpts(1024, 600))

	push(t, w, pattern(600, 1))
	push(t, w, pattern(600, 2))

	flushed, err := w.Close()
	require.NoError(t, err)
	require.EqualValues(t, 1200, flushed)

	data, err := os.ReadFile(filepath.Join(dfs.Root, "app1/3/part-7-0"))
	require.NoError(t, err)
	require.Len(t, data, 1200)

	exists, err := dfs.Exists("app1/3/part-7-0.success")
	require.NoError(t, err)
	require.True(t, exists)

	body, err := os.ReadFile(filepath.Join(dfs.Root, "app1/3/part-7-0.index"))
	require.NoError(t, err)
	offsets, err := DecodeIndex(body)
	require.NoError(t, err)
	require.Equal(t, w.FileInfo().ChunkOffsets(), offsets)

	info := w.StorageInfo()
	require.NotNil(t, info)
	require.Equal(t, meta.DistributedFS, info.Kind)
	require.Equal(t, "app1/3/part-7-0", info.Path)
}

func TestDfsCloseLosesReplicationRace(t *testing.T) {
	dfs := DirDfs{Root: t.TempDir()}
	w := newDfsWriter(t, dfs, "app1/3/part-7-0", testOpts(1024, 4096))

	// The peer replica already published its marker.
	marker, err := dfs.Create("app1/3/part-7-1.success")
	require.NoError(t, err)
	require.NoError(t, marker.Close())

	push(t, w, pattern(100, 1))
	flushed, err := w.Close()
	require.NoError(t, err)
	require.EqualValues(t, 100, flushed)

	exists, err := dfs.Exists("app1/3/part-7-0")
	require.NoError(t, err)
	require.False(t, exists, "raced data file must be deleted")

	exists, err = dfs.Exists("app1/3/part-7-0.success")
	require.NoError(t, err)
	require.False(t, exists)

	require.Nil(t, w.StorageInfo(), "race loser publishes no storage info")
}

func TestDfsPoisonedCloseSkipsSuccessMarker(t *testing.T) {
	dfs := DirDfs{Root: t.TempDir()}
	w := newDfsWriter(t, dfs, "app1/3/part-7-0", testOpts(1024, 4096))

	push(t, w, pattern(100, 1))
	w.NotifyDeviceError("/mnt/d1", device.Failed)

	_, err := w.Close()
	require.Error(t, err)
	require.Contains(t, err.Error(), "/mnt/d1")

	exists, err := dfs.Exists("app1/3/part-7-0.success")
	require.NoError(t, err)
	require.False(t, exists, "poisoned close must not advertise the file")

	exists, err = dfs.Exists("app1/3/part-7-0.index")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestDfsDestroyRemovesAllArtifacts(t *testing.T) {
	dfs := DirDfs{Root: t.TempDir()}
	w := newDfsWriter(t, dfs, "app1/3/part-7-0", testOpts(1024, 600))

	push(t, w, pattern(600, 1))
	push(t, w, pattern(600, 2))
	_, err := w.Close()
	require.NoError(t, err)

	w.Destroy()
	for _, p := range []string{"app1/3/part-7-0", "app1/3/part-7-0.success", "app1/3/part-7-0.index"} {
		exists, err := dfs.Exists(p)
		require.NoError(t, err)
		require.False(t, exists, "artefact %s must be gone", p)
	}
}

func TestPeerPath(t *testing.T) {
	require.Equal(t, "a/part-3-1", peerPath("a/part-3-0"))
	require.Equal(t, "a/part-3-0", peerPath("a/part-3-1"))
	require.Equal(t, "a/part-3", peerPath("a/part-3"))
}
