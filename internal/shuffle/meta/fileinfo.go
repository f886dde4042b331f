package meta

import (
	"os"
	"sync"
)

// StorageKind tells which backing store holds a partition file.
type StorageKind int8

const (
	LocalDisk StorageKind = iota
	DistributedFS
)

func (k StorageKind) String() string {
	if k == DistributedFS {
		return "dfs"
	}
	return "local"
}

// StorageInfo describes where a committed partition file lives. For
// local disks the mount point and disk type come from the owning
// flusher; for the distributed FS only the path matters.
type StorageInfo struct {
	Kind       StorageKind `json:"kind"`
	DiskType   string      `json:"disk_type,omitempty"`
	MountPoint string      `json:"mount_point,omitempty"`
	Path       string      `json:"path,omitempty"`
	Available  bool        `json:"available"`
}

// Remover deletes paths on the distributed FS. It is the slice of the
// DFS capability set FileInfo needs for cleanup.
type Remover interface {
	Delete(path string) error
}

// FileInfo is the per-writer file metadata: backing-store kind, the
// data path plus its sidecar paths, and the ordered chunk-offset list.
// It is mutated only by its owning writer until close, then frozen and
// published to the registry.
type FileInfo struct {
	kind     StorageKind
	filePath string
	peerPath string // DFS only: the peer replica's data path

	mu           sync.RWMutex
	chunkOffsets []int64
}

// NewLocalFileInfo creates metadata for a local-disk partition file.
func NewLocalFileInfo(filePath string) *FileInfo {
	return &FileInfo{kind: LocalDisk, filePath: filePath}
}

// NewDfsFileInfo creates metadata for a partition file on the
// distributed FS. peerPath is the data path of the peer replica,
// used only to probe for its success marker at close.
func NewDfsFileInfo(filePath, peerPath string) *FileInfo {
	return &FileInfo{kind: DistributedFS, filePath: filePath, peerPath: peerPath}
}

func (f *FileInfo) Kind() StorageKind { return f.kind }
func (f *FileInfo) FilePath() string  { return f.filePath }

// Sidecar paths published on the distributed FS at close.
func (f *FileInfo) SuccessPath() string     { return f.filePath + ".success" }
func (f *FileInfo) IndexPath() string       { return f.filePath + ".index" }
func (f *FileInfo) PeerSuccessPath() string { return f.peerPath + ".success" }

// AddChunkOffset appends a chunk boundary. Boundaries are byte
// positions in the data file and must arrive non-decreasing.
func (f *FileInfo) AddChunkOffset(offset int64) {
	f.mu.Lock()
	f.chunkOffsets = append(f.chunkOffsets, offset)
	f.mu.Unlock()
}

// LastChunkOffset returns the most recently recorded boundary, or 0
// when none has been recorded yet.
func (f *FileInfo) LastChunkOffset() int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if len(f.chunkOffsets) == 0 {
		return 0
	}
	return f.chunkOffsets[len(f.chunkOffsets)-1]
}

// ChunkOffsets returns a copy of the boundary list.
func (f *FileInfo) ChunkOffsets() []int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]int64(nil), f.chunkOffsets...)
}

// NumChunks returns the number of fetchable chunks.
func (f *FileInfo) NumChunks() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.chunkOffsets)
}

// DeleteAllFiles removes the data file and its sidecars, best effort.
// dfs may be nil for local files.
func (f *FileInfo) DeleteAllFiles(dfs Remover) {
	if f.kind == LocalDisk {
		_ = os.Remove(f.filePath)
		return
	}
	if dfs == nil {
		return
	}
	_ = dfs.Delete(f.filePath)
	_ = dfs.Delete(f.SuccessPath())
	_ = dfs.Delete(f.IndexPath())
}
