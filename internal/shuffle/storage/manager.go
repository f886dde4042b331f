package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/device"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/memory"
	"github.com/chenzhangda16/shufflepipe/internal/shuffle/meta"
)

// ManagerOptions wires the storage manager.
type ManagerOptions struct {
	// LocalDirs is one shuffle directory per disk; each gets its own
	// flusher.
	LocalDirs []string
	DiskType  string
	// DfsDir is the base directory on the distributed FS namespace.
	// Empty disables DFS placement.
	DfsDir  string
	Flusher FlusherOptions
}

// Manager owns the per-disk flushers plus the optional DFS flusher and
// allocates partition writers onto them.
type Manager struct {
	opts       ManagerOptions
	flushers   []*LocalFlusher
	dfsFlusher *DfsFlusher
	dfs        Dfs
	monitor    *device.Monitor
	tracker    *memory.Tracker
	nextDisk   atomic.Uint32
}

func NewManager(opts ManagerOptions, dfs Dfs, monitor *device.Monitor, tracker *memory.Tracker) (*Manager, error) {
	if len(opts.LocalDirs) == 0 && dfs == nil {
		return nil, fmt.Errorf("storage manager: no local dirs and no dfs")
	}
	if opts.DiskType == "" {
		opts.DiskType = "HDD"
	}
	m := &Manager{opts: opts, dfs: dfs, monitor: monitor, tracker: tracker}
	for _, dir := range opts.LocalDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create shuffle dir %s: %w", dir, err)
		}
		m.flushers = append(m.flushers, NewLocalFlusher(dir, opts.DiskType, opts.Flusher))
	}
	if dfs != nil {
		m.dfsFlusher = NewDfsFlusher(opts.Flusher)
	}
	log.WithFields(log.Fields{"disks": len(m.flushers), "dfs": dfs != nil}).Info("storage manager up")
	return m, nil
}

func (m *Manager) HasDfs() bool { return m.dfs != nil }

// Dfs returns the distributed FS client, or nil.
func (m *Manager) Dfs() Dfs { return m.dfs }

// Mounts lists the local shuffle directories, one per flusher.
func (m *Manager) Mounts() []string {
	return append([]string(nil), m.opts.LocalDirs...)
}

// CreateLocalWriter allocates a partition file for fileID under one of
// the local disks, round robin, and opens a writer on that disk's
// flusher.
func (m *Manager) CreateLocalWriter(shuffleKey, fileID string, wopts WriterOptions) (*Writer, error) {
	if len(m.flushers) == 0 {
		return nil, fmt.Errorf("no local disks configured")
	}
	i := int(m.nextDisk.Add(1)-1) % len(m.flushers)
	flusher := m.flushers[i]

	dir := filepath.Join(flusher.MountPoint(), shuffleKey)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create partition dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, fileID)
	sink, err := NewLocalSink(path)
	if err != nil {
		return nil, err
	}
	fileInfo := meta.NewLocalFileInfo(path)
	return NewWriter(fileInfo, flusher, sink, nil, m.monitor, m.tracker, wopts), nil
}

// CreateDfsWriter allocates a partition file on the distributed FS.
func (m *Manager) CreateDfsWriter(shuffleKey, fileID string, wopts WriterOptions) (*Writer, error) {
	if m.dfs == nil {
		return nil, fmt.Errorf("no dfs configured")
	}
	path := m.opts.DfsDir + "/" + shuffleKey + "/" + fileID
	sink, err := NewDfsSink(m.dfs, path)
	if err != nil {
		return nil, err
	}
	fileInfo := meta.NewDfsFileInfo(path, peerPath(path))
	return NewWriter(fileInfo, m.dfsFlusher, sink, m.dfs, m.monitor, m.tracker, wopts), nil
}

// peerPath maps a replica's data path to its peer's by flipping the
// trailing replica index ("-0" <-> "-1").
func peerPath(path string) string {
	switch {
	case strings.HasSuffix(path, "-0"):
		return path[:len(path)-1] + "1"
	case strings.HasSuffix(path, "-1"):
		return path[:len(path)-1] + "0"
	}
	return path
}

// OutstandingBuffers sums buffers currently out of every pool; zero
// once all writers are terminal.
func (m *Manager) OutstandingBuffers() int64 {
	var total int64
	for _, f := range m.flushers {
		total += f.Outstanding()
	}
	if m.dfsFlusher != nil {
		total += m.dfsFlusher.Outstanding()
	}
	return total
}

// Close stops every flusher after its queued tasks drain.
func (m *Manager) Close() {
	for _, f := range m.flushers {
		f.Stop()
	}
	if m.dfsFlusher != nil {
		m.dfsFlusher.Stop()
	}
}
