package storage

import (
	"fmt"
	"io"
	"os"

	"github.com/chenzhangda16/shufflepipe/internal/shuffle/buffer"
)

// Sink is the backing store handle for one partition file. Appends are
// strictly sequential and single-writer; the per-flusher drain thread
// is the only appender once the writer is running.
type Sink interface {
	// Append drains buf into the file in one logical append.
	Append(buf *buffer.Composite) (int64, error)
	Close() error
}

// LocalSink appends to a file on a local disk.
type LocalSink struct {
	f *os.File
}

func NewLocalSink(path string) (*LocalSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open partition file %s: %w", path, err)
	}
	return &LocalSink{f: f}, nil
}

func (s *LocalSink) Append(buf *buffer.Composite) (int64, error) {
	return buf.WriteTo(s.f)
}

func (s *LocalSink) Close() error {
	return s.f.Close()
}

// DfsSink appends to a stream on the distributed filesystem.
type DfsSink struct {
	w io.WriteCloser
}

func NewDfsSink(dfs Dfs, path string) (*DfsSink, error) {
	w, err := dfs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create dfs partition file %s: %w", path, err)
	}
	return &DfsSink{w: w}, nil
}

func (s *DfsSink) Append(buf *buffer.Composite) (int64, error) {
	return buf.WriteTo(s.w)
}

func (s *DfsSink) Close() error {
	return s.w.Close()
}
