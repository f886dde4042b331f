package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/colinmarc/hdfs/v2"
)

// Dfs is the capability set the write path needs from the distributed
// filesystem: sequential create for data and sidecar files, plus the
// existence probe and delete used at close.
type Dfs interface {
	Create(path string) (io.WriteCloser, error)
	Exists(path string) (bool, error)
	Delete(path string) error
}

// HdfsClient adapts an HDFS connection to the Dfs capability set.
type HdfsClient struct {
	c *hdfs.Client
}

// NewHdfsClient connects to the namenode at address (host:port).
func NewHdfsClient(address string) (*HdfsClient, error) {
	c, err := hdfs.New(address)
	if err != nil {
		return nil, fmt.Errorf("hdfs connect %s: %w", address, err)
	}
	return &HdfsClient{c: c}, nil
}

func (h *HdfsClient) Create(path string) (io.WriteCloser, error) {
	if err := h.c.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("hdfs mkdir %s: %w", filepath.Dir(path), err)
	}
	w, err := h.c.Create(path)
	if err != nil {
		return nil, fmt.Errorf("hdfs create %s: %w", path, err)
	}
	return w, nil
}

func (h *HdfsClient) Exists(path string) (bool, error) {
	_, err := h.c.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("hdfs stat %s: %w", path, err)
}

func (h *HdfsClient) Delete(path string) error {
	err := h.c.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("hdfs remove %s: %w", path, err)
	}
	return nil
}

func (h *HdfsClient) Close() error { return h.c.Close() }

// DirDfs serves the same capability set from a locally mounted
// directory, e.g. an NFS export shared between workers. It is also
// what the tests run against.
type DirDfs struct {
	Root string
}

func (d DirDfs) resolve(path string) string {
	return filepath.Join(d.Root, filepath.FromSlash(path))
}

func (d DirDfs) Create(path string) (io.WriteCloser, error) {
	full := d.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	return os.Create(full)
}

func (d DirDfs) Exists(path string) (bool, error) {
	_, err := os.Stat(d.resolve(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (d DirDfs) Delete(path string) error {
	err := os.Remove(d.resolve(path))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
