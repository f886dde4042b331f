package meta

import (
	"encoding/json"
	"fmt"

	"github.com/tecbot/gorocksdb"
)

// CommittedFile is the frozen metadata of one committed partition
// file, as persisted in the registry.
type CommittedFile struct {
	ShuffleKey   string      `json:"shuffle_key"`
	FileID       string      `json:"file_id"`
	Path         string      `json:"path"`
	ChunkOffsets []int64     `json:"chunk_offsets"`
	BytesFlushed int64       `json:"bytes_flushed"`
	Storage      StorageInfo `json:"storage"`
	MapIDBitmap  []byte      `json:"map_id_bitmap,omitempty"`
}

// Registry persists committed-file metadata in RocksDB so a restarted
// worker can keep serving fetches for files already on its disks.
// Keys: c/<shuffleKey>/<fileID>.
type Registry struct {
	db *gorocksdb.DB
	ro *gorocksdb.ReadOptions
	wo *gorocksdb.WriteOptions
}

func OpenRegistry(path string) (*Registry, error) {
	opts := gorocksdb.NewDefaultOptions()
	opts.SetCreateIfMissing(true)

	db, err := gorocksdb.OpenDb(opts, path)
	if err != nil {
		return nil, fmt.Errorf("open registry %s: %w", path, err)
	}
	return &Registry{
		db: db,
		ro: gorocksdb.NewDefaultReadOptions(),
		wo: gorocksdb.NewDefaultWriteOptions(),
	}, nil
}

func (r *Registry) Close() {
	if r.ro != nil {
		r.ro.Destroy()
	}
	if r.wo != nil {
		r.wo.Destroy()
	}
	if r.db != nil {
		r.db.Close()
	}
}

func shuffleKeyPrefix(shuffleKey string) []byte {
	return []byte("c/" + shuffleKey + "/")
}

func fileKey(shuffleKey, fileID string) []byte {
	return append(shuffleKeyPrefix(shuffleKey), fileID...)
}

// PutCommitted records the committed files of one commit. All of them
// are written in one batch so a crash never persists half a commit reply.
func (r *Registry) PutCommitted(files []CommittedFile) error {
	wb := gorocksdb.NewWriteBatch()
	defer wb.Destroy()

	for _, cf := range files {
		val, err := json.Marshal(cf)
		if err != nil {
			return err
		}
		wb.Put(fileKey(cf.ShuffleKey, cf.FileID), val)
	}
	return r.db.Write(r.wo, wb)
}

// ListCommitted returns every committed file recorded for shuffleKey.
func (r *Registry) ListCommitted(shuffleKey string) ([]CommittedFile, error) {
	prefix := shuffleKeyPrefix(shuffleKey)

	it := r.db.NewIterator(r.ro)
	defer it.Close()

	var out []CommittedFile
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		// Iterator slices are RocksDB-owned; decode before Free.
		val := it.Value()
		var cf CommittedFile
		err := json.Unmarshal(val.Data(), &cf)
		val.Free()
		it.Key().Free()
		if err != nil {
			return nil, fmt.Errorf("registry entry corrupt for %s: %w", shuffleKey, err)
		}
		out = append(out, cf)
	}
	if err := it.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteShuffle drops every committed file recorded for shuffleKey.
func (r *Registry) DeleteShuffle(shuffleKey string) error {
	files, err := r.ListCommitted(shuffleKey)
	if err != nil {
		return err
	}
	wb := gorocksdb.NewWriteBatch()
	defer wb.Destroy()
	for _, cf := range files {
		wb.Delete(fileKey(cf.ShuffleKey, cf.FileID))
	}
	return r.db.Write(r.wo, wb)
}
