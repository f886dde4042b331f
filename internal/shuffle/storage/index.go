package storage

import (
	"encoding/binary"
	"fmt"
)

// Chunk index codec. The sidecar index file published next to a DFS
// partition file is a 4-byte big-endian count followed by count 8-byte
// big-endian offsets.

// EncodeIndex serializes the chunk-offset list.
func EncodeIndex(offsets []int64) []byte {
	out := make([]byte, 4+8*len(offsets))
	binary.BigEndian.PutUint32(out[0:4], uint32(len(offsets)))
	for i, off := range offsets {
		binary.BigEndian.PutUint64(out[4+8*i:], uint64(off))
	}
	return out
}

// DecodeIndex parses an index file body produced by EncodeIndex.
func DecodeIndex(b []byte) ([]int64, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("chunk index too short: %d bytes", len(b))
	}
	count := int(int32(binary.BigEndian.Uint32(b[0:4])))
	if count < 0 || len(b) != 4+8*count {
		return nil, fmt.Errorf("chunk index corrupt: count=%d len=%d", count, len(b))
	}
	offsets := make([]int64, count)
	for i := range offsets {
		offsets[i] = int64(binary.BigEndian.Uint64(b[4+8*i:]))
	}
	return offsets, nil
}
