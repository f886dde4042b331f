package ingest

import (
	"encoding/binary"
	"fmt"
)

// PushMessage is one pushed batch of shuffle records for a single
// partition replica. The wire form is
// [keyLen u16][shuffleKey][idLen u16][fileID][payload], big-endian,
// with the payload bytes landing in the partition file verbatim.
type PushMessage struct {
	ShuffleKey string
	FileID     string
	Payload    []byte
}

func (m *PushMessage) Encode() []byte {
	out := make([]byte, 0, 4+len(m.ShuffleKey)+len(m.FileID)+len(m.Payload))
	var u16 [2]byte

	binary.BigEndian.PutUint16(u16[:], uint16(len(m.ShuffleKey)))
	out = append(out, u16[:]...)
	out = append(out, m.ShuffleKey...)

	binary.BigEndian.PutUint16(u16[:], uint16(len(m.FileID)))
	out = append(out, u16[:]...)
	out = append(out, m.FileID...)

	return append(out, m.Payload...)
}

func DecodePushMessage(data []byte) (*PushMessage, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("push message truncated: %d bytes", len(data))
	}
	keyLen := int(binary.BigEndian.Uint16(data))
	off := 2
	if len(data) < off+keyLen+2 {
		return nil, fmt.Errorf("push message truncated in shuffle key")
	}
	key := string(data[off : off+keyLen])
	off += keyLen

	idLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if len(data) < off+idLen {
		return nil, fmt.Errorf("push message truncated in file id")
	}
	id := string(data[off : off+idLen])
	off += idLen

	return &PushMessage{ShuffleKey: key, FileID: id, Payload: data[off:]}, nil
}
