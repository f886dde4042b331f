package events

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope frames every event published by the worker.
type Envelope struct {
	Type string          `json:"type"` // e.g. "shuffle_committed"
	TS   int64           `json:"ts"`   // unix milli
	Data json.RawMessage `json:"data"`
}

// ShuffleCommitted is emitted after a commit round so the master can
// track partition placement without polling workers.
type ShuffleCommitted struct {
	ShuffleKey     string  `json:"shuffle_key"`
	CommittedFiles int     `json:"committed_files"`
	FailedFiles    int     `json:"failed_files"`
	TotalBytes     int64   `json:"total_bytes"`
	PartitionSizes []int64 `json:"partition_sizes,omitempty"`
}

// ShuffleDestroyed is emitted after a destroy round.
type ShuffleDestroyed struct {
	ShuffleKey   string `json:"shuffle_key"`
	RemovedFiles int    `json:"removed_files"`
}

// Sink publishes worker events.
type Sink interface {
	Emit(ctx context.Context, typ string, v any) error
	Close() error
}

func newEnvelope(typ string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, TS: time.Now().UnixMilli(), Data: data})
}
