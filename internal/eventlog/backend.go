// Package eventlog defines the durable append-only log consumed by the stream
// manager, plus two implementations: Redis Streams for production and an
// in-process log for tests and single-node development.
package eventlog

import (
	"context"
	"encoding/json"
	"iter"
)

// Record is one entry read back from a durable log. ID and Timestamp are
// optional; the stream manager fills them in when a backend leaves them zero.
type Record struct {
	ID        string
	Type      string
	Data      json.RawMessage
	Offset    *int64
	Timestamp int64
}

// Backend is the durable log. Failures are returned to the caller unchanged in
// meaning; the core never swallows them.
type Backend interface {
	CreateStream(ctx context.Context, streamID string, schema json.RawMessage) error
	// Append stores one event and returns its monotonically increasing offset.
	Append(ctx context.Context, streamID, eventType string, data json.RawMessage) (int64, error)
	// Head returns the offset the next Append will be assigned, which is also
	// the number of records appended so far.
	Head(ctx context.Context, streamID string) (int64, error)
	// Subscribe replays every stored record from the beginning and then
	// follows new appends until ctx is cancelled or the consumer stops ranging.
	Subscribe(ctx context.Context, streamID string) iter.Seq2[Record, error]
}

// Deleter is implemented by backends that can drop a stream.
type Deleter interface {
	DeleteStream(ctx context.Context, streamID string) (bool, error)
}
