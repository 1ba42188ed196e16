package eventlog

import (
	"context"
	"encoding/json"
	"iter"
	"sync"
	"time"
)

// MemoryBackend keeps every stream in process memory. Nothing survives a
// restart.
type MemoryBackend struct {
	mu      sync.Mutex
	streams map[string]*memoryStream
}

type memoryStream struct {
	schema  json.RawMessage
	records []Record
	// notify is closed and replaced on every append so waiting subscribers wake.
	notify  chan struct{}
	deleted bool
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{streams: make(map[string]*memoryStream)}
}

// ensureLocked must be called with b.mu held.
func (b *MemoryBackend) ensureLocked(streamID string) *memoryStream {
	s, ok := b.streams[streamID]
	if !ok {
		s = &memoryStream{notify: make(chan struct{})}
		b.streams[streamID] = s
	}
	return s
}

func (b *MemoryBackend) CreateStream(_ context.Context, streamID string, schema json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.ensureLocked(streamID)
	s.schema = schema
	return nil
}

func (b *MemoryBackend) Append(_ context.Context, streamID, eventType string, data json.RawMessage) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := b.ensureLocked(streamID)
	offset := int64(len(s.records))
	s.records = append(s.records, Record{
		Type:      eventType,
		Data:      data,
		Offset:    &offset,
		Timestamp: time.Now().UnixMilli(),
	})

	close(s.notify)
	s.notify = make(chan struct{})
	return offset, nil
}

func (b *MemoryBackend) Head(_ context.Context, streamID string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[streamID]
	if !ok {
		return 0, nil
	}
	return int64(len(s.records)), nil
}

func (b *MemoryBackend) Subscribe(ctx context.Context, streamID string) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		b.mu.Lock()
		s := b.ensureLocked(streamID)
		b.mu.Unlock()

		next := 0
		for {
			b.mu.Lock()
			pending := make([]Record, len(s.records)-next)
			copy(pending, s.records[next:])
			wait := s.notify
			deleted := s.deleted
			b.mu.Unlock()

			for _, rec := range pending {
				if !yield(rec, nil) {
					return
				}
				next++
			}
			if deleted {
				return
			}

			select {
			case <-ctx.Done():
				return
			case <-wait:
			}
		}
	}
}

func (b *MemoryBackend) DeleteStream(_ context.Context, streamID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[streamID]
	if !ok {
		return false, nil
	}
	s.deleted = true
	close(s.notify)
	s.notify = make(chan struct{})
	delete(b.streams, streamID)
	return true, nil
}

// Schema returns the descriptor a stream was created with.
func (b *MemoryBackend) Schema(streamID string) (json.RawMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.streams[streamID]
	if !ok {
		return nil, false
	}
	return s.schema, true
}

var (
	_ Backend = (*MemoryBackend)(nil)
	_ Deleter = (*MemoryBackend)(nil)
)
