package eventlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	redisclient "github.com/agentdevsl/claudorc-sub000/internal/redis"
)

const (
	defaultReadBlock = 5 * time.Second
	readBatchSize    = 100
)

// appendScript assigns the next integer offset and appends the entry in one
// atomic step, so offsets are gap-free and match stream order.
var appendScript = redis.NewScript(`
local offset = redis.call('INCR', KEYS[2]) - 1
redis.call('XADD', KEYS[1], '*', 'type', ARGV[1], 'data', ARGV[2], 'offset', offset, 'ts', ARGV[3])
return offset
`)

// RedisBackend stores each stream as a Redis Stream.
type RedisBackend struct {
	client    *redis.Client
	readBlock time.Duration
}

func NewRedisBackend(client *redisclient.Client) *RedisBackend {
	return &RedisBackend{client: client.Client, readBlock: defaultReadBlock}
}

func (b *RedisBackend) CreateStream(ctx context.Context, streamID string, schema json.RawMessage) error {
	if schema == nil {
		schema = json.RawMessage("null")
	}
	if err := b.client.Set(ctx, redisclient.StreamSchemaKey(streamID), []byte(schema), 0).Err(); err != nil {
		return fmt.Errorf("store stream schema: %w", err)
	}
	return nil
}

func (b *RedisBackend) Append(ctx context.Context, streamID, eventType string, data json.RawMessage) (int64, error) {
	if data == nil {
		data = json.RawMessage("null")
	}
	offset, err := appendScript.Run(
		ctx,
		b.client,
		[]string{redisclient.StreamEventsKey(streamID), redisclient.StreamOffsetKey(streamID)},
		eventType,
		string(data),
		time.Now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("append stream event: %w", err)
	}
	return offset, nil
}

func (b *RedisBackend) Head(ctx context.Context, streamID string) (int64, error) {
	head, err := b.client.Get(ctx, redisclient.StreamOffsetKey(streamID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read stream head: %w", err)
	}
	return head, nil
}

func (b *RedisBackend) Subscribe(ctx context.Context, streamID string) iter.Seq2[Record, error] {
	key := redisclient.StreamEventsKey(streamID)

	return func(yield func(Record, error) bool) {
		lastID := "0"
		for {
			streams, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   readBatchSize,
				Block:   b.readBlock,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if errors.Is(err, redis.Nil) {
					continue
				}
				yield(Record{}, fmt.Errorf("read stream: %w", err))
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					if !yield(decodeMessage(msg)) {
						return
					}
				}
			}
		}
	}
}

func (b *RedisBackend) DeleteStream(ctx context.Context, streamID string) (bool, error) {
	n, err := b.client.Del(ctx,
		redisclient.StreamEventsKey(streamID),
		redisclient.StreamOffsetKey(streamID),
		redisclient.StreamSchemaKey(streamID),
	).Result()
	if err != nil {
		return false, fmt.Errorf("delete stream: %w", err)
	}
	return n > 0, nil
}

func decodeMessage(msg redis.XMessage) (Record, error) {
	rec := Record{ID: msg.ID}

	eventType, _ := msg.Values["type"].(string)
	rec.Type = eventType

	if data, ok := msg.Values["data"].(string); ok {
		rec.Data = json.RawMessage(data)
	}

	if raw, ok := msg.Values["offset"].(string); ok {
		offset, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return rec, fmt.Errorf("decode offset of %s: %w", msg.ID, err)
		}
		rec.Offset = &offset
	}

	if raw, ok := msg.Values["ts"].(string); ok {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			rec.Timestamp = ts
		}
	}

	return rec, nil
}

var (
	_ Backend = (*RedisBackend)(nil)
	_ Deleter = (*RedisBackend)(nil)
)
