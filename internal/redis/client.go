package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

// The stream id is wrapped in a hash tag so all keys of one stream land in
// the same cluster slot, which the append script requires.

func StreamEventsKey(streamID string) string {
	return fmt.Sprintf("stream:{%s}:events", streamID)
}

func StreamOffsetKey(streamID string) string {
	return fmt.Sprintf("stream:{%s}:offset", streamID)
}

func StreamSchemaKey(streamID string) string {
	return fmt.Sprintf("stream:{%s}:schema", streamID)
}

func RateLimitKey(scope, subject string) string {
	return fmt.Sprintf("ratelimit:%s:%s", scope, subject)
}
