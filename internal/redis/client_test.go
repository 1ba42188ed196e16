package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStreamKeys(t *testing.T) {
	assert.Equal(t, "stream:{abc}:events", StreamEventsKey("abc"))
	assert.Equal(t, "stream:{abc}:offset", StreamOffsetKey("abc"))
	assert.Equal(t, "stream:{abc}:schema", StreamSchemaKey("abc"))
	assert.Equal(t, "ratelimit:tokens:user-1", RateLimitKey("tokens", "user-1"))
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient("not a url")
	assert.Error(t, err)
}
