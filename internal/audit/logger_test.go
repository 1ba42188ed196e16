package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	original := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = original })
	return &buf
}

func TestLog(t *testing.T) {
	buf := captureLog(t)

	Log(context.Background(), Event{
		Type:     EventStreamTokenIssue,
		UserID:   "user-1",
		StreamID: "sess-1",
		Details:  map[string]interface{}{"token": "sst_abcdefgh****", "scopes": 2},
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "security", line["audit"])
	assert.Equal(t, "stream_token_issue", line["event_type"])
	assert.Equal(t, "user-1", line["user_id"])
	assert.Equal(t, "sess-1", line["stream_id"])
	assert.Equal(t, "sst_abcdefgh****", line["token"])
	assert.EqualValues(t, 2, line["scopes"])
}

func TestLogFromRequest(t *testing.T) {
	buf := captureLog(t)

	r := httptest.NewRequest("GET", "/v1/stream", nil)
	r.Header.Set("X-Forwarded-For", "10.0.0.1")
	r.Header.Set("User-Agent", "curl/8")

	LogFromRequest(r, Event{Type: EventStreamTokenReject})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "10.0.0.1", line["ip"])
	assert.Equal(t, "curl/8", line["user_agent"])
	assert.NotContains(t, line, "user_id")
}
