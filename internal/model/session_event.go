package model

import (
	"encoding/json"
	"strings"
)

// SessionEvent is a durable, offset-addressed record of one session event.
type SessionEvent struct {
	SessionID string          `db:"session_id" json:"sessionId"`
	Offset    int64           `db:"offset" json:"offset"`
	ID        string          `db:"id" json:"id"`
	Type      string          `db:"type" json:"type"`
	Timestamp int64           `db:"timestamp" json:"timestamp"`
	Data      json.RawMessage `db:"data" json:"data"`
	Channel   EventChannel    `db:"channel" json:"channel"`
}

type CreateSessionEventParams struct {
	SessionID string
	Offset    int64
	ID        string
	Type      string
	Timestamp int64
	Data      json.RawMessage
	Channel   EventChannel
}

// ClassifyChannel maps an event type onto its storage bucket. The mapping
// depends on the type string alone.
func ClassifyChannel(eventType string) EventChannel {
	switch {
	case eventType == "chunk" || strings.HasPrefix(eventType, "chunk:"):
		return ChannelChunks
	case strings.HasPrefix(eventType, "tool:"):
		return ChannelToolCalls
	case strings.HasPrefix(eventType, "terminal:"):
		return ChannelTerminal
	case strings.HasPrefix(eventType, "presence:"):
		return ChannelPresence
	case strings.HasPrefix(eventType, "approval:"):
		return ChannelApproval
	case strings.HasPrefix(eventType, "agent:"):
		return ChannelAgent
	default:
		return ChannelState
	}
}
