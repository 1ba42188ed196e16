package stream

import (
	"encoding/json"
	"fmt"

	"github.com/agentdevsl/claudorc-sub000/internal/model"
)

// EventType identifies the kind of a stream event. The set is open: producers
// may publish types this package does not know, which decode as OpaquePayload.
type EventType string

const (
	EventChunk          EventType = "chunk"
	EventToolStart      EventType = "tool:start"
	EventToolResult     EventType = "tool:result"
	EventTerminalInput  EventType = "terminal:input"
	EventTerminalOutput EventType = "terminal:output"

	EventPresenceJoined EventType = "presence:joined"
	EventPresenceLeft   EventType = "presence:left"
	EventPresenceCursor EventType = "presence:cursor"

	EventApprovalRequested EventType = "approval:requested"
	EventApprovalApproved  EventType = "approval:approved"
	EventApprovalRejected  EventType = "approval:rejected"

	EventAgentStarted   EventType = "agent:started"
	EventAgentTurn      EventType = "agent:turn"
	EventAgentCompleted EventType = "agent:completed"
	EventAgentError     EventType = "agent:error"

	EventStateUpdate EventType = "state:update"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
	Offset    *int64          `json:"offset,omitempty"`
}

// Payload is the typed body of an event. Exactly one concrete type below
// corresponds to each known EventType.
type Payload interface {
	isPayload()
}

type ChunkPayload struct {
	Text   string `json:"text"`
	TurnID string `json:"turnId,omitempty"`
}

type ToolStartPayload struct {
	ToolID string          `json:"toolId"`
	Name   string          `json:"name"`
	Input  json.RawMessage `json:"input,omitempty"`
}

type ToolResultPayload struct {
	ToolID     string          `json:"toolId"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"isError,omitempty"`
	DurationMs int64           `json:"durationMs,omitempty"`
}

// TerminalPayload carries both directions; Input is true for terminal:input.
type TerminalPayload struct {
	Data  string `json:"data"`
	Input bool   `json:"-"`
}

type PresenceJoinedPayload struct {
	UserID   string `json:"userId"`
	JoinedAt int64  `json:"joinedAt"`
}

type PresenceLeftPayload struct {
	UserID string `json:"userId"`
}

type PresenceCursorPayload struct {
	UserID     string        `json:"userId"`
	Cursor     *model.Cursor `json:"cursor,omitempty"`
	ActiveFile *string       `json:"activeFile,omitempty"`
}

type ApprovalPayload struct {
	ApprovalID string `json:"approvalId"`
	ToolName   string `json:"toolName,omitempty"`
	Reason     string `json:"reason,omitempty"`
	ReviewerID string `json:"reviewerId,omitempty"`
	Decision   string `json:"-"`
}

type AgentPayload struct {
	AgentID    string `json:"agentId,omitempty"`
	Turn       int    `json:"turn,omitempty"`
	TokensUsed int64  `json:"tokensUsed,omitempty"`
	Error      string `json:"error,omitempty"`
	Status     string `json:"-"`
}

type StatePayload struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// OpaquePayload preserves events of a type this package does not recognise.
type OpaquePayload struct {
	Type EventType
	Raw  json.RawMessage
}

func (ChunkPayload) isPayload()          {}
func (ToolStartPayload) isPayload()      {}
func (ToolResultPayload) isPayload()     {}
func (TerminalPayload) isPayload()       {}
func (PresenceJoinedPayload) isPayload() {}
func (PresenceLeftPayload) isPayload()   {}
func (PresenceCursorPayload) isPayload() {}
func (ApprovalPayload) isPayload()       {}
func (AgentPayload) isPayload()          {}
func (StatePayload) isPayload()          {}
func (OpaquePayload) isPayload()         {}

// DecodePayload decodes the event body into the payload type for its kind.
func DecodePayload(ev Event) (Payload, error) {
	var (
		payload Payload
		err     error
	)

	switch ev.Type {
	case EventChunk:
		var p ChunkPayload
		err = unmarshalData(ev.Data, &p)
		payload = p
	case EventToolStart:
		var p ToolStartPayload
		err = unmarshalData(ev.Data, &p)
		payload = p
	case EventToolResult:
		var p ToolResultPayload
		err = unmarshalData(ev.Data, &p)
		payload = p
	case EventTerminalInput, EventTerminalOutput:
		var p TerminalPayload
		err = unmarshalData(ev.Data, &p)
		p.Input = ev.Type == EventTerminalInput
		payload = p
	case EventPresenceJoined:
		var p PresenceJoinedPayload
		err = unmarshalData(ev.Data, &p)
		payload = p
	case EventPresenceLeft:
		var p PresenceLeftPayload
		err = unmarshalData(ev.Data, &p)
		payload = p
	case EventPresenceCursor:
		var p PresenceCursorPayload
		err = unmarshalData(ev.Data, &p)
		payload = p
	case EventApprovalRequested, EventApprovalApproved, EventApprovalRejected:
		var p ApprovalPayload
		err = unmarshalData(ev.Data, &p)
		p.Decision = decisionFor(ev.Type)
		payload = p
	case EventAgentStarted, EventAgentTurn, EventAgentCompleted, EventAgentError:
		var p AgentPayload
		err = unmarshalData(ev.Data, &p)
		p.Status = string(ev.Type[len("agent:"):])
		payload = p
	case EventStateUpdate:
		var p StatePayload
		err = unmarshalData(ev.Data, &p)
		payload = p
	default:
		return OpaquePayload{Type: ev.Type, Raw: ev.Data}, nil
	}

	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", ev.Type, err)
	}
	return payload, nil
}

func decisionFor(t EventType) string {
	switch t {
	case EventApprovalApproved:
		return "approved"
	case EventApprovalRejected:
		return "rejected"
	default:
		return "pending"
	}
}

func unmarshalData(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, v)
}

// EncodeData turns a publish argument into the raw body stored in the log.
func EncodeData(data any) (json.RawMessage, error) {
	switch v := data.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return v, nil
	case []byte:
		if len(v) == 0 {
			return json.RawMessage(`{}`), nil
		}
		return json.RawMessage(v), nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal event data: %w", err)
		}
		return raw, nil
	}
}
