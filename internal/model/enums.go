package model

type SessionStatus string

const (
	SessionStatusActive SessionStatus = "active"
	SessionStatusClosed SessionStatus = "closed"
	SessionStatusError  SessionStatus = "error"
)

// IsTerminal reports whether no further mutation is accepted in this status.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusClosed || s == SessionStatusError
}

func (s SessionStatus) IsValid() bool {
	switch s {
	case SessionStatusActive, SessionStatusClosed, SessionStatusError:
		return true
	}
	return false
}

// EventChannel is the storage bucket for a persisted session event.
type EventChannel string

const (
	ChannelChunks    EventChannel = "chunks"
	ChannelToolCalls EventChannel = "toolCalls"
	ChannelTerminal  EventChannel = "terminal"
	ChannelPresence  EventChannel = "presence"
	ChannelApproval  EventChannel = "approval"
	ChannelAgent     EventChannel = "agent"
	ChannelState     EventChannel = "state"
)
