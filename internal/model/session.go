package model

import (
	"time"
)

type Session struct {
	ID        string          `db:"id" json:"id"`
	ProjectID string          `db:"project_id" json:"projectId"`
	TaskID    *string         `db:"task_id" json:"taskId,omitempty"`
	AgentID   *string         `db:"agent_id" json:"agentId,omitempty"`
	Title     *string         `db:"title" json:"title,omitempty"`
	URL       string          `db:"url" json:"url"`
	Status    SessionStatus   `db:"status" json:"status"`
	Presence  []PresenceEntry `db:"-" json:"presence"`
	CreatedAt time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt time.Time       `db:"updated_at" json:"updatedAt"`
	ClosedAt  *time.Time      `db:"closed_at" json:"closedAt,omitempty"`
}

// IsActive reports whether the session still accepts presence and events.
func (s *Session) IsActive() bool {
	return s.Status == SessionStatusActive
}

type CreateSessionParams struct {
	ID        string
	ProjectID string
	TaskID    *string
	AgentID   *string
	Title     *string
	URL       string
}

// Cursor is a viewer's caret position inside the shared workspace.
type Cursor struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// PresenceEntry describes one live viewer. It is never persisted.
type PresenceEntry struct {
	UserID     string  `json:"userId"`
	JoinedAt   int64   `json:"joinedAt"`
	Cursor     *Cursor `json:"cursor,omitempty"`
	ActiveFile *string `json:"activeFile,omitempty"`
}

type SessionListParams struct {
	Limit          int
	Offset         int
	OrderBy        string
	OrderDirection string
}

type SessionFilterParams struct {
	ProjectID string
	Status    *SessionStatus
	AgentID   *string
	DateFrom  *time.Time
	DateTo    *time.Time
	Search    *string
	Limit     int
	Offset    int
}
