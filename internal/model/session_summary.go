package model

import "time"

type SessionSummary struct {
	SessionID       string    `db:"session_id" json:"sessionId"`
	TurnsCount      int       `db:"turns_count" json:"turnsCount"`
	TokensUsed      int64     `db:"tokens_used" json:"tokensUsed"`
	FilesModified   int       `db:"files_modified" json:"filesModified"`
	LinesAdded      int       `db:"lines_added" json:"linesAdded"`
	LinesRemoved    int       `db:"lines_removed" json:"linesRemoved"`
	DurationMs      *int64    `db:"duration_ms" json:"durationMs,omitempty"`
	FinalStatus     *string   `db:"final_status" json:"finalStatus,omitempty"`
	LastEventOffset *int64    `db:"last_event_offset" json:"lastEventOffset,omitempty"`
	LastEventAt     *int64    `db:"last_event_at" json:"lastEventAt,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time `db:"updated_at" json:"updatedAt"`
}

// SessionSummaryUpdate carries a partial update; nil fields are left as-is.
type SessionSummaryUpdate struct {
	TurnsCount      *int    `json:"turnsCount,omitempty"`
	TokensUsed      *int64  `json:"tokensUsed,omitempty"`
	FilesModified   *int    `json:"filesModified,omitempty"`
	LinesAdded      *int    `json:"linesAdded,omitempty"`
	LinesRemoved    *int    `json:"linesRemoved,omitempty"`
	DurationMs      *int64  `json:"durationMs,omitempty"`
	FinalStatus     *string `json:"finalStatus,omitempty"`
	LastEventOffset *int64  `json:"-"`
	LastEventAt     *int64  `json:"-"`
}

// Apply merges the non-nil fields of u into s.
func (u SessionSummaryUpdate) Apply(s *SessionSummary) {
	if u.TurnsCount != nil {
		s.TurnsCount = *u.TurnsCount
	}
	if u.TokensUsed != nil {
		s.TokensUsed = *u.TokensUsed
	}
	if u.FilesModified != nil {
		s.FilesModified = *u.FilesModified
	}
	if u.LinesAdded != nil {
		s.LinesAdded = *u.LinesAdded
	}
	if u.LinesRemoved != nil {
		s.LinesRemoved = *u.LinesRemoved
	}
	if u.DurationMs != nil {
		s.DurationMs = u.DurationMs
	}
	if u.FinalStatus != nil {
		s.FinalStatus = u.FinalStatus
	}
	if u.LastEventOffset != nil {
		s.LastEventOffset = u.LastEventOffset
	}
	if u.LastEventAt != nil {
		s.LastEventAt = u.LastEventAt
	}
}
