package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/agentdevsl/claudorc-sub000/internal/database"
	"github.com/agentdevsl/claudorc-sub000/internal/model"
)

type SessionEventRepository interface {
	// MaxOffset returns nil when the session has no persisted events.
	MaxOffset(ctx context.Context, sessionID string) (*int64, error)
	Create(ctx context.Context, params model.CreateSessionEventParams) (*model.SessionEvent, error)
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]model.SessionEvent, error)
	ListSince(ctx context.Context, sessionID string, since int64) ([]model.SessionEvent, error)
	WithTx(tx *sqlx.Tx) SessionEventRepository
}

type sessionEventRepo struct {
	db database.DBTX
}

func NewSessionEventRepository(db *sqlx.DB) SessionEventRepository {
	return &sessionEventRepo{db: db}
}

func (r *sessionEventRepo) WithTx(tx *sqlx.Tx) SessionEventRepository {
	return &sessionEventRepo{db: tx}
}

func (r *sessionEventRepo) MaxOffset(ctx context.Context, sessionID string) (*int64, error) {
	var maxOffset *int64
	err := r.db.GetContext(ctx, &maxOffset, `
		SELECT MAX("offset") FROM session_events WHERE session_id = $1
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return maxOffset, nil
}

func (r *sessionEventRepo) Create(ctx context.Context, params model.CreateSessionEventParams) (*model.SessionEvent, error) {
	data := "{}"
	if len(params.Data) > 0 {
		data = string(params.Data)
	}

	var event model.SessionEvent
	err := r.db.GetContext(ctx, &event, `
		INSERT INTO session_events (session_id, "offset", id, type, "timestamp", data, channel)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7)
		RETURNING *
	`, params.SessionID, params.Offset, params.ID, params.Type, params.Timestamp, data, string(params.Channel))
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (r *sessionEventRepo) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]model.SessionEvent, error) {
	var events []model.SessionEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT * FROM session_events
		WHERE session_id = $1
		ORDER BY "offset" ASC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	return events, nil
}

func (r *sessionEventRepo) ListSince(ctx context.Context, sessionID string, since int64) ([]model.SessionEvent, error) {
	var events []model.SessionEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT * FROM session_events
		WHERE session_id = $1 AND "timestamp" >= $2
		ORDER BY "offset" ASC
	`, sessionID, since)
	if err != nil {
		return nil, err
	}
	return events, nil
}
