package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/agentdevsl/claudorc-sub000/internal/database"
	"github.com/agentdevsl/claudorc-sub000/internal/model"
)

type SessionSummaryRepository interface {
	FindBySessionID(ctx context.Context, sessionID string) (*model.SessionSummary, error)
	// GetOrCreate returns the existing row or inserts a zeroed one.
	GetOrCreate(ctx context.Context, sessionID string) (*model.SessionSummary, error)
	Save(ctx context.Context, summary *model.SessionSummary) (*model.SessionSummary, error)
	WithTx(tx *sqlx.Tx) SessionSummaryRepository
}

type sessionSummaryRepo struct {
	db database.DBTX
}

func NewSessionSummaryRepository(db *sqlx.DB) SessionSummaryRepository {
	return &sessionSummaryRepo{db: db}
}

func (r *sessionSummaryRepo) WithTx(tx *sqlx.Tx) SessionSummaryRepository {
	return &sessionSummaryRepo{db: tx}
}

func (r *sessionSummaryRepo) FindBySessionID(ctx context.Context, sessionID string) (*model.SessionSummary, error) {
	var summary model.SessionSummary
	err := r.db.GetContext(ctx, &summary, `
		SELECT * FROM session_summaries WHERE session_id = $1
	`, sessionID)
	return HandleNotFound(&summary, err)
}

func (r *sessionSummaryRepo) GetOrCreate(ctx context.Context, sessionID string) (*model.SessionSummary, error) {
	var summary model.SessionSummary
	err := r.db.GetContext(ctx, &summary, `
		INSERT INTO session_summaries (session_id)
		VALUES ($1)
		ON CONFLICT (session_id) DO UPDATE SET session_id = EXCLUDED.session_id
		RETURNING *
	`, sessionID)
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (r *sessionSummaryRepo) Save(ctx context.Context, summary *model.SessionSummary) (*model.SessionSummary, error) {
	var saved model.SessionSummary
	err := r.db.GetContext(ctx, &saved, `
		UPDATE session_summaries SET
			turns_count = $2,
			tokens_used = $3,
			files_modified = $4,
			lines_added = $5,
			lines_removed = $6,
			duration_ms = $7,
			final_status = $8,
			last_event_offset = $9,
			last_event_at = $10,
			updated_at = NOW()
		WHERE session_id = $1
		RETURNING *
	`, summary.SessionID, summary.TurnsCount, summary.TokensUsed, summary.FilesModified,
		summary.LinesAdded, summary.LinesRemoved, summary.DurationMs, summary.FinalStatus,
		summary.LastEventOffset, summary.LastEventAt)
	if err != nil {
		return nil, err
	}
	return &saved, nil
}
