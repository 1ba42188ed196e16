package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/agentdevsl/claudorc-sub000/internal/database"
	"github.com/agentdevsl/claudorc-sub000/internal/model"
)

type SessionRepository interface {
	FindByID(ctx context.Context, id string) (*model.Session, error)
	Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error)
	List(ctx context.Context, params model.SessionListParams) ([]model.Session, error)
	ListWithFilters(ctx context.Context, params model.SessionFilterParams) ([]model.Session, int, error)
	// MarkClosed and MarkError only move sessions out of active; they report
	// whether a row changed.
	MarkClosed(ctx context.Context, id string, at time.Time) (bool, error)
	MarkError(ctx context.Context, id string, at time.Time) (bool, error)
	WithTx(tx *sqlx.Tx) SessionRepository
}

// Sortable columns for List. Anything else falls back to created_at.
var sessionOrderColumns = map[string]string{
	"created_at": "created_at",
	"updated_at": "updated_at",
	"title":      "title",
}

type sessionRepo struct {
	db database.DBTX
}

func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) WithTx(tx *sqlx.Tx) SessionRepository {
	return &sessionRepo{db: tx}
}

func (r *sessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		SELECT * FROM sessions WHERE id = $1
	`, id)
	return HandleNotFound(&session, err)
}

func (r *sessionRepo) Create(ctx context.Context, params model.CreateSessionParams) (*model.Session, error) {
	var session model.Session
	err := r.db.GetContext(ctx, &session, `
		INSERT INTO sessions (id, project_id, task_id, agent_id, title, url, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'active')
		RETURNING *
	`, params.ID, params.ProjectID, params.TaskID, params.AgentID, params.Title, params.URL)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *sessionRepo) List(ctx context.Context, params model.SessionListParams) ([]model.Session, error) {
	column, ok := sessionOrderColumns[params.OrderBy]
	if !ok {
		column = "created_at"
	}
	direction := "DESC"
	if strings.EqualFold(params.OrderDirection, "asc") {
		direction = "ASC"
	}

	query := fmt.Sprintf(`
		SELECT * FROM sessions
		ORDER BY %s %s, id ASC
		LIMIT $1 OFFSET $2
	`, column, direction)

	var sessions []model.Session
	if err := r.db.SelectContext(ctx, &sessions, query, params.Limit, params.Offset); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *sessionRepo) ListWithFilters(ctx context.Context, params model.SessionFilterParams) ([]model.Session, int, error) {
	where, args := sessionFilterClause(params)

	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM sessions WHERE `+where, args...); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT * FROM sessions
		WHERE %s
		ORDER BY created_at DESC, id ASC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)

	var sessions []model.Session
	if err := r.db.SelectContext(ctx, &sessions, query, append(args, params.Limit, params.Offset)...); err != nil {
		return nil, 0, err
	}
	return sessions, total, nil
}

func sessionFilterClause(params model.SessionFilterParams) (string, []any) {
	conditions := []string{"project_id = $1"}
	args := []any{params.ProjectID}

	add := func(cond string, arg any) {
		args = append(args, arg)
		conditions = append(conditions, fmt.Sprintf(cond, len(args)))
	}

	if params.Status != nil {
		add("status = $%d", string(*params.Status))
	}
	if params.AgentID != nil {
		add("agent_id = $%d", *params.AgentID)
	}
	if params.DateFrom != nil {
		add("created_at >= $%d", *params.DateFrom)
	}
	if params.DateTo != nil {
		add("created_at <= $%d", *params.DateTo)
	}
	if params.Search != nil && *params.Search != "" {
		add("title ILIKE $%d", "%"+escapeLike(*params.Search)+"%")
	}

	return strings.Join(conditions, " AND "), args
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func (r *sessionRepo) MarkClosed(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'closed',
			closed_at = $2,
			updated_at = $2
		WHERE id = $1 AND status = 'active'
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func (r *sessionRepo) MarkError(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = 'error',
			updated_at = $2
		WHERE id = $1 AND status = 'active'
	`, id, at)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}
