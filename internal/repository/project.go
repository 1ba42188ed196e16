package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/agentdevsl/claudorc-sub000/internal/database"
)

type ProjectRepository interface {
	Exists(ctx context.Context, id string) (bool, error)
	Create(ctx context.Context, id, name string) error
}

type projectRepo struct {
	db database.DBTX
}

func NewProjectRepository(db *sqlx.DB) ProjectRepository {
	return &projectRepo{db: db}
}

func (r *projectRepo) Exists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS(SELECT 1 FROM projects WHERE id = $1)
	`, id)
	return exists, err
}

func (r *projectRepo) Create(ctx context.Context, id, name string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO projects (id, name) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING
	`, id, name)
	return err
}
