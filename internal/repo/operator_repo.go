package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gramcrm/server/internal/model"
)

// OperatorRepo defines the interface for operator repository operations
type OperatorRepo interface {
	GetByID(ctx context.Context, id uuid.UUID) (model.Operator, error)
	GetByUsername(ctx context.Context, username string) (model.Operator, error)
}

type operatorRepo struct {
	db *sql.DB
}

// NewOperatorRepo creates a new OperatorRepo instance
func NewOperatorRepo(db *sql.DB) OperatorRepo {
	return &operatorRepo{db: db}
}

func (r *operatorRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Operator, error) {
	var o model.Operator
	var idStr string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_active, created_at FROM operators WHERE id = $1
	`, id.String()).Scan(&idStr, &o.Username, &o.PasswordHash, &o.IsActive, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Operator{}, fmt.Errorf("operator: %w", ErrNotFound)
		}
		return model.Operator{}, fmt.Errorf("query operator: %w", err)
	}
	o.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Operator{}, fmt.Errorf("parse operator ID: %w", err)
	}
	return o, nil
}

func (r *operatorRepo) GetByUsername(ctx context.Context, username string) (model.Operator, error) {
	var o model.Operator
	var idStr string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, password_hash, is_active, created_at FROM operators WHERE username = $1
	`, username).Scan(&idStr, &o.Username, &o.PasswordHash, &o.IsActive, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Operator{}, fmt.Errorf("operator: %w", ErrNotFound)
		}
		return model.Operator{}, fmt.Errorf("query operator: %w", err)
	}
	o.ID, err = uuid.Parse(idStr)
	if err != nil {
		return model.Operator{}, fmt.Errorf("parse operator ID: %w", err)
	}
	return o, nil
}
