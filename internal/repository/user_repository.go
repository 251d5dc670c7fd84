package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iliyamo/reservation-core/internal/model"
)

// UserRepo is a minimal, read-only adapter onto the users table the core
// trusts but does not own. Registration, credentials, and token issuance
// live elsewhere; this exposes exactly the one lookup the coordinator's
// user-active check needs.
type UserRepo struct {
	pool *pgxpool.Pool
}

func NewUserRepo(pool *pgxpool.Pool) *UserRepo { return &UserRepo{pool: pool} }

// GetByID reads {id, role, is_active} for userID. Missing rows map to
// ErrNotFound so the coordinator can fold them into USER_NOT_FOUND the
// same way it folds an inactive user.
func (r *UserRepo) GetByID(ctx context.Context, userID string) (*model.UserIdentity, error) {
	var u model.UserIdentity
	err := r.pool.QueryRow(ctx,
		`SELECT id, role, is_active FROM users WHERE id = $1`, userID,
	).Scan(&u.UserID, &u.Role, &u.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}
