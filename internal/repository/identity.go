package repository

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// IdentityRepository reads the tenancy tables owned by the account service.
// It backs the development-only identity fallback and nothing else.
type IdentityRepository interface {
	FirstAccountID(ctx context.Context) (string, error)
	FirstOrganizationID(ctx context.Context, accountID string) (string, error)
	FirstUserID(ctx context.Context, accountID string) (string, error)
}

type identityRepo struct {
	db queryer
}

func NewIdentityRepository(db *sqlx.DB) IdentityRepository {
	return &identityRepo{db: db}
}

func (r *identityRepo) FirstAccountID(ctx context.Context) (string, error) {
	return r.firstID(ctx, `SELECT id FROM accounts ORDER BY created_at, id LIMIT 1`)
}

func (r *identityRepo) FirstOrganizationID(ctx context.Context, accountID string) (string, error) {
	return r.firstID(ctx, `
		SELECT id FROM organizations WHERE account_id = $1
		ORDER BY created_at, id LIMIT 1
	`, accountID)
}

func (r *identityRepo) FirstUserID(ctx context.Context, accountID string) (string, error) {
	return r.firstID(ctx, `
		SELECT id FROM users WHERE account_id = $1
		ORDER BY created_at, id LIMIT 1
	`, accountID)
}

// firstID returns "" without error when the query matches nothing.
func (r *identityRepo) firstID(ctx context.Context, query string, args ...any) (string, error) {
	var id string
	result, err := HandleNotFound(&id, r.db.GetContext(ctx, &id, query, args...))
	if err != nil || result == nil {
		return "", err
	}
	return *result, nil
}
