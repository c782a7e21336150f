package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/geofleet/fleet-server-go/internal/model"
)

type PairingRequestRepository interface {
	// Create inserts a request. A collision with a live code yields (nil, nil);
	// an expired row holding the same code is overwritten.
	Create(ctx context.Context, params model.CreatePairingRequestParams) (*model.PairingRequest, error)
	// ConsumeByCode deletes and returns the request if it is still usable at now.
	ConsumeByCode(ctx context.Context, code string, now time.Time) (*model.PairingRequest, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) PairingRequestRepository
}

type pairingRequestRepo struct {
	db queryer
}

func NewPairingRequestRepository(db *sqlx.DB) PairingRequestRepository {
	return &pairingRequestRepo{db: db}
}

func (r *pairingRequestRepo) WithTx(tx *sqlx.Tx) PairingRequestRepository {
	return &pairingRequestRepo{db: tx}
}

func (r *pairingRequestRepo) Create(ctx context.Context, params model.CreatePairingRequestParams) (*model.PairingRequest, error) {
	var pr model.PairingRequest
	err := r.db.GetContext(ctx, &pr, `
		INSERT INTO pairing_requests (pairing_code, account_id, organization_id, created_by, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (pairing_code) DO UPDATE SET
			id = gen_random_uuid(),
			account_id = EXCLUDED.account_id,
			organization_id = EXCLUDED.organization_id,
			created_by = EXCLUDED.created_by,
			created_at = EXCLUDED.created_at,
			expires_at = EXCLUDED.expires_at
		WHERE pairing_requests.expires_at <= EXCLUDED.created_at
		RETURNING *
	`, params.PairingCode, params.AccountID, params.OrganizationID, params.CreatedBy, params.Now, params.ExpiresAt)
	return HandleNotFound(&pr, err)
}

func (r *pairingRequestRepo) ConsumeByCode(ctx context.Context, code string, now time.Time) (*model.PairingRequest, error) {
	var pr model.PairingRequest
	err := r.db.GetContext(ctx, &pr, `
		DELETE FROM pairing_requests
		WHERE pairing_code = $1 AND expires_at > $2
		RETURNING *
	`, code, now)
	return HandleNotFound(&pr, err)
}

func (r *pairingRequestRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM pairing_requests
		WHERE expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
