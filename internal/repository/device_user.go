package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/geofleet/fleet-server-go/internal/model"
)

type DeviceUserRepository interface {
	Find(ctx context.Context, deviceID, userID string) (*model.DeviceUser, error)
	Upsert(ctx context.Context, params model.GrantParams) (*model.DeviceUser, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) DeviceUserRepository
}

type deviceUserRepo struct {
	db queryer
}

func NewDeviceUserRepository(db *sqlx.DB) DeviceUserRepository {
	return &deviceUserRepo{db: db}
}

func (r *deviceUserRepo) WithTx(tx *sqlx.Tx) DeviceUserRepository {
	return &deviceUserRepo{db: tx}
}

func (r *deviceUserRepo) Find(ctx context.Context, deviceID, userID string) (*model.DeviceUser, error) {
	var du model.DeviceUser
	err := r.db.GetContext(ctx, &du, `
		SELECT * FROM device_users
		WHERE device_id = $1 AND user_id = $2
	`, deviceID, userID)
	return HandleNotFound(&du, err)
}

func (r *deviceUserRepo) Upsert(ctx context.Context, params model.GrantParams) (*model.DeviceUser, error) {
	var du model.DeviceUser
	err := r.db.GetContext(ctx, &du, `
		INSERT INTO device_users (device_id, user_id, organization_id, permissions, granted_by)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (device_id, user_id) DO UPDATE SET
			organization_id = COALESCE(EXCLUDED.organization_id, device_users.organization_id),
			permissions = EXCLUDED.permissions,
			granted_by = EXCLUDED.granted_by,
			updated_at = NOW()
		RETURNING *
	`, params.DeviceID, params.UserID, params.OrganizationID, params.Permissions, params.GrantedBy)
	if err != nil {
		return nil, err
	}
	return &du, nil
}
