package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/geofleet/fleet-server-go/internal/model"
)

type HeartbeatRepository interface {
	Create(ctx context.Context, params model.CreateHeartbeatParams) (*model.HeartbeatRecord, error)
	FindByDeviceID(ctx context.Context, deviceID string, limit, offset int) ([]model.HeartbeatRecord, error)
	CountByDeviceID(ctx context.Context, deviceID string) (int, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) HeartbeatRepository
}

type heartbeatRepo struct {
	db queryer
}

func NewHeartbeatRepository(db *sqlx.DB) HeartbeatRepository {
	return &heartbeatRepo{db: db}
}

func (r *heartbeatRepo) WithTx(tx *sqlx.Tx) HeartbeatRepository {
	return &heartbeatRepo{db: tx}
}

// Create appends to the history. Rows are never updated afterwards.
func (r *heartbeatRepo) Create(ctx context.Context, params model.CreateHeartbeatParams) (*model.HeartbeatRecord, error) {
	var hb model.HeartbeatRecord
	err := r.db.GetContext(ctx, &hb, `
		INSERT INTO device_heartbeats (device_id, battery_level, connection_strength, uptime_seconds, metadata)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		RETURNING *
	`, params.DeviceID, params.BatteryLevel, params.ConnectionStrength, params.UptimeSeconds, jsonParam(params.Metadata))
	if err != nil {
		return nil, err
	}
	return &hb, nil
}

func (r *heartbeatRepo) FindByDeviceID(ctx context.Context, deviceID string, limit, offset int) ([]model.HeartbeatRecord, error) {
	var records []model.HeartbeatRecord
	err := r.db.SelectContext(ctx, &records, `
		SELECT * FROM device_heartbeats
		WHERE device_id = $1
		ORDER BY "timestamp" DESC, id DESC
		LIMIT $2 OFFSET $3
	`, deviceID, limit, offset)
	return records, err
}

func (r *heartbeatRepo) CountByDeviceID(ctx context.Context, deviceID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM device_heartbeats WHERE device_id = $1
	`, deviceID)
	return count, err
}
