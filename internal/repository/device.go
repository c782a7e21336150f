package repository

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/geofleet/fleet-server-go/internal/model"
)

type DeviceRepository interface {
	FindByID(ctx context.Context, id string) (*model.Device, error)
	// FindByAccountAndMACForUpdate locks the matching row for the rest of the transaction.
	FindByAccountAndMACForUpdate(ctx context.Context, accountID, mac string) (*model.Device, error)
	FindStatus(ctx context.Context, id string) (*model.DeviceWithElapsed, error)
	Create(ctx context.Context, params model.UpsertPairedDeviceParams) (*model.Device, error)
	UpdatePaired(ctx context.Context, id string, params model.UpsertPairedDeviceParams) (*model.Device, error)
	// ApplyHeartbeat returns (nil, nil) when the device does not exist.
	ApplyHeartbeat(ctx context.Context, params model.HeartbeatUpdateParams) (*model.HeartbeatUpdateResult, error)
	MarkStaleOffline(ctx context.Context, window time.Duration) ([]model.StaleDevice, error)
	// WithTx returns a new repository that uses the given transaction
	WithTx(tx *sqlx.Tx) DeviceRepository
}

type deviceRepo struct {
	db queryer
}

func NewDeviceRepository(db *sqlx.DB) DeviceRepository {
	return &deviceRepo{db: db}
}

func (r *deviceRepo) WithTx(tx *sqlx.Tx) DeviceRepository {
	return &deviceRepo{db: tx}
}

func (r *deviceRepo) FindByID(ctx context.Context, id string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		SELECT * FROM devices WHERE id = $1
	`, id)
	return HandleNotFound(&device, err)
}

func (r *deviceRepo) FindByAccountAndMACForUpdate(ctx context.Context, accountID, mac string) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		SELECT * FROM devices
		WHERE account_id = $1 AND mac_address = $2
		FOR UPDATE
	`, accountID, mac)
	return HandleNotFound(&device, err)
}

func (r *deviceRepo) FindStatus(ctx context.Context, id string) (*model.DeviceWithElapsed, error) {
	var device model.DeviceWithElapsed
	err := r.db.GetContext(ctx, &device, `
		SELECT d.*,
			EXTRACT(EPOCH FROM (NOW() - d.last_heartbeat))::double precision AS seconds_since_heartbeat
		FROM devices d
		WHERE d.id = $1
	`, id)
	return HandleNotFound(&device, err)
}

func (r *deviceRepo) Create(ctx context.Context, params model.UpsertPairedDeviceParams) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		INSERT INTO devices (
			name, device_token, account_id, organization_id, device_model, firmware_version,
			device_os, mac_address, ip_address, connection_type, capabilities, is_paired
		)
		VALUES ($1, $2, $3, NULLIF($4, '')::uuid, $5, $6, $7, $8, $9, $10, $11::jsonb, TRUE)
		RETURNING *
	`, params.Name, params.DeviceToken, params.AccountID, params.OrganizationID,
		params.DeviceModel, params.FirmwareVersion, params.DeviceOS, params.MACAddress,
		params.IPAddress, params.ConnectionType, jsonParam(params.Capabilities))
	if err != nil {
		return nil, err
	}
	return &device, nil
}

func (r *deviceRepo) UpdatePaired(ctx context.Context, id string, params model.UpsertPairedDeviceParams) (*model.Device, error) {
	var device model.Device
	err := r.db.GetContext(ctx, &device, `
		UPDATE devices SET
			name = $2,
			device_token = $3,
			organization_id = COALESCE(NULLIF($4, '')::uuid, organization_id),
			device_model = COALESCE($5, device_model),
			firmware_version = COALESCE($6, firmware_version),
			device_os = COALESCE($7, device_os),
			ip_address = COALESCE($8, ip_address),
			connection_type = COALESCE($9, connection_type),
			capabilities = capabilities || $10::jsonb,
			is_paired = TRUE,
			updated_at = NOW()
		WHERE id = $1
		RETURNING *
	`, id, params.Name, params.DeviceToken, params.OrganizationID, params.DeviceModel,
		params.FirmwareVersion, params.DeviceOS, params.IPAddress, params.ConnectionType,
		jsonParam(params.Capabilities))
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// ApplyHeartbeat stamps the heartbeat with the store clock so liveness reads
// and writes share one time source.
func (r *deviceRepo) ApplyHeartbeat(ctx context.Context, params model.HeartbeatUpdateParams) (*model.HeartbeatUpdateResult, error) {
	var result model.HeartbeatUpdateResult
	err := r.db.GetContext(ctx, &result, `
		UPDATE devices d SET
			last_heartbeat = NOW(),
			status = 'online',
			health_metrics = COALESCE(d.health_metrics, '{}'::jsonb) || $2::jsonb,
			connection_type = COALESCE($3, d.connection_type),
			ip_address = COALESCE($4, d.ip_address),
			mac_address = COALESCE($5, d.mac_address),
			updated_at = NOW()
		FROM (SELECT id, status FROM devices WHERE id = $1 FOR UPDATE) prev
		WHERE d.id = prev.id
		RETURNING d.id, d.account_id, prev.status AS previous_status
	`, params.DeviceID, jsonParam(params.MetricsPatch), params.ConnectionType, params.IPAddress, params.MACAddress)
	return HandleNotFound(&result, err)
}

func (r *deviceRepo) MarkStaleOffline(ctx context.Context, window time.Duration) ([]model.StaleDevice, error) {
	var devices []model.StaleDevice
	err := r.db.SelectContext(ctx, &devices, `
		UPDATE devices SET
			status = 'offline',
			updated_at = NOW()
		WHERE status = 'online'
		AND (last_heartbeat IS NULL OR last_heartbeat <= NOW() - make_interval(secs => $1))
		RETURNING id, account_id
	`, window.Seconds())
	return devices, err
}
