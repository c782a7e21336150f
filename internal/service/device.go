package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/geofleet/fleet-server-go/internal/audit"
	"github.com/geofleet/fleet-server-go/internal/database"
	apperrors "github.com/geofleet/fleet-server-go/internal/errors"
	"github.com/geofleet/fleet-server-go/internal/events"
	"github.com/geofleet/fleet-server-go/internal/liveness"
	"github.com/geofleet/fleet-server-go/internal/model"
	"github.com/geofleet/fleet-server-go/internal/repository"
	"github.com/geofleet/fleet-server-go/internal/util"
)

// StatusDocument is what status queries return; liveness is derived at read
// time from the store clock.
type StatusDocument struct {
	DeviceID              string             `json:"deviceId"`
	Name                  string             `json:"name"`
	Status                model.DeviceStatus `json:"status"`
	LastHeartbeat         *time.Time         `json:"lastHeartbeat"`
	HealthMetrics         json.RawMessage    `json:"healthMetrics"`
	Capabilities          json.RawMessage    `json:"capabilities"`
	ConnectionType        *string            `json:"connectionType"`
	IPAddress             *string            `json:"ipAddress"`
	MACAddress            *string            `json:"macAddress"`
	DeviceModel           *string            `json:"deviceModel"`
	FirmwareVersion       *string            `json:"firmwareVersion"`
	DeviceOS              *string            `json:"deviceOs"`
	IsPaired              bool               `json:"isPaired"`
	SecondsSinceHeartbeat *float64           `json:"secondsSinceHeartbeat"`
}

type HeartbeatPage struct {
	Heartbeats []model.HeartbeatRecord `json:"heartbeats"`
	Total      int                     `json:"total"`
	Limit      int                     `json:"limit"`
	Offset     int                     `json:"offset"`
}

type DeviceService struct {
	tx         database.Transactor
	devices    repository.DeviceRepository
	grants     repository.DeviceUserRepository
	heartbeats repository.HeartbeatRepository
	locations  repository.LocationRepository
	publisher  events.Publisher
	stream     events.LocationPublisher
	validator  StructValidator
	timeout    time.Duration
	now        func() time.Time
}

func NewDeviceService(
	tx database.Transactor,
	devices repository.DeviceRepository,
	grants repository.DeviceUserRepository,
	heartbeats repository.HeartbeatRepository,
	locations repository.LocationRepository,
	publisher events.Publisher,
	stream events.LocationPublisher,
	validator StructValidator,
	storeTimeout time.Duration,
) *DeviceService {
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &DeviceService{
		tx:         tx,
		devices:    devices,
		grants:     grants,
		heartbeats: heartbeats,
		locations:  locations,
		publisher:  publisher,
		stream:     stream,
		validator:  validator,
		timeout:    storeTimeout,
		now:        time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *DeviceService) SetClock(now func() time.Time) {
	s.now = now
}

// RecordHeartbeat updates the device and appends the history row atomically.
func (s *DeviceService) RecordHeartbeat(ctx context.Context, deviceID string, raw json.RawMessage) error {
	if !util.IsValidUUID(deviceID) {
		return apperrors.DeviceNotFound()
	}
	payload, err := parseHeartbeat(raw)
	if err != nil {
		return err
	}

	ctx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	var result *model.HeartbeatUpdateResult
	err = s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		var txErr error
		result, txErr = s.devices.WithTx(tx).ApplyHeartbeat(ctx, model.HeartbeatUpdateParams{
			DeviceID:       deviceID,
			MetricsPatch:   payload.patch,
			ConnectionType: payload.connectionType,
			IPAddress:      payload.ipAddress,
			MACAddress:     payload.macAddress,
		})
		if txErr != nil {
			return txErr
		}
		if result == nil {
			return apperrors.DeviceNotFound()
		}

		_, txErr = s.heartbeats.WithTx(tx).Create(ctx, model.CreateHeartbeatParams{
			DeviceID:           deviceID,
			BatteryLevel:       payload.batteryLevel,
			ConnectionStrength: payload.connectionStrength,
			UptimeSeconds:      payload.uptimeSeconds,
			Metadata:           payload.raw,
		})
		return txErr
	})
	if err != nil {
		if database.IsUniqueViolation(err) {
			return apperrors.InvalidInput("macAddress", "already registered to another device")
		}
		return storeErr(err)
	}

	now := s.now()
	publishEvent(ctx, s.publisher, events.New(events.DeviceHeartbeat, result.AccountID, deviceID, now, heartbeatSummary(payload)))
	if result.PreviousStatus == model.DeviceStatusOffline {
		log.Info().Str("deviceId", deviceID).Msg("device came online")
		publishEvent(ctx, s.publisher, events.New(events.DeviceOnline, result.AccountID, deviceID, now, nil))
	}
	return nil
}

func heartbeatSummary(p *heartbeatPayload) map[string]any {
	summary := map[string]any{}
	if p.batteryLevel != nil {
		summary["batteryLevel"] = *p.batteryLevel
	}
	if p.connectionStrength != nil {
		summary["connectionStrength"] = *p.connectionStrength
	}
	if p.uptimeSeconds != nil {
		summary["uptimeSeconds"] = *p.uptimeSeconds
	}
	return summary
}

// Status reports the device with liveness re-derived from its last heartbeat.
func (s *DeviceService) Status(ctx context.Context, deviceID string) (*StatusDocument, error) {
	if !util.IsValidUUID(deviceID) {
		return nil, apperrors.DeviceNotFound()
	}

	ctx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	d, err := s.devices.FindStatus(ctx, deviceID)
	if err != nil {
		return nil, storeErr(err)
	}
	if d == nil {
		return nil, apperrors.DeviceNotFound()
	}

	live := liveness.FromElapsed(d.SecondsSinceHeartbeat)
	return &StatusDocument{
		DeviceID:              d.ID,
		Name:                  d.Name,
		Status:                live.Status,
		LastHeartbeat:         d.LastHeartbeat,
		HealthMetrics:         orEmptyObject(d.HealthMetrics),
		Capabilities:          orEmptyObject(d.Capabilities),
		ConnectionType:        d.ConnectionType,
		IPAddress:             d.IPAddress,
		MACAddress:            d.MACAddress,
		DeviceModel:           d.DeviceModel,
		FirmwareVersion:       d.FirmwareVersion,
		DeviceOS:              d.DeviceOS,
		IsPaired:              d.IsPaired,
		SecondsSinceHeartbeat: live.SecondsSinceHeartbeat,
	}, nil
}

// StatusForUser is Status gated on the actor holding any grant on the device.
func (s *DeviceService) StatusForUser(ctx context.Context, actor *model.Actor, deviceID string) (*StatusDocument, error) {
	if _, err := s.requireGrant(ctx, actor, deviceID, model.PermissionRead); err != nil {
		return nil, err
	}
	return s.Status(ctx, deviceID)
}

// Share grants targetUserID the given permission on the device.
func (s *DeviceService) Share(ctx context.Context, actor *model.Actor, deviceID, targetUserID string, permission model.Permission) (*model.DeviceUser, error) {
	if !permission.Valid() {
		return nil, apperrors.InvalidInput("permissions", "must be one of read, write, admin, owner")
	}
	if !util.IsValidUUID(targetUserID) {
		return nil, apperrors.InvalidInput("targetUserId", "must be a valid UUID")
	}

	grant, err := s.requireGrant(ctx, actor, deviceID, model.PermissionAdmin)
	if err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeInsufficientPermissions {
			audit.Log(ctx, audit.Event{Type: audit.EventShareDenied, UserID: actor.UserID, DeviceID: deviceID})
		}
		return nil, err
	}
	if permission == model.PermissionOwner && grant.Permissions != model.PermissionOwner {
		audit.Log(ctx, audit.Event{Type: audit.EventShareDenied, UserID: actor.UserID, DeviceID: deviceID,
			Details: map[string]interface{}{"requested": string(permission)}})
		return nil, apperrors.InsufficientPermissions()
	}

	ctx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	// Only an owner may rewrite a grant ranked at or above its own.
	if grant.Permissions != model.PermissionOwner {
		existing, err := s.grants.Find(ctx, deviceID, targetUserID)
		if err != nil {
			return nil, storeErr(err)
		}
		if existing != nil && existing.Permissions.AtLeast(grant.Permissions) {
			audit.Log(ctx, audit.Event{Type: audit.EventShareDenied, UserID: actor.UserID, DeviceID: deviceID,
				Details: map[string]interface{}{"target_user_id": targetUserID, "held": string(existing.Permissions)}})
			return nil, apperrors.InsufficientPermissions()
		}
	}

	du, err := s.grants.Upsert(ctx, model.GrantParams{
		DeviceID:       deviceID,
		UserID:         targetUserID,
		OrganizationID: optional(actor.OrganizationID),
		Permissions:    permission,
		GrantedBy:      optional(actor.UserID),
	})
	if err != nil {
		return nil, storeErr(err)
	}

	audit.Log(ctx, audit.Event{
		Type:      audit.EventShareGrant,
		UserID:    actor.UserID,
		AccountID: actor.AccountID,
		DeviceID:  deviceID,
		Details: map[string]interface{}{
			"target_user_id": targetUserID,
			"permissions":    string(permission),
		},
	})
	return du, nil
}

// requireGrant loads the device within the actor's account and the actor's
// grant on it. A device in another account is reported as not found.
func (s *DeviceService) requireGrant(ctx context.Context, actor *model.Actor, deviceID string, min model.Permission) (*model.DeviceUser, error) {
	if !actor.Complete() {
		return nil, apperrors.Unauthorized("Authentication required")
	}
	if !util.IsValidUUID(deviceID) {
		return nil, apperrors.DeviceNotFound()
	}

	ctx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	device, err := s.devices.FindByID(ctx, deviceID)
	if err != nil {
		return nil, storeErr(err)
	}
	if device == nil || device.AccountID != actor.AccountID {
		return nil, apperrors.DeviceNotFound()
	}

	grant, err := s.grants.Find(ctx, deviceID, actor.UserID)
	if err != nil {
		return nil, storeErr(err)
	}
	if grant == nil || !grant.Permissions.AtLeast(min) {
		return nil, apperrors.InsufficientPermissions()
	}
	return grant, nil
}

// RecordLocation stores a fix and forwards it downstream. Forwarding failures
// are logged and do not fail the call.
func (s *DeviceService) RecordLocation(ctx context.Context, deviceID string, input model.LocationInput) (*model.LocationRecord, error) {
	if !util.IsValidUUID(deviceID) {
		return nil, apperrors.DeviceNotFound()
	}
	if err := s.validator.Struct(&input); err != nil {
		return nil, err
	}

	storeCtx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	device, err := s.devices.FindByID(storeCtx, deviceID)
	if err != nil {
		return nil, storeErr(err)
	}
	if device == nil {
		return nil, apperrors.DeviceNotFound()
	}

	now := s.now().UTC()
	recordedAt := now
	if input.RecordedAt != nil {
		recordedAt = input.RecordedAt.UTC()
	}

	loc, err := s.locations.Create(storeCtx, model.CreateLocationParams{
		DeviceID:   deviceID,
		Latitude:   *input.Latitude,
		Longitude:  *input.Longitude,
		Accuracy:   input.Accuracy,
		Altitude:   input.Altitude,
		Speed:      input.Speed,
		Heading:    input.Heading,
		RecordedAt: recordedAt,
		ReceivedAt: now,
	})
	if err != nil {
		return nil, storeErr(err)
	}

	if s.stream != nil {
		pubCtx, pubCancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer pubCancel()
		if err := s.stream.PublishLocation(pubCtx, device.AccountID, loc); err != nil {
			log.Warn().Err(err).Str("deviceId", deviceID).Msg("failed to forward location, continuing")
		}
	}
	return loc, nil
}

// ListHeartbeats returns the newest-first history for a device the actor can read.
func (s *DeviceService) ListHeartbeats(ctx context.Context, actor *model.Actor, deviceID string, limit, offset int) (*HeartbeatPage, error) {
	if _, err := s.requireGrant(ctx, actor, deviceID, model.PermissionRead); err != nil {
		return nil, err
	}

	ctx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	records, err := s.heartbeats.FindByDeviceID(ctx, deviceID, limit, offset)
	if err != nil {
		return nil, storeErr(err)
	}
	total, err := s.heartbeats.CountByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, storeErr(err)
	}
	if records == nil {
		records = []model.HeartbeatRecord{}
	}
	return &HeartbeatPage{Heartbeats: records, Total: total, Limit: limit, Offset: offset}, nil
}

// SweepStale flips the cached flag of devices that stopped heartbeating and
// announces each transition.
func (s *DeviceService) SweepStale(ctx context.Context) (int64, error) {
	ctx, cancel := withStoreTimeout(ctx, s.timeout)
	defer cancel()

	stale, err := s.devices.MarkStaleOffline(ctx, liveness.Window)
	if err != nil {
		return 0, storeErr(err)
	}
	now := s.now()
	for _, d := range stale {
		publishEvent(ctx, s.publisher, events.New(events.DeviceOffline, d.AccountID, d.ID, now, nil))
	}
	return int64(len(stale)), nil
}

func orEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
