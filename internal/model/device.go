package model

import (
	"encoding/json"
	"time"
)

type Device struct {
	ID              string          `db:"id" json:"id"`
	Name            string          `db:"name" json:"name"`
	DeviceToken     string          `db:"device_token" json:"-"`
	AccountID       string          `db:"account_id" json:"accountId"`
	OrganizationID  *string         `db:"organization_id" json:"organizationId,omitempty"`
	Status          DeviceStatus    `db:"status" json:"status"`
	LastHeartbeat   *time.Time      `db:"last_heartbeat" json:"lastHeartbeat"`
	HealthMetrics   json.RawMessage `db:"health_metrics" json:"healthMetrics"`
	Capabilities    json.RawMessage `db:"capabilities" json:"capabilities"`
	ConnectionType  *string         `db:"connection_type" json:"connectionType"`
	IPAddress       *string         `db:"ip_address" json:"ipAddress"`
	MACAddress      *string         `db:"mac_address" json:"macAddress"`
	DeviceModel     *string         `db:"device_model" json:"deviceModel"`
	FirmwareVersion *string         `db:"firmware_version" json:"firmwareVersion"`
	DeviceOS        *string         `db:"device_os" json:"deviceOs"`
	IsPaired        bool            `db:"is_paired" json:"isPaired"`
	CreatedAt       time.Time       `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time       `db:"updated_at" json:"updatedAt"`
}

// DeviceWithElapsed is a device row plus the store-computed seconds since its
// last heartbeat (nil when it never sent one).
type DeviceWithElapsed struct {
	Device
	SecondsSinceHeartbeat *float64 `db:"seconds_since_heartbeat"`
}

// DeviceData is the metadata a device reports when completing pairing.
type DeviceData struct {
	Name            string         `json:"name" validate:"required,max=255"`
	DeviceModel     *string        `json:"deviceModel,omitempty" validate:"omitempty,max=255"`
	FirmwareVersion *string        `json:"firmwareVersion,omitempty" validate:"omitempty,max=128"`
	DeviceOS        *string        `json:"deviceOs,omitempty" validate:"omitempty,max=128"`
	MACAddress      *string        `json:"macAddress,omitempty" validate:"omitempty,mac"`
	IPAddress       *string        `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	ConnectionType  *string        `json:"connectionType,omitempty" validate:"omitempty,max=64"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
}

type UpsertPairedDeviceParams struct {
	AccountID       string
	OrganizationID  string
	Name            string
	DeviceToken     string
	DeviceModel     *string
	FirmwareVersion *string
	DeviceOS        *string
	MACAddress      *string
	IPAddress       *string
	ConnectionType  *string
	Capabilities    json.RawMessage
}

type HeartbeatUpdateParams struct {
	DeviceID       string
	MetricsPatch   json.RawMessage
	ConnectionType *string
	IPAddress      *string
	MACAddress     *string
}

// HeartbeatUpdateResult reports the device after the update and the cached
// status it held before.
type HeartbeatUpdateResult struct {
	DeviceID       string       `db:"id"`
	AccountID      string       `db:"account_id"`
	PreviousStatus DeviceStatus `db:"previous_status"`
}

// StaleDevice is a device whose cached online flag was flipped to offline.
type StaleDevice struct {
	ID        string `db:"id"`
	AccountID string `db:"account_id"`
}
