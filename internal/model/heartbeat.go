package model

import (
	"encoding/json"
	"time"
)

type HeartbeatRecord struct {
	ID                 int64           `db:"id" json:"id"`
	DeviceID           string          `db:"device_id" json:"deviceId"`
	BatteryLevel       *float64        `db:"battery_level" json:"batteryLevel"`
	ConnectionStrength *float64        `db:"connection_strength" json:"connectionStrength"`
	UptimeSeconds      *int64          `db:"uptime_seconds" json:"uptimeSeconds"`
	Metadata           json.RawMessage `db:"metadata" json:"metadata"`
	Timestamp          time.Time       `db:"timestamp" json:"timestamp"`
}

type CreateHeartbeatParams struct {
	DeviceID           string
	BatteryLevel       *float64
	ConnectionStrength *float64
	UptimeSeconds      *int64
	Metadata           json.RawMessage
}
