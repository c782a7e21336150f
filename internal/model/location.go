package model

import "time"

type LocationRecord struct {
	ID         int64     `db:"id" json:"id"`
	DeviceID   string    `db:"device_id" json:"deviceId"`
	Latitude   float64   `db:"latitude" json:"latitude"`
	Longitude  float64   `db:"longitude" json:"longitude"`
	Accuracy   *float64  `db:"accuracy" json:"accuracy,omitempty"`
	Altitude   *float64  `db:"altitude" json:"altitude,omitempty"`
	Speed      *float64  `db:"speed" json:"speed,omitempty"`
	Heading    *float64  `db:"heading" json:"heading,omitempty"`
	RecordedAt time.Time `db:"recorded_at" json:"recordedAt"`
	ReceivedAt time.Time `db:"received_at" json:"receivedAt"`
}

type LocationInput struct {
	Latitude   *float64   `json:"latitude" validate:"required,latitude"`
	Longitude  *float64   `json:"longitude" validate:"required,longitude"`
	Accuracy   *float64   `json:"accuracy,omitempty" validate:"omitempty,gte=0"`
	Altitude   *float64   `json:"altitude,omitempty"`
	Speed      *float64   `json:"speed,omitempty" validate:"omitempty,gte=0"`
	Heading    *float64   `json:"heading,omitempty" validate:"omitempty,gte=0,lt=360"`
	RecordedAt *time.Time `json:"recordedAt,omitempty"`
}

type CreateLocationParams struct {
	DeviceID   string
	Latitude   float64
	Longitude  float64
	Accuracy   *float64
	Altitude   *float64
	Speed      *float64
	Heading    *float64
	RecordedAt time.Time
	ReceivedAt time.Time
}
