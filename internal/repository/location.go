package repository

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/geofleet/fleet-server-go/internal/model"
)

type LocationRepository interface {
	Create(ctx context.Context, params model.CreateLocationParams) (*model.LocationRecord, error)
}

type locationRepo struct {
	db queryer
}

func NewLocationRepository(db *sqlx.DB) LocationRepository {
	return &locationRepo{db: db}
}

func (r *locationRepo) Create(ctx context.Context, params model.CreateLocationParams) (*model.LocationRecord, error) {
	var loc model.LocationRecord
	err := r.db.GetContext(ctx, &loc, `
		INSERT INTO device_locations (
			device_id, latitude, longitude, accuracy, altitude, speed, heading, recorded_at, received_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING *
	`, params.DeviceID, params.Latitude, params.Longitude, params.Accuracy, params.Altitude,
		params.Speed, params.Heading, params.RecordedAt, params.ReceivedAt)
	if err != nil {
		return nil, err
	}
	return &loc, nil
}
