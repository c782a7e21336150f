package service

import (
	"context"
	"time"

	"github.com/geofleet/fleet-server-go/internal/database"
	apperrors "github.com/geofleet/fleet-server-go/internal/errors"
)

// storeErr maps a store failure onto the public taxonomy. AppErrors raised
// inside a transaction pass through unchanged.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	if apperrors.IsAppError(err) {
		return err
	}
	if database.IsTimeout(err) {
		return apperrors.StoreTimeout(err)
	}
	return apperrors.Database(err)
}

func withStoreTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
