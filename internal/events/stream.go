package events

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/geofleet/fleet-server-go/internal/model"
	redisclient "github.com/geofleet/fleet-server-go/internal/redis"
)

// streamMaxLen caps the location stream; trimming is approximate.
const streamMaxLen = 100000

// LocationPublisher hands accepted location fixes to the geofence pipeline.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, accountID string, loc *model.LocationRecord) error
}

type StreamPublisher struct {
	redis  *redisclient.Client
	stream string
}

var _ LocationPublisher = (*StreamPublisher)(nil)

func NewStreamPublisher(redisClient *redisclient.Client, stream string) *StreamPublisher {
	return &StreamPublisher{redis: redisClient, stream: stream}
}

func (p *StreamPublisher) PublishLocation(ctx context.Context, accountID string, loc *model.LocationRecord) error {
	return p.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: locationValues(accountID, loc),
	}).Err()
}

func locationValues(accountID string, loc *model.LocationRecord) map[string]any {
	values := map[string]any{
		"deviceId":   loc.DeviceID,
		"accountId":  accountID,
		"latitude":   formatFloat(loc.Latitude),
		"longitude":  formatFloat(loc.Longitude),
		"recordedAt": loc.RecordedAt.UTC().Format(time.RFC3339Nano),
		"receivedAt": loc.ReceivedAt.UTC().Format(time.RFC3339Nano),
	}
	optional := map[string]*float64{
		"accuracy": loc.Accuracy,
		"altitude": loc.Altitude,
		"speed":    loc.Speed,
		"heading":  loc.Heading,
	}
	for k, v := range optional {
		if v != nil {
			values[k] = formatFloat(*v)
		}
	}
	return values
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
