// Package events fans device lifecycle events out to subscribers over Redis
// pub/sub and forwards location fixes to the downstream stream.
package events

import (
	"context"
	"encoding/json"
	"time"
)

type Type string

const (
	DevicePaired    Type = "device.paired"
	DeviceHeartbeat Type = "device.heartbeat"
	DeviceOnline    Type = "device.online"
	DeviceOffline   Type = "device.offline"
)

type Event struct {
	Type      Type            `json:"type"`
	DeviceID  string          `json:"deviceId"`
	AccountID string          `json:"accountId"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Publisher delivers an event to every subscriber of the account.
type Publisher interface {
	Publish(ctx context.Context, accountID string, event Event) error
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Event) error { return nil }

func New(t Type, accountID, deviceID string, at time.Time, data any) Event {
	e := Event{Type: t, AccountID: accountID, DeviceID: deviceID, At: at.UTC()}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			e.Data = raw
		}
	}
	return e
}
