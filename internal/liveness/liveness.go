// Package liveness derives a device's online status from the time of its
// last heartbeat. The cached status column is never consulted.
package liveness

import (
	"time"

	"github.com/geofleet/fleet-server-go/internal/model"
)

// Window is how long a heartbeat keeps a device online.
const Window = 300 * time.Second

type Result struct {
	Status                model.DeviceStatus `json:"status"`
	SecondsSinceHeartbeat *float64           `json:"secondsSinceHeartbeat"`
}

// Evaluate computes liveness from a heartbeat timestamp and a reference time.
// Both must come from the same clock.
func Evaluate(lastHeartbeat *time.Time, now time.Time) Result {
	if lastHeartbeat == nil {
		return Result{Status: model.DeviceStatusOffline}
	}
	elapsed := now.Sub(*lastHeartbeat).Seconds()
	return FromElapsed(&elapsed)
}

// FromElapsed computes liveness from elapsed seconds already measured by the
// store. Clock skew can make elapsed negative; it is clamped to zero.
func FromElapsed(seconds *float64) Result {
	if seconds == nil {
		return Result{Status: model.DeviceStatusOffline}
	}
	elapsed := *seconds
	if elapsed < 0 {
		elapsed = 0
	}
	status := model.DeviceStatusOffline
	if elapsed < Window.Seconds() {
		status = model.DeviceStatusOnline
	}
	return Result{Status: status, SecondsSinceHeartbeat: &elapsed}
}
