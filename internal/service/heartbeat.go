package service

import (
	"encoding/json"
	"math"

	apperrors "github.com/geofleet/fleet-server-go/internal/errors"
)

// nonMetricKeys update device columns or only the history row and are kept
// out of the health metrics patch.
var nonMetricKeys = []string{"connectionType", "ipAddress", "macAddress", "metadata"}

var (
	batteryAliases  = []string{"batteryLevel", "batteryPct", "battery"}
	strengthAliases = []string{"connectionStrength", "signalStrength"}
	uptimeAliases   = []string{"uptimeSeconds", "uptime"}
)

type heartbeatPayload struct {
	raw                json.RawMessage
	patch              json.RawMessage
	batteryLevel       *float64
	connectionStrength *float64
	uptimeSeconds      *int64
	connectionType     *string
	ipAddress          *string
	macAddress         *string
}

// parseHeartbeat accepts any JSON object. Well-known fields are lifted out for
// typed storage; everything else is kept verbatim.
func parseHeartbeat(raw json.RawMessage) (*heartbeatPayload, error) {
	if len(raw) == 0 {
		raw = json.RawMessage("{}")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, apperrors.ValidationError("Heartbeat body must be a JSON object")
	}

	p := &heartbeatPayload{
		raw:                raw,
		batteryLevel:       firstNumber(fields, batteryAliases),
		connectionStrength: firstNumber(fields, strengthAliases),
	}
	if up := firstNumber(fields, uptimeAliases); up != nil {
		v := int64(math.Trunc(*up))
		p.uptimeSeconds = &v
	}

	var err error
	if p.connectionType, err = optionalString(fields, "connectionType"); err != nil {
		return nil, err
	}
	if p.ipAddress, err = optionalString(fields, "ipAddress"); err != nil {
		return nil, err
	}
	if p.macAddress, err = optionalString(fields, "macAddress"); err != nil {
		return nil, err
	}
	if p.macAddress != nil {
		mac, err := normalizeMAC(*p.macAddress)
		if err != nil {
			return nil, err
		}
		p.macAddress = &mac
	}

	for _, k := range nonMetricKeys {
		delete(fields, k)
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return nil, apperrors.ValidationError("Heartbeat body must be a JSON object")
	}
	p.patch = patch

	return p, nil
}

func firstNumber(fields map[string]json.RawMessage, aliases []string) *float64 {
	for _, k := range aliases {
		raw, ok := fields[k]
		if !ok {
			continue
		}
		var f float64
		if err := json.Unmarshal(raw, &f); err == nil {
			return &f
		}
	}
	return nil
}

// optionalString treats an absent or null field as not provided, so a stored
// value is never cleared by omission.
func optionalString(fields map[string]json.RawMessage, key string) (*string, error) {
	raw, ok := fields[key]
	if !ok || string(raw) == "null" {
		return nil, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, apperrors.InvalidInput(key, "must be a string")
	}
	if s == "" {
		return nil, nil
	}
	return &s, nil
}
