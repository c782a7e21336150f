package audit

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventPairingGenerate  EventType = "pairing_generate"
	EventPairingComplete  EventType = "pairing_complete"
	EventPairingRejected  EventType = "pairing_rejected"
	EventCredentialRenew  EventType = "credential_renew"
	EventCredentialReject EventType = "credential_reject"
	EventShareGrant       EventType = "share_grant"
	EventShareDenied      EventType = "share_denied"
	EventAuthFailure      EventType = "auth_failure"
	EventRateLimitExceed  EventType = "rate_limit_exceeded"
	EventCleanupRun       EventType = "cleanup_run"
)

type Event struct {
	Type      EventType
	UserID    string
	AccountID string
	DeviceID  string
	IP        string
	UserAgent string
	RequestID string
	Details   map[string]interface{}
}

func Log(ctx context.Context, event Event) {
	if event.RequestID == "" {
		event.RequestID = middleware.GetReqID(ctx)
	}

	logger := log.With().
		Str("audit", "security").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	fields := map[string]string{
		"user_id":    event.UserID,
		"account_id": event.AccountID,
		"device_id":  event.DeviceID,
		"ip":         event.IP,
		"user_agent": event.UserAgent,
		"request_id": event.RequestID,
	}
	for k, v := range fields {
		if v != "" {
			logger = logger.With().Str(k, v).Logger()
		}
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("security audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	case time.Time:
		return e.Time(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = ClientIP(r)
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}

// ClientIP returns the caller address. chi's RealIP middleware has already
// rewritten RemoteAddr from proxy headers when it is installed.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
