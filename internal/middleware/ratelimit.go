package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/geofleet/fleet-server-go/internal/audit"
	"github.com/geofleet/fleet-server-go/internal/config"
	apperrors "github.com/geofleet/fleet-server-go/internal/errors"
	"github.com/geofleet/fleet-server-go/internal/service"
)

// KeyFunc picks the subject a request is counted against. An empty key skips
// limiting.
type KeyFunc func(r *http.Request) string

func ByClientIP(r *http.Request) string {
	return audit.ClientIP(r)
}

func ByURLParam(name string) KeyFunc {
	return func(r *http.Request) string {
		return chi.URLParam(r, name)
	}
}

type RateLimitMiddleware struct {
	limiter service.Limiter
	scope   string
	limit   int
	window  time.Duration
	key     KeyFunc
}

func NewRateLimitMiddleware(limiter service.Limiter, scope string, limitPerMin int, key KeyFunc) *RateLimitMiddleware {
	if limitPerMin <= 0 {
		limitPerMin = config.DefaultRateLimitPerMin
	}
	return &RateLimitMiddleware{
		limiter: limiter,
		scope:   scope,
		limit:   limitPerMin,
		window:  config.RateLimitWindow,
		key:     key,
	}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := m.key(r)
		if subject == "" {
			next.ServeHTTP(w, r)
			return
		}

		decision := m.limiter.CheckLimit(r.Context(), m.scope, subject, m.limit, m.window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(decision.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(decision.ResetAt.Unix(), 10))

		if !decision.Allowed {
			log.Warn().Str("scope", m.scope).Str("subject", subject).Msg("rate limit exceeded")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]interface{}{"scope": m.scope, "subject": subject},
			})
			w.Header().Set("Retry-After", strconv.Itoa(int(m.window.Seconds())))
			writeError(w, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}
