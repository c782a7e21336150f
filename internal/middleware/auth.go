package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"

	"github.com/geofleet/fleet-server-go/internal/audit"
	"github.com/geofleet/fleet-server-go/internal/credentials"
	"github.com/geofleet/fleet-server-go/internal/database"
	apperrors "github.com/geofleet/fleet-server-go/internal/errors"
	"github.com/geofleet/fleet-server-go/internal/model"
	"github.com/geofleet/fleet-server-go/internal/service"
	"github.com/geofleet/fleet-server-go/internal/util"
)

type contextKey string

const DeviceContextKey contextKey = "device"

func GetDevice(ctx context.Context) *model.Device {
	if device, ok := ctx.Value(DeviceContextKey).(*model.Device); ok {
		return device
	}
	return nil
}

type TokenVerifier interface {
	Verify(token string, kind model.TokenKind) (*credentials.Claims, error)
}

type DeviceFinder interface {
	FindByID(ctx context.Context, id string) (*model.Device, error)
}

// DeviceAuth admits requests carrying an access token minted for the device
// named by the {id} route parameter.
type DeviceAuth struct {
	verifier     TokenVerifier
	devices      DeviceFinder
	storeTimeout time.Duration
}

func NewDeviceAuth(verifier TokenVerifier, devices DeviceFinder, storeTimeout time.Duration) *DeviceAuth {
	return &DeviceAuth{verifier: verifier, devices: devices, storeTimeout: storeTimeout}
}

func (m *DeviceAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceID := chi.URLParam(r, "id")

		token := extractToken(r)
		if token == "" {
			m.reject(w, r, deviceID, "missing_token", apperrors.Unauthorized("Missing authentication token"))
			return
		}

		claims, err := m.verifier.Verify(token, model.TokenKindAccess)
		if err != nil {
			appErr, ok := apperrors.AsAppError(err)
			if !ok {
				appErr = apperrors.InvalidToken("Invalid token")
			}
			m.reject(w, r, deviceID, "invalid_token", appErr)
			return
		}

		if claims.DeviceID() != deviceID {
			m.reject(w, r, deviceID, "subject_mismatch", apperrors.InvalidToken("Token was not issued for this device"))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), m.storeTimeout)
		device, err := m.devices.FindByID(ctx, deviceID)
		cancel()
		if err != nil {
			log.Error().Err(err).Str("deviceId", deviceID).Msg("device auth: lookup failed")
			if database.IsTimeout(err) {
				writeError(w, apperrors.StoreTimeout(err))
				return
			}
			writeError(w, apperrors.Database(err))
			return
		}

		if device == nil {
			writeError(w, apperrors.DeviceNotFound())
			return
		}

		if !device.IsPaired || !claims.Matches(device) {
			m.reject(w, r, deviceID, "revoked", apperrors.InvalidToken("Credential has been revoked"))
			return
		}

		ctx = context.WithValue(r.Context(), DeviceContextKey, device)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *DeviceAuth) reject(w http.ResponseWriter, r *http.Request, deviceID, reason string, err *apperrors.AppError) {
	audit.LogFromRequest(r, audit.Event{
		Type:     audit.EventAuthFailure,
		DeviceID: deviceID,
		Details:  map[string]interface{}{"reason": reason, "kind": "device"},
	})
	writeError(w, err)
}

// UserClaims is the token shape issued by the platform's user auth service.
type UserClaims struct {
	AccountID      string `json:"account_id"`
	OrganizationID string `json:"organization_id"`
	jwt.RegisteredClaims
}

// UserAuth places the actor from a verified user token in the request
// context. When optional, requests without a token pass through unchanged so
// a fallback identity resolver can fill them in; a token that is present but
// invalid is always rejected.
type UserAuth struct {
	secret   []byte
	optional bool
}

func NewUserAuth(secret string, optional bool) *UserAuth {
	return &UserAuth{secret: []byte(secret), optional: optional}
}

func (m *UserAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			m.reject(w, r, "missing_token", apperrors.Unauthorized("Missing authentication token"))
			return
		}

		actor, err := m.parse(token)
		if err != nil {
			m.reject(w, r, "invalid_token", apperrors.InvalidToken("Invalid token"))
			return
		}

		next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
	})
}

func (m *UserAuth) parse(token string) (*model.Actor, error) {
	claims := &UserClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" || claims.AccountID == "" {
		return nil, errors.New("user token missing subject or account")
	}
	return &model.Actor{
		AccountID:      claims.AccountID,
		OrganizationID: claims.OrganizationID,
		UserID:         claims.Subject,
	}, nil
}

func (m *UserAuth) reject(w http.ResponseWriter, r *http.Request, reason string, err *apperrors.AppError) {
	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventAuthFailure,
		Details: map[string]interface{}{"reason": reason, "kind": "user"},
	})
	writeError(w, err)
}

// BearerSecret guards operator endpoints with a shared secret. An empty
// secret disables the check.
func BearerSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret != "" && !util.ConstantTimeEqual(extractBearer(r), secret) {
				audit.LogFromRequest(r, audit.Event{
					Type:    audit.EventAuthFailure,
					Details: map[string]interface{}{"reason": "bad_secret", "kind": "operator"},
				})
				writeError(w, apperrors.Unauthorized("Invalid operator token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// extractToken reads the bearer token, falling back to the token query
// parameter for EventSource clients that cannot set headers.
func extractToken(r *http.Request) string {
	if token := extractBearer(r); token != "" {
		return token
	}
	return r.URL.Query().Get("token")
}

func extractBearer(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}
