// Package credentials mints and verifies the signed tokens a paired device
// presents on every call.
package credentials

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "github.com/geofleet/fleet-server-go/internal/errors"
	"github.com/geofleet/fleet-server-go/internal/model"
	"github.com/geofleet/fleet-server-go/internal/util"
)

const defaultIssuer = "geofleet"

// Claims carried by both access and refresh tokens.
type Claims struct {
	AccountID        string          `json:"acc"`
	Kind             model.TokenKind `json:"typ"`
	TokenFingerprint string          `json:"dtk"`
	jwt.RegisteredClaims
}

// DeviceID is the subject the token was minted for.
func (c *Claims) DeviceID() string {
	return c.Subject
}

// Matches reports whether the claims are bound to the device's current token.
func (c *Claims) Matches(device *model.Device) bool {
	return device != nil &&
		c.Subject == device.ID &&
		util.ConstantTimeEqual(c.TokenFingerprint, util.Fingerprint(device.DeviceToken))
}

type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
	issuer     string
	now        func() time.Time
}

type Option func(*Issuer)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) { i.now = now }
}

func NewIssuer(secret string, accessTTL, refreshTTL time.Duration, opts ...Option) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("credentials: empty signing secret")
	}
	if accessTTL <= 0 || refreshTTL <= accessTTL {
		return nil, fmt.Errorf("credentials: access ttl %s must be positive and shorter than refresh ttl %s", accessTTL, refreshTTL)
	}
	i := &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		issuer:     defaultIssuer,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i, nil
}

// Issue mints an access and a refresh token for the device, both bound to its
// current device token.
func (i *Issuer) Issue(device *model.Device) (*model.DeviceCredential, error) {
	if device == nil || device.ID == "" || device.DeviceToken == "" {
		return nil, apperrors.Internal("cannot issue credentials for an incomplete device")
	}

	now := i.now()
	access, err := i.sign(device, model.TokenKindAccess, now, i.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := i.sign(device, model.TokenKindRefresh, now, i.refreshTTL)
	if err != nil {
		return nil, err
	}

	return &model.DeviceCredential{
		AccessToken:      access,
		RefreshToken:     refresh,
		ExpiresIn:        int(i.accessTTL.Seconds()),
		RefreshExpiresIn: int(i.refreshTTL.Seconds()),
		DeviceID:         device.ID,
	}, nil
}

func (i *Issuer) sign(device *model.Device, kind model.TokenKind, now time.Time, ttl time.Duration) (string, error) {
	claims := Claims{
		AccountID:        device.AccountID,
		Kind:             kind,
		TokenFingerprint: util.Fingerprint(device.DeviceToken),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   device.ID,
			Issuer:    i.issuer,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrCodeInternal, "failed to sign credential", err)
	}
	return signed, nil
}

// Verify checks signature, expiry, issuer and that the token is of the
// expected kind.
func (i *Issuer) Verify(token string, kind model.TokenKind) (*Claims, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil || !parsed.Valid {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.InvalidToken("Token expired")
		}
		return nil, apperrors.InvalidToken("Invalid token")
	}
	if claims.Kind != kind {
		return nil, apperrors.InvalidToken(fmt.Sprintf("Expected %s token", kind))
	}
	if claims.Subject == "" {
		return nil, apperrors.InvalidToken("Token has no subject")
	}
	return &claims, nil
}
