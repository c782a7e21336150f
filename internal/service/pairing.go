package service

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"github.com/geofleet/fleet-server-go/internal/audit"
	"github.com/geofleet/fleet-server-go/internal/credentials"
	"github.com/geofleet/fleet-server-go/internal/database"
	apperrors "github.com/geofleet/fleet-server-go/internal/errors"
	"github.com/geofleet/fleet-server-go/internal/events"
	"github.com/geofleet/fleet-server-go/internal/model"
	"github.com/geofleet/fleet-server-go/internal/repository"
	"github.com/geofleet/fleet-server-go/internal/util"
)

const (
	pairingCodeChars  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	pairingCodeLength = 10
	maxCodeAttempts   = 10
	publishTimeout    = 2 * time.Second
	defaultURLScheme  = "geofleet"
	defaultPairingTTL = 10 * time.Minute
)

type CredentialIssuer interface {
	Issue(device *model.Device) (*model.DeviceCredential, error)
	Verify(token string, kind model.TokenKind) (*credentials.Claims, error)
}

type StructValidator interface {
	Struct(v any) error
}

type PairingResult struct {
	PairingCode string    `json:"pairingCode"`
	ExpiresAt   time.Time `json:"expiresAt"`
	PairingURL  string    `json:"pairingUrl"`
}

type CompletionResult struct {
	model.DeviceCredential
	DeviceInfo *model.Device `json:"deviceInfo"`
}

type PairingConfig struct {
	TTL          time.Duration
	URLScheme    string
	StoreTimeout time.Duration
}

type PairingService struct {
	tx        database.Transactor
	requests  repository.PairingRequestRepository
	devices   repository.DeviceRepository
	grants    repository.DeviceUserRepository
	issuer    CredentialIssuer
	identity  IdentityResolver
	publisher events.Publisher
	validator StructValidator
	cfg       PairingConfig
	now       func() time.Time
}

func NewPairingService(
	tx database.Transactor,
	requests repository.PairingRequestRepository,
	devices repository.DeviceRepository,
	grants repository.DeviceUserRepository,
	issuer CredentialIssuer,
	identity IdentityResolver,
	publisher events.Publisher,
	validator StructValidator,
	cfg PairingConfig,
) *PairingService {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultPairingTTL
	}
	if cfg.URLScheme == "" {
		cfg.URLScheme = defaultURLScheme
	}
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &PairingService{
		tx:        tx,
		requests:  requests,
		devices:   devices,
		grants:    grants,
		issuer:    issuer,
		identity:  identity,
		publisher: publisher,
		validator: validator,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock overrides the time source, for tests.
func (s *PairingService) SetClock(now func() time.Time) {
	s.now = now
}

// Generate issues a fresh pairing code for the resolved actor.
func (s *PairingService) Generate(ctx context.Context, claimed *model.Actor) (*PairingResult, error) {
	actor, err := s.identity.Resolve(ctx, claimed)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withStoreTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	var pr *model.PairingRequest
	for attempt := 0; attempt < maxCodeAttempts && pr == nil; attempt++ {
		code, err := generatePairingCode()
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrCodeInternal, "failed to generate pairing code", err)
		}
		now := s.now()
		pr, err = s.requests.Create(ctx, model.CreatePairingRequestParams{
			PairingCode:    code,
			AccountID:      actor.AccountID,
			OrganizationID: actor.OrganizationID,
			CreatedBy:      actor.UserID,
			Now:            now,
			ExpiresAt:      now.Add(s.cfg.TTL),
		})
		if err != nil {
			return nil, storeErr(err)
		}
		if pr == nil {
			log.Debug().Int("attempt", attempt+1).Msg("pairing code collision, regenerating")
		}
	}
	if pr == nil {
		return nil, apperrors.Internal("could not allocate a unique pairing code")
	}

	log.Info().
		Str("code", util.MaskCode(pr.PairingCode)).
		Str("accountId", pr.AccountID).
		Time("expiresAt", pr.ExpiresAt).
		Msg("pairing code created")

	audit.Log(ctx, audit.Event{
		Type:      audit.EventPairingGenerate,
		UserID:    actor.UserID,
		AccountID: actor.AccountID,
		Details:   map[string]interface{}{"expires_at": pr.ExpiresAt},
	})

	return &PairingResult{
		PairingCode: pr.PairingCode,
		ExpiresAt:   pr.ExpiresAt,
		PairingURL:  s.pairingURL(pr.PairingCode),
	}, nil
}

func (s *PairingService) pairingURL(code string) string {
	return fmt.Sprintf("%s://pair?code=%s", s.cfg.URLScheme, url.QueryEscape(code))
}

// Complete consumes the code and registers the device in one transaction,
// then issues its first credential pair.
func (s *PairingService) Complete(ctx context.Context, code string, data model.DeviceData) (*CompletionResult, error) {
	code = util.NormalizeCode(code)
	if !validCodeShape(code) {
		return nil, s.rejectCode(ctx, code)
	}
	if err := s.validator.Struct(&data); err != nil {
		return nil, err
	}

	params, err := deviceParams(data)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withStoreTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	now := s.now()
	var device *model.Device
	var request *model.PairingRequest

	err = s.tx.WithTx(ctx, func(tx *sqlx.Tx) error {
		request, err = s.requests.WithTx(tx).ConsumeByCode(ctx, code, now)
		if err != nil {
			return err
		}
		if request == nil {
			return apperrors.InvalidOrExpiredCode()
		}

		params.AccountID = request.AccountID
		params.OrganizationID = request.OrganizationID
		device, err = s.upsertDevice(ctx, s.devices.WithTx(tx), params)
		if err != nil {
			return err
		}

		_, err = s.grants.WithTx(tx).Upsert(ctx, model.GrantParams{
			DeviceID:       device.ID,
			UserID:         request.CreatedBy,
			OrganizationID: &request.OrganizationID,
			Permissions:    model.PermissionOwner,
			GrantedBy:      &request.CreatedBy,
		})
		return err
	})
	if err != nil {
		if apperrors.GetCode(err) == apperrors.ErrCodeInvalidOrExpiredCode {
			return nil, s.rejectCode(ctx, code)
		}
		if database.IsUniqueViolation(err) {
			return nil, apperrors.InvalidInput("macAddress", "device is already being paired")
		}
		return nil, storeErr(err)
	}

	cred, err := s.issuer.Issue(device)
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("deviceId", device.ID).
		Str("accountId", device.AccountID).
		Str("code", util.MaskCode(code)).
		Msg("device paired")

	audit.Log(ctx, audit.Event{
		Type:      audit.EventPairingComplete,
		UserID:    request.CreatedBy,
		AccountID: device.AccountID,
		DeviceID:  device.ID,
	})

	s.publish(ctx, events.New(events.DevicePaired, device.AccountID, device.ID, now, map[string]string{"name": device.Name}))

	return &CompletionResult{DeviceCredential: *cred, DeviceInfo: device}, nil
}

// upsertDevice re-pairs the account's device with the same MAC when there is
// one, otherwise registers a new device.
func (s *PairingService) upsertDevice(ctx context.Context, repo repository.DeviceRepository, params model.UpsertPairedDeviceParams) (*model.Device, error) {
	if params.MACAddress != nil {
		existing, err := repo.FindByAccountAndMACForUpdate(ctx, params.AccountID, *params.MACAddress)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return repo.UpdatePaired(ctx, existing.ID, params)
		}
	}
	return repo.Create(ctx, params)
}

func (s *PairingService) rejectCode(ctx context.Context, code string) error {
	log.Warn().Str("code", util.MaskCode(code)).Msg("invalid or expired pairing code")
	audit.Log(ctx, audit.Event{Type: audit.EventPairingRejected})
	return apperrors.InvalidOrExpiredCode()
}

// Refresh exchanges a refresh token for a new pair. Tokens minted before the
// device was last re-paired are refused.
func (s *PairingService) Refresh(ctx context.Context, refreshToken string) (*model.DeviceCredential, error) {
	claims, err := s.issuer.Verify(refreshToken, model.TokenKindRefresh)
	if err != nil {
		return nil, err
	}

	ctx, cancel := withStoreTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	device, err := s.devices.FindByID(ctx, claims.DeviceID())
	if err != nil {
		return nil, storeErr(err)
	}
	if device == nil || !device.IsPaired || !claims.Matches(device) {
		audit.Log(ctx, audit.Event{Type: audit.EventCredentialReject, DeviceID: claims.DeviceID()})
		return nil, apperrors.InvalidToken("Credential has been revoked")
	}

	cred, err := s.issuer.Issue(device)
	if err != nil {
		return nil, err
	}

	audit.Log(ctx, audit.Event{Type: audit.EventCredentialRenew, DeviceID: device.ID, AccountID: device.AccountID})
	return cred, nil
}

// CleanupExpired removes requests past their expiry and reports how many.
func (s *PairingService) CleanupExpired(ctx context.Context) (int64, error) {
	ctx, cancel := withStoreTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	count, err := s.requests.DeleteExpired(ctx, s.now())
	if err != nil {
		return 0, storeErr(err)
	}
	if count > 0 {
		log.Info().Int64("count", count).Msg("expired pairing requests removed")
	}
	return count, nil
}

func (s *PairingService) publish(ctx context.Context, event events.Event) {
	publishEvent(ctx, s.publisher, event)
}

// publishEvent is best effort: the primary write has already committed.
func publishEvent(ctx context.Context, publisher events.Publisher, event events.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := publisher.Publish(ctx, event.AccountID, event); err != nil {
		log.Warn().Err(err).
			Str("eventType", string(event.Type)).
			Str("deviceId", event.DeviceID).
			Msg("failed to publish device event")
	}
}

func generatePairingCode() (string, error) {
	return util.RandomString(pairingCodeChars, pairingCodeLength)
}

func validCodeShape(code string) bool {
	if len(code) != pairingCodeLength {
		return false
	}
	for _, c := range code {
		if !strings.ContainsRune(pairingCodeChars, c) {
			return false
		}
	}
	return true
}

func deviceParams(data model.DeviceData) (model.UpsertPairedDeviceParams, error) {
	token, err := util.GenerateToken()
	if err != nil {
		return model.UpsertPairedDeviceParams{}, apperrors.Wrap(apperrors.ErrCodeInternal, "failed to generate device token", err)
	}

	params := model.UpsertPairedDeviceParams{
		Name:            strings.TrimSpace(data.Name),
		DeviceToken:     token,
		DeviceModel:     data.DeviceModel,
		FirmwareVersion: data.FirmwareVersion,
		DeviceOS:        data.DeviceOS,
		IPAddress:       data.IPAddress,
		ConnectionType:  data.ConnectionType,
	}
	if data.MACAddress != nil {
		mac, err := normalizeMAC(*data.MACAddress)
		if err != nil {
			return params, err
		}
		params.MACAddress = &mac
	}
	if data.Capabilities != nil {
		raw, err := json.Marshal(data.Capabilities)
		if err != nil {
			return params, apperrors.InvalidInput("capabilities", "must be a JSON object")
		}
		params.Capabilities = raw
	}
	return params, nil
}

// normalizeMAC renders any accepted hardware address notation in lower-case
// colon form so the same device always matches.
func normalizeMAC(mac string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(mac))
	if err != nil {
		return "", apperrors.InvalidInput("macAddress", "not a hardware address")
	}
	return hw.String(), nil
}
