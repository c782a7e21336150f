package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/geofleet/fleet-server-go/internal/httputil"
	"github.com/geofleet/fleet-server-go/internal/model"
	"github.com/geofleet/fleet-server-go/internal/service"
)

type mockPairingAPI struct {
	mock.Mock
}

func (m *mockPairingAPI) Generate(ctx context.Context, claimed *model.Actor) (*service.PairingResult, error) {
	args := m.Called(ctx, claimed)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.PairingResult), args.Error(1)
}

func (m *mockPairingAPI) Complete(ctx context.Context, code string, data model.DeviceData) (*service.CompletionResult, error) {
	args := m.Called(ctx, code, data)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.CompletionResult), args.Error(1)
}

func (m *mockPairingAPI) Refresh(ctx context.Context, refreshToken string) (*model.DeviceCredential, error) {
	args := m.Called(ctx, refreshToken)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeviceCredential), args.Error(1)
}

func (m *mockPairingAPI) CleanupExpired(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

type mockDeviceAPI struct {
	mock.Mock
}

func (m *mockDeviceAPI) RecordHeartbeat(ctx context.Context, deviceID string, raw json.RawMessage) error {
	args := m.Called(ctx, deviceID, raw)
	return args.Error(0)
}

func (m *mockDeviceAPI) RecordLocation(ctx context.Context, deviceID string, input model.LocationInput) (*model.LocationRecord, error) {
	args := m.Called(ctx, deviceID, input)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.LocationRecord), args.Error(1)
}

func (m *mockDeviceAPI) Status(ctx context.Context, deviceID string) (*service.StatusDocument, error) {
	args := m.Called(ctx, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.StatusDocument), args.Error(1)
}

func (m *mockDeviceAPI) StatusForUser(ctx context.Context, actor *model.Actor, deviceID string) (*service.StatusDocument, error) {
	args := m.Called(ctx, actor, deviceID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.StatusDocument), args.Error(1)
}

func (m *mockDeviceAPI) Share(ctx context.Context, actor *model.Actor, deviceID, targetUserID string, permission model.Permission) (*model.DeviceUser, error) {
	args := m.Called(ctx, actor, deviceID, targetUserID, permission)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.DeviceUser), args.Error(1)
}

func (m *mockDeviceAPI) ListHeartbeats(ctx context.Context, actor *model.Actor, deviceID string, limit, offset int) (*service.HeartbeatPage, error) {
	args := m.Called(ctx, actor, deviceID, limit, offset)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.HeartbeatPage), args.Error(1)
}

var testActor = &model.Actor{AccountID: "acc-1", OrganizationID: "org-1", UserID: "user-1"}

// mount serves h under pattern so chi URL parameters resolve as in production.
func mount(pattern string, h http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Mount(pattern, h)
	return r
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httputil.ErrorResponse {
	t.Helper()
	var body httputil.ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}
