package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/geofleet/fleet-server-go/internal/errors"
	"github.com/geofleet/fleet-server-go/internal/middleware"
	"github.com/geofleet/fleet-server-go/internal/model"
	"github.com/geofleet/fleet-server-go/internal/service"
)

func deviceRoutes(api DeviceAPI) http.Handler {
	return mount("/devices/{id}", NewDeviceHandler(api, service.ContextResolver{}).DeviceRoutes())
}

func userRoutes(api DeviceAPI, identity service.IdentityResolver) http.Handler {
	return mount("/v1/devices/{id}", NewDeviceHandler(api, identity).UserRoutes())
}

func asUser(req *http.Request) *http.Request {
	return req.WithContext(service.WithActor(req.Context(), testActor))
}

func TestDeviceHandler_Heartbeat(t *testing.T) {
	t.Run("passes the raw body through", func(t *testing.T) {
		api := new(mockDeviceAPI)
		body := `{"batteryLevel":87,"cpu":{"load":0.3}}`
		api.On("RecordHeartbeat", mock.Anything, "dev-1", json.RawMessage(body)).Return(nil)

		rec := httptest.NewRecorder()
		deviceRoutes(api).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/devices/dev-1/heartbeat", strings.NewReader(body)))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"status":"received"}`, rec.Body.String())
		api.AssertExpectations(t)
	})

	t.Run("unknown device is a 404", func(t *testing.T) {
		api := new(mockDeviceAPI)
		api.On("RecordHeartbeat", mock.Anything, "ghost", mock.Anything).Return(apperrors.DeviceNotFound())

		rec := httptest.NewRecorder()
		deviceRoutes(api).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/devices/ghost/heartbeat", strings.NewReader(`{}`)))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, apperrors.ErrCodeDeviceNotFound, decodeError(t, rec).Code)
	})

	t.Run("oversized body is rejected", func(t *testing.T) {
		api := new(mockDeviceAPI)
		h := middleware.NewBodyLimitMiddleware(8).Handler(deviceRoutes(api))

		req := httptest.NewRequest(http.MethodPost, "/devices/dev-1/heartbeat", strings.NewReader(`{"padding":"xxxxxxxxxxxxxxxx"}`))
		req.ContentLength = -1
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		api.AssertNotCalled(t, "RecordHeartbeat", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestDeviceHandler_Location(t *testing.T) {
	api := new(mockDeviceAPI)
	lat, lng := 37.5, 127.0
	api.On("RecordLocation", mock.Anything, "dev-1", model.LocationInput{Latitude: &lat, Longitude: &lng}).
		Return(&model.LocationRecord{ID: 1, DeviceID: "dev-1", Latitude: lat, Longitude: lng}, nil)
	api.On("RecordLocation", mock.Anything, "dev-2", mock.Anything).
		Return(nil, apperrors.ValidationError("Request validation failed"))

	rec := httptest.NewRecorder()
	deviceRoutes(api).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/devices/dev-1/location",
		strings.NewReader(`{"latitude":37.5,"longitude":127.0}`)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"status":"accepted"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	deviceRoutes(api).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/devices/dev-2/location",
		strings.NewReader(`{"latitude":91,"longitude":0}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeviceHandler_Status(t *testing.T) {
	api := new(mockDeviceAPI)
	elapsed := 12.5
	api.On("Status", mock.Anything, "dev-1").Return(&service.StatusDocument{
		DeviceID:              "dev-1",
		Name:                  "Tracker",
		Status:                model.DeviceStatusOnline,
		HealthMetrics:         json.RawMessage(`{"batteryLevel":50}`),
		Capabilities:          json.RawMessage(`{}`),
		IsPaired:              true,
		SecondsSinceHeartbeat: &elapsed,
	}, nil)

	rec := httptest.NewRecorder()
	deviceRoutes(api).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/devices/dev-1/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "online", doc["status"])
	assert.Equal(t, 12.5, doc["secondsSinceHeartbeat"])
	assert.Equal(t, map[string]any{"batteryLevel": float64(50)}, doc["healthMetrics"])
	assert.Contains(t, doc, "lastHeartbeat")
}

func TestDeviceHandler_UserStatus(t *testing.T) {
	t.Run("uses the authenticated actor", func(t *testing.T) {
		api := new(mockDeviceAPI)
		api.On("StatusForUser", mock.Anything, testActor, "dev-1").Return(&service.StatusDocument{DeviceID: "dev-1"}, nil)

		rec := httptest.NewRecorder()
		userRoutes(api, service.ContextResolver{}).ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodGet, "/v1/devices/dev-1/status", nil)))

		assert.Equal(t, http.StatusOK, rec.Code)
		api.AssertExpectations(t)
	})

	t.Run("no actor is a 401", func(t *testing.T) {
		api := new(mockDeviceAPI)

		rec := httptest.NewRecorder()
		userRoutes(api, service.ContextResolver{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/devices/dev-1/status", nil))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		api.AssertNotCalled(t, "StatusForUser", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("static resolver fills a missing actor", func(t *testing.T) {
		api := new(mockDeviceAPI)
		api.On("StatusForUser", mock.Anything, testActor, "dev-1").Return(&service.StatusDocument{DeviceID: "dev-1"}, nil)

		rec := httptest.NewRecorder()
		userRoutes(api, service.StaticResolver{Actor: *testActor}).
			ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/devices/dev-1/status", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestDeviceHandler_Heartbeats(t *testing.T) {
	tests := []struct {
		name       string
		query      string
		wantLimit  int
		wantOffset int
	}{
		{"defaults", "", DefaultLimit, 0},
		{"explicit", "?limit=10&offset=20", 10, 20},
		{"clamped", "?limit=1000&offset=-5", MaxLimit, 0},
		{"garbage", "?limit=abc&offset=xyz", DefaultLimit, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := new(mockDeviceAPI)
			api.On("ListHeartbeats", mock.Anything, testActor, "dev-1", tt.wantLimit, tt.wantOffset).
				Return(&service.HeartbeatPage{Heartbeats: []model.HeartbeatRecord{}, Limit: tt.wantLimit, Offset: tt.wantOffset}, nil)

			rec := httptest.NewRecorder()
			userRoutes(api, service.ContextResolver{}).
				ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodGet, "/v1/devices/dev-1/heartbeats"+tt.query, nil)))

			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Body.String(), `"heartbeats":[]`)
			api.AssertExpectations(t)
		})
	}
}

func TestDeviceHandler_Share(t *testing.T) {
	t.Run("grants", func(t *testing.T) {
		api := new(mockDeviceAPI)
		api.On("Share", mock.Anything, testActor, "dev-1", "user-2", model.PermissionWrite).
			Return(&model.DeviceUser{DeviceID: "dev-1", UserID: "user-2", Permissions: model.PermissionWrite}, nil)

		rec := httptest.NewRecorder()
		userRoutes(api, service.ContextResolver{}).ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodPost, "/v1/devices/dev-1/share",
			strings.NewReader(`{"targetUserId":"user-2","permissions":"write"}`))))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"permissions":"write"`)
	})

	t.Run("insufficient permission is a 403", func(t *testing.T) {
		api := new(mockDeviceAPI)
		api.On("Share", mock.Anything, testActor, "dev-1", "user-2", model.PermissionOwner).
			Return(nil, apperrors.InsufficientPermissions())

		rec := httptest.NewRecorder()
		userRoutes(api, service.ContextResolver{}).ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodPost, "/v1/devices/dev-1/share",
			strings.NewReader(`{"targetUserId":"user-2","permissions":"owner"}`))))

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, apperrors.ErrCodeInsufficientPermissions, decodeError(t, rec).Code)
	})

	t.Run("target is required", func(t *testing.T) {
		api := new(mockDeviceAPI)

		rec := httptest.NewRecorder()
		userRoutes(api, service.ContextResolver{}).ServeHTTP(rec, asUser(httptest.NewRequest(http.MethodPost, "/v1/devices/dev-1/share",
			strings.NewReader(`{"targetUserId":"  ","permissions":"read"}`))))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apperrors.ErrCodeInvalidInput, decodeError(t, rec).Code)
		api.AssertNotCalled(t, "Share", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})
}
