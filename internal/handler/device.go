package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/geofleet/fleet-server-go/internal/errors"
	"github.com/geofleet/fleet-server-go/internal/model"
	"github.com/geofleet/fleet-server-go/internal/service"
)

type DeviceAPI interface {
	RecordHeartbeat(ctx context.Context, deviceID string, raw json.RawMessage) error
	RecordLocation(ctx context.Context, deviceID string, input model.LocationInput) (*model.LocationRecord, error)
	Status(ctx context.Context, deviceID string) (*service.StatusDocument, error)
	StatusForUser(ctx context.Context, actor *model.Actor, deviceID string) (*service.StatusDocument, error)
	Share(ctx context.Context, actor *model.Actor, deviceID, targetUserID string, permission model.Permission) (*model.DeviceUser, error)
	ListHeartbeats(ctx context.Context, actor *model.Actor, deviceID string, limit, offset int) (*service.HeartbeatPage, error)
}

type DeviceHandler struct {
	devices  DeviceAPI
	identity service.IdentityResolver
}

func NewDeviceHandler(devices DeviceAPI, identity service.IdentityResolver) *DeviceHandler {
	return &DeviceHandler{devices: devices, identity: identity}
}

// DeviceRoutes are called by devices; authentication is mounted by the caller.
func (h *DeviceHandler) DeviceRoutes() chi.Router {
	r := chi.NewRouter()

	r.Post("/heartbeat", h.Heartbeat)
	r.Post("/location", h.Location)
	r.Get("/status", h.Status)

	return r
}

// UserRoutes are called on behalf of a user holding a grant on the device.
func (h *DeviceHandler) UserRoutes() chi.Router {
	r := chi.NewRouter()

	r.Get("/status", h.UserStatus)
	r.Get("/heartbeats", h.Heartbeats)
	r.Post("/share", h.Share)

	return r
}

// POST /devices/{id}/heartbeat
// The body is an arbitrary JSON object merged into the device's health metrics.
func (h *DeviceHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, apperrors.ValidationError("Request body too large"))
			return
		}
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	if err := h.devices.RecordHeartbeat(r.Context(), chi.URLParam(r, "id"), raw); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "received"})
}

// POST /devices/{id}/location
func (h *DeviceHandler) Location(w http.ResponseWriter, r *http.Request) {
	var input model.LocationInput
	if err := decodeJSON(r, &input); err != nil {
		writeError(w, err)
		return
	}

	if _, err := h.devices.RecordLocation(r.Context(), chi.URLParam(r, "id"), input); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// GET /devices/{id}/status
func (h *DeviceHandler) Status(w http.ResponseWriter, r *http.Request) {
	doc, err := h.devices.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GET /v1/devices/{id}/status
func (h *DeviceHandler) UserStatus(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	doc, err := h.devices.StatusForUser(r.Context(), actor, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// GET /v1/devices/{id}/heartbeats?limit=&offset=
func (h *DeviceHandler) Heartbeats(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	p := ParsePagination(r)
	page, err := h.devices.ListHeartbeats(r.Context(), actor, chi.URLParam(r, "id"), p.Limit, p.Offset)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

type shareRequest struct {
	TargetUserID string           `json:"targetUserId"`
	Permissions  model.Permission `json:"permissions"`
}

// POST /v1/devices/{id}/share
func (h *DeviceHandler) Share(w http.ResponseWriter, r *http.Request) {
	actor, err := h.actor(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var req shareRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	req.TargetUserID = strings.TrimSpace(req.TargetUserID)
	if req.TargetUserID == "" {
		writeError(w, apperrors.InvalidInput("targetUserId", "is required"))
		return
	}

	grant, err := h.devices.Share(r.Context(), actor, chi.URLParam(r, "id"), req.TargetUserID, req.Permissions)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

func (h *DeviceHandler) actor(r *http.Request) (*model.Actor, error) {
	return h.identity.Resolve(r.Context(), service.ActorFromContext(r.Context()))
}
