package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/geofleet/fleet-server-go/internal/model"
	"github.com/geofleet/fleet-server-go/internal/service"
)

type PairingAPI interface {
	Generate(ctx context.Context, claimed *model.Actor) (*service.PairingResult, error)
	Complete(ctx context.Context, code string, data model.DeviceData) (*service.CompletionResult, error)
	Refresh(ctx context.Context, refreshToken string) (*model.DeviceCredential, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

type PairingHandler struct {
	pairing      PairingAPI
	authenticate func(http.Handler) http.Handler
	guard        func(http.Handler) http.Handler
}

// NewPairingHandler wires the pairing routes. authenticate identifies the user
// requesting a code and guard protects the cleanup endpoint; either may be nil.
func NewPairingHandler(pairing PairingAPI, authenticate, guard func(http.Handler) http.Handler) *PairingHandler {
	return &PairingHandler{pairing: pairing, authenticate: authenticate, guard: guard}
}

func (h *PairingHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.With(optional(h.authenticate)...).Post("/generate", h.Generate)
	r.Post("/complete", h.Complete)
	r.Post("/refresh", h.Refresh)
	r.With(optional(h.guard)...).Post("/cleanup", h.Cleanup)

	return r
}

func optional(mw func(http.Handler) http.Handler) []func(http.Handler) http.Handler {
	if mw == nil {
		return nil
	}
	return []func(http.Handler) http.Handler{mw}
}

// POST /pairing/generate
func (h *PairingHandler) Generate(w http.ResponseWriter, r *http.Request) {
	result, err := h.pairing.Generate(r.Context(), service.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

type completePairingRequest struct {
	PairingCode string           `json:"pairingCode"`
	DeviceData  model.DeviceData `json:"deviceData"`
}

// POST /pairing/complete
// Called by the device itself; the code is the only proof it was authorized.
func (h *PairingHandler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completePairingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.pairing.Complete(r.Context(), req.PairingCode, req.DeviceData)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// POST /pairing/refresh
func (h *PairingHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	creds, err := h.pairing.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, creds)
}

// POST /pairing/cleanup
func (h *PairingHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	count, err := h.pairing.CleanupExpired(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"cleanedCount": count})
}
