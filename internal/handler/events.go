package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/geofleet/fleet-server-go/internal/events"
	"github.com/geofleet/fleet-server-go/internal/service"
)

type EventSource interface {
	Subscribe(accountID string) *events.Client
	Unsubscribe(client *events.Client)
}

type EventsHandler struct {
	source    EventSource
	identity  service.IdentityResolver
	keepAlive time.Duration
}

func NewEventsHandler(source EventSource, identity service.IdentityResolver) *EventsHandler {
	return &EventsHandler{
		source:    source,
		identity:  identity,
		keepAlive: events.KeepAliveInterval,
	}
}

// GET /v1/events
// Streams lifecycle events for every device in the caller's account.
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	actor, err := h.identity.Resolve(r.Context(), service.ActorFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.source.Subscribe(actor.AccountID)
	defer h.source.Unsubscribe(client)

	log.Info().
		Str("accountId", actor.AccountID).
		Str("userId", actor.UserID).
		Msg("sse connection established")

	if err := h.sendEvent(w, flusher, "connected", map[string]string{"accountId": actor.AccountID}); err != nil {
		return
	}

	ctx := r.Context()
	keepAlive := time.NewTicker(h.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("accountId", actor.AccountID).Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().Str("accountId", actor.AccountID).Msg("sse connection closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendEvent(w, flusher, string(event.Type), event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-keepAlive.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("accountId", actor.AccountID).Msg("keep-alive failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", jsonData); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
