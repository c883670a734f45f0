// ABOUTME: Server-Sent Events stream of persisted exchanges for the admin API
// ABOUTME: Subscribes to the broadcaster for one actor or every actor and writes each exchange as it is saved

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/concierge-gateway/internal/conversation"
)

// sseKeepaliveInterval is how often a comment line is written to idle streams.
const sseKeepaliveInterval = 15 * time.Second

// writeSSEEvent writes a single SSE event to the response writer.
func (g *Gateway) writeSSEEvent(w http.ResponseWriter, event string, data any) error {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		g.logger.Error("failed to marshal SSE data", "error", err)
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, dataJSON)
	return err
}

// handleEvents handles GET /api/events?actor=X. Without actor every exchange
// is streamed. The stream ends when the client disconnects or the gateway
// shuts down.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		g.sendJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	actor := r.URL.Query().Get("actor")
	if actor == "" {
		actor = conversation.AllActors
	}

	ch, subID := g.events.Subscribe(r.Context(), actor)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_ = g.writeSSEEvent(w, "subscribed", map[string]string{"actor": actor, "subscription_id": subID})
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ex, ok := <-ch:
			if !ok {
				return
			}
			if err := g.writeSSEEvent(w, "exchange", toExchangeResponse(ex)); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
