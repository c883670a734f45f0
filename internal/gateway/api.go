// ABOUTME: Admin HTTP API handlers for contexts, stats, manual sends, exchanges, and the audit log
// ABOUTME: All routes sit behind the admin JWT middleware registered in routes()

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/2389/concierge-gateway/internal/auth"
	"github.com/2389/concierge-gateway/internal/conversation"
	"github.com/2389/concierge-gateway/internal/delivery"
	"github.com/2389/concierge-gateway/internal/generation"
	"github.com/2389/concierge-gateway/internal/store"
	"github.com/2389/concierge-gateway/internal/webhook"
)

// maxSendBodyBytes bounds the JSON body of POST /api/send.
const maxSendBodyBytes = 64 << 10

// SendRequest is the JSON request body for POST /api/send.
type SendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// SendResponse is the JSON response for POST /api/send.
type SendResponse struct {
	Recipient   string  `json:"recipient"`
	Success     bool    `json:"success"`
	MessageID   string  `json:"message_id,omitempty"`
	Attempts    int     `json:"attempts"`
	CostUSD     float64 `json:"cost_usd"`
	Reason      string  `json:"reason,omitempty"`
	UserMessage string  `json:"user_message,omitempty"`
}

// ContextsResponse is the JSON response for GET /api/contexts.
type ContextsResponse struct {
	Contexts []conversation.Snapshot `json:"contexts"`
}

// ClearContextResponse is the JSON response for DELETE /api/contexts/{actor}.
type ClearContextResponse struct {
	ActorID string `json:"actor_id"`
	Cleared bool   `json:"cleared"` // a live context was cached
}

// ExchangeResponse is the JSON form of a persisted exchange.
type ExchangeResponse struct {
	ID                string  `json:"id"`
	ActorID           string  `json:"actor_id"`
	Source            string  `json:"source"`
	InboundMessageID  string  `json:"inbound_message_id,omitempty"`
	CustomerText      string  `json:"customer_text,omitempty"`
	AssistantText     string  `json:"assistant_text,omitempty"`
	Media             bool    `json:"media,omitempty"`
	Manual            bool    `json:"manual,omitempty"`
	DeliveryStatus    string  `json:"delivery_status"`
	ProviderMessageID string  `json:"provider_message_id,omitempty"`
	FailureReason     string  `json:"failure_reason,omitempty"`
	CostUSD           float64 `json:"cost_usd"`
	InputTokens       int64   `json:"input_tokens,omitempty"`
	OutputTokens      int64   `json:"output_tokens,omitempty"`
	CreatedAt         string  `json:"created_at"`
}

// AuditResponse is the JSON form of an audit log entry.
type AuditResponse struct {
	ID         string         `json:"id"`
	Actor      string         `json:"actor"`
	Action     string         `json:"action"`
	TargetType string         `json:"target_type"`
	TargetID   string         `json:"target_id"`
	Timestamp  string         `json:"timestamp"`
	Detail     map[string]any `json:"detail,omitempty"`
}

// StatsResponse is the JSON response for GET /api/stats.
type StatsResponse struct {
	UptimeSeconds int64              `json:"uptime_seconds"`
	Contexts      int                `json:"contexts"`
	Subscribers   int                `json:"subscribers"`
	Webhooks      webhook.Stats      `json:"webhooks"`
	Generation    generation.Stats   `json:"generation"`
	CachedReplies int                `json:"cached_replies"`
	Delivery      delivery.Metrics   `json:"delivery"`
	Dispatch      DispatchStats      `json:"dispatch"`
	Exchanges     *ExchangeStatsJSON `json:"exchanges,omitempty"`
}

// DispatchStats reports the background executor.
type DispatchStats struct {
	InFlight  int   `json:"in_flight"`
	Completed int64 `json:"completed"`
	Panicked  int64 `json:"panicked"`
}

// ExchangeStatsJSON is the JSON form of store.ExchangeStats.
type ExchangeStatsJSON struct {
	Total        int64            `json:"total"`
	ByStatus     map[string]int64 `json:"by_status"`
	Actors       int64            `json:"actors"`
	CostUSD      float64          `json:"cost_usd"`
	InputTokens  int64            `json:"input_tokens"`
	OutputTokens int64            `json:"output_tokens"`
	FirstSeen    string           `json:"first_seen,omitempty"`
	LastSeen     string           `json:"last_seen,omitempty"`
}

func toExchangeResponse(ex *store.Exchange) ExchangeResponse {
	return ExchangeResponse{
		ID:                ex.ID,
		ActorID:           ex.ActorID,
		Source:            string(ex.Source),
		InboundMessageID:  ex.InboundMessageID,
		CustomerText:      ex.CustomerText,
		AssistantText:     ex.AssistantText,
		Media:             ex.Media,
		Manual:            ex.Manual,
		DeliveryStatus:    string(ex.DeliveryStatus),
		ProviderMessageID: ex.ProviderMessageID,
		FailureReason:     ex.FailureReason,
		CostUSD:           ex.CostUSD,
		InputTokens:       ex.InputTokens,
		OutputTokens:      ex.OutputTokens,
		CreatedAt:         ex.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toExchangeStatsJSON(s *store.ExchangeStats) *ExchangeStatsJSON {
	out := &ExchangeStatsJSON{
		Total:        s.Total,
		ByStatus:     make(map[string]int64, len(s.ByStatus)),
		Actors:       s.Actors,
		CostUSD:      s.CostUSD,
		InputTokens:  s.InputTokens,
		OutputTokens: s.OutputTokens,
	}
	for status, n := range s.ByStatus {
		out.ByStatus[string(status)] = n
	}
	if s.FirstSeen != nil {
		out.FirstSeen = s.FirstSeen.UTC().Format(time.RFC3339)
	}
	if s.LastSeen != nil {
		out.LastSeen = s.LastSeen.UTC().Format(time.RFC3339)
	}
	return out
}

// writeJSON writes v as a JSON response with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	g.writeJSON(w, status, map[string]string{"error": message})
}

// parseLimit reads the optional ?limit= query parameter.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}

// handleListContexts handles GET /api/contexts: every live context.
func (g *Gateway) handleListContexts(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, ContextsResponse{Contexts: g.contexts.ExportAll()})
}

// handleGetContext handles GET /api/contexts/{actor}.
func (g *Gateway) handleGetContext(w http.ResponseWriter, r *http.Request) {
	snap, ok := g.contexts.Snapshot(r.PathValue("actor"))
	if !ok {
		g.sendJSONError(w, http.StatusNotFound, "no live context for actor")
		return
	}
	g.writeJSON(w, http.StatusOK, snap)
}

// handleClearContext handles DELETE /api/contexts/{actor}. The persisted reset
// comes first so a concurrent cold reload cannot resurrect the cleared history.
func (g *Gateway) handleClearContext(w http.ResponseWriter, r *http.Request) {
	actorID := conversation.NormalizeActorID(r.PathValue("actor"))
	if actorID == "" {
		g.sendJSONError(w, http.StatusBadRequest, "actor is required")
		return
	}

	if err := g.store.ResetContext(r.Context(), actorID, time.Now()); err != nil {
		g.logger.Error("failed to reset persisted context", "actor", actorID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to reset context")
		return
	}
	cleared := g.contexts.Clear(actorID)

	entry := &store.AuditEntry{
		Actor:      auth.FromContext(r.Context()).Subject,
		Action:     store.AuditContextCleared,
		TargetType: "actor",
		TargetID:   actorID,
		Detail:     map[string]any{"live": cleared},
	}
	if err := g.store.AppendAuditLog(r.Context(), entry); err != nil {
		g.logger.Error("failed to audit context clear", "actor", actorID, "error", err)
	}

	g.writeJSON(w, http.StatusOK, ClearContextResponse{ActorID: actorID, Cleared: cleared})
}

// handleStats handles GET /api/stats.
func (g *Gateway) handleStats(w http.ResponseWriter, r *http.Request) {
	completed, panicked := g.dispatcher.Stats()
	resp := StatsResponse{
		UptimeSeconds: int64(time.Since(g.startedAt).Seconds()),
		Contexts:      g.contexts.Len(),
		Subscribers:   g.events.Subscribers(),
		Webhooks:      g.webhooks.Stats(),
		Generation:    g.generator.Stats(),
		CachedReplies: g.generator.CacheLen(),
		Delivery:      g.sender.Metrics(),
		Dispatch: DispatchStats{
			InFlight:  g.dispatcher.InFlight(),
			Completed: completed,
			Panicked:  panicked,
		},
	}

	exStats, err := g.store.ExchangeStats(r.Context())
	if err != nil {
		g.logger.Warn("failed to read exchange stats", "error", err)
	} else {
		resp.Exchanges = toExchangeStatsJSON(exStats)
	}

	g.writeJSON(w, http.StatusOK, resp)
}

// parseSendRequest parses and validates a SendRequest from the given reader.
func parseSendRequest(r io.Reader) (*SendRequest, error) {
	var req SendRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" {
		return nil, errors.New("to is required")
	}
	if strings.TrimSpace(req.Body) == "" {
		return nil, errors.New("body is required")
	}
	return &req, nil
}

// handleSend handles POST /api/send: an operator-written message delivered
// synchronously and recorded as a manual exchange.
func (g *Gateway) handleSend(w http.ResponseWriter, r *http.Request) {
	req, err := parseSendRequest(http.MaxBytesReader(w, r.Body, maxSendBodyBytes))
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	admin := auth.FromContext(r.Context()).Subject
	res := g.processor.SendManual(r.Context(), req.To, req.Body, admin)

	resp := SendResponse{
		Recipient: res.Recipient,
		Success:   res.Success,
		MessageID: res.MessageID,
		Attempts:  res.Attempts,
		CostUSD:   res.Cost,
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
		if res.Err != nil {
			resp.Reason = string(res.Err.Reason)
			resp.UserMessage = res.Err.Reason.UserMessage()
			switch res.Err.Reason {
			case delivery.ReasonInvalidBody, delivery.ReasonInvalidRecipient:
				status = http.StatusBadRequest
			case delivery.ReasonRateLimitedLocal:
				status = http.StatusTooManyRequests
			}
		}
	}
	g.writeJSON(w, status, resp)
}

// handleListExchanges handles GET /api/exchanges/{actor}?limit=N, newest first.
func (g *Gateway) handleListExchanges(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	actorID := conversation.NormalizeActorID(r.PathValue("actor"))

	exchanges, err := g.store.ListExchanges(r.Context(), actorID, limit)
	if err != nil {
		g.logger.Error("failed to list exchanges", "actor", actorID, "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list exchanges")
		return
	}

	out := make([]ExchangeResponse, 0, len(exchanges))
	for _, ex := range exchanges {
		out = append(out, toExchangeResponse(ex))
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"actor_id": actorID, "exchanges": out})
}

// parseAuditFilter builds an AuditFilter from query parameters:
// action, actor, target_type, target_id, since, until (RFC 3339), limit.
func parseAuditFilter(r *http.Request) (store.AuditFilter, error) {
	q := r.URL.Query()
	var f store.AuditFilter

	if v := q.Get("action"); v != "" {
		action := store.AuditAction(v)
		valid := false
		for _, a := range store.ValidAuditActions {
			if a == action {
				valid = true
				break
			}
		}
		if !valid {
			return f, errors.New("unknown audit action")
		}
		f.Action = &action
	}
	if v := q.Get("actor"); v != "" {
		f.Actor = &v
	}
	if v := q.Get("target_type"); v != "" {
		f.TargetType = &v
	}
	if v := q.Get("target_id"); v != "" {
		f.TargetID = &v
	}
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		raw := q.Get(p.name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return f, errors.New(p.name + " must be an RFC 3339 timestamp")
		}
		*p.dst = &t
	}

	limit, err := parseLimit(r)
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

// handleListAudit handles GET /api/audit.
func (g *Gateway) handleListAudit(w http.ResponseWriter, r *http.Request) {
	f, err := parseAuditFilter(r)
	if err != nil {
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := g.store.ListAuditLog(r.Context(), f)
	if err != nil {
		g.logger.Error("failed to list audit log", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "failed to list audit log")
		return
	}

	out := make([]AuditResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, AuditResponse{
			ID:         e.ID,
			Actor:      e.Actor,
			Action:     string(e.Action),
			TargetType: e.TargetType,
			TargetID:   e.TargetID,
			Timestamp:  e.Timestamp.UTC().Format(time.RFC3339),
			Detail:     e.Detail,
		})
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
