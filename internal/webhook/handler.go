// ABOUTME: HTTP handlers for the messaging and scheduling webhooks
// ABOUTME: Acknowledge first, then validate, extract, deduplicate and hand off to the dispatcher

package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/2389/concierge-gateway/internal/cache"
	"github.com/2389/concierge-gateway/internal/dispatch"
	"github.com/2389/concierge-gateway/internal/signature"
	"github.com/2389/concierge-gateway/internal/store"
)

// Signature headers.
const (
	MessagingSignatureHeader  = "X-Twilio-Signature"
	SchedulingSignatureHeader = "X-Webhook-Signature"
)

// Acknowledgment bodies.
const (
	messagingAck  = "<Response></Response>"
	schedulingAck = `{"ok":true}`
)

const dedupeMaxEntries = 10000

// Processor runs the follow-up work for an accepted event.
type Processor interface {
	HandleMessage(ctx context.Context, ev Event)
	HandleScheduling(ctx context.Context, ev Event)
}

// Submitter schedules background work.
type Submitter interface {
	Submit(ctx context.Context, name string, task dispatch.Task) error
}

// Auditor records rejected webhooks.
type Auditor interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// Config holds handler settings.
type Config struct {
	// PublicURL overrides the scheme and host used to rebuild the signed URL.
	PublicURL     string
	MaxBodyBytes  int64
	AllowedEvents []string
	DedupeTTL     time.Duration // 0 disables duplicate suppression
}

// Stats are running counters for the webhook handlers.
type Stats struct {
	Received   int64 `json:"received"`
	Rejected   int64 `json:"rejected"` // bad signature
	Dropped    int64 `json:"dropped"`  // extraction or validation failed
	Duplicates int64 `json:"duplicates"`
	Dispatched int64 `json:"dispatched"`
}

// Handler serves both webhook endpoints.
type Handler struct {
	cfg        Config
	messaging  signature.Validator
	scheduling signature.Validator
	processor  Processor
	submitter  Submitter
	auditor    Auditor
	allowed    map[string]bool
	dedupe     *cache.Cache[struct{}]
	logger     *slog.Logger
	now        func() time.Time

	received, rejected, dropped, duplicates, dispatched atomic.Int64
}

// NewHandler creates the webhook handlers.
func NewHandler(
	cfg Config,
	messaging, scheduling signature.Validator,
	processor Processor,
	submitter Submitter,
	auditor Auditor,
	logger *slog.Logger,
) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	h := &Handler{
		cfg:        cfg,
		messaging:  messaging,
		scheduling: scheduling,
		processor:  processor,
		submitter:  submitter,
		auditor:    auditor,
		allowed:    make(map[string]bool, len(cfg.AllowedEvents)),
		logger:     logger.With("component", "webhook"),
		now:        time.Now,
	}
	for _, ev := range cfg.AllowedEvents {
		h.allowed[ev] = true
	}
	if cfg.DedupeTTL > 0 {
		h.dedupe = cache.New[struct{}](cfg.DedupeTTL, dedupeMaxEntries)
	}
	return h
}

// ServeMessaging handles POST requests from the customer-messaging provider.
func (h *Handler) ServeMessaging(w http.ResponseWriter, r *http.Request) {
	body, readErr := h.readAndAck(w, r, "text/xml", messagingAck)
	log := h.logger.With("source", SourceMessaging)
	if readErr != nil {
		h.dropped.Add(1)
		log.Warn("dropping webhook: unreadable body", "error", readErr)
		return
	}

	sig := r.Header.Get(MessagingSignatureHeader)
	if !h.messaging.Validate(h.requestURL(r), body, sig) {
		h.reject(r, SourceMessaging, sig)
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		h.dropped.Add(1)
		log.Warn("dropping webhook: malformed form", "error", err)
		return
	}
	ev, err := ExtractMessaging(form, h.now())
	if err != nil {
		h.dropped.Add(1)
		log.Warn("dropping webhook", "reason", err, "message_id", ev.MessageID)
		return
	}

	if h.duplicate(ev) {
		return
	}
	h.dispatch(r.Context(), "message:"+ev.ActorID, ev, h.processor.HandleMessage)
}

// ServeScheduling handles POST requests from the scheduling provider.
func (h *Handler) ServeScheduling(w http.ResponseWriter, r *http.Request) {
	body, readErr := h.readAndAck(w, r, "application/json", schedulingAck)
	log := h.logger.With("source", SourceScheduling)
	if readErr != nil {
		h.dropped.Add(1)
		log.Warn("dropping webhook: unreadable body", "error", readErr)
		return
	}

	sig := r.Header.Get(SchedulingSignatureHeader)
	if !h.scheduling.Validate(h.requestURL(r), body, sig) {
		h.reject(r, SourceScheduling, sig)
		return
	}

	ev, err := ExtractScheduling(body, h.now())
	if err == nil && !h.allowed[ev.Type] {
		err = fmt.Errorf("%w: %q", ErrEventNotAllowed, ev.Type)
	}
	if err == nil && ev.ActorID == "" {
		err = ErrMissingActor
	}
	if err != nil {
		h.dropped.Add(1)
		log.Info("dropping webhook", "reason", err, "event", ev.Type)
		return
	}

	if h.duplicate(ev) {
		return
	}
	h.dispatch(r.Context(), ev.Type+":"+ev.ActorID, ev, h.processor.HandleScheduling)
}

// Stats returns a snapshot of the handler counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Received:   h.received.Load(),
		Rejected:   h.rejected.Load(),
		Dropped:    h.dropped.Load(),
		Duplicates: h.duplicates.Load(),
		Dispatched: h.dispatched.Load(),
	}
}

// Close releases the dedupe cache.
func (h *Handler) Close() {
	if h.dedupe != nil {
		h.dedupe.Close()
	}
}

// readAndAck reads the bounded body and then writes and flushes the
// acknowledgment. The provider always sees 200, whatever happens next.
func (h *Handler) readAndAck(w http.ResponseWriter, r *http.Request, contentType, ack string) ([]byte, error) {
	h.received.Add(1)
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.cfg.MaxBodyBytes))

	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, ack)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return body, err
}

func (h *Handler) reject(r *http.Request, source Source, sig string) {
	h.rejected.Add(1)
	h.logger.Warn("webhook signature rejected",
		"source", source,
		"remote_addr", r.RemoteAddr,
		"signature_present", sig != "",
	)
	if h.auditor == nil {
		return
	}
	entry := &store.AuditEntry{
		Actor:      store.ActorSystem,
		Action:     store.AuditWebhookRejected,
		TargetType: "webhook",
		TargetID:   string(source),
		Detail: map[string]any{
			"reason":      "invalid_signature",
			"remote_addr": r.RemoteAddr,
			"path":        r.URL.Path,
		},
	}
	if err := h.auditor.AppendAuditLog(r.Context(), entry); err != nil {
		h.logger.Error("failed to audit rejected webhook", "error", err)
	}
}

func (h *Handler) duplicate(ev Event) bool {
	if h.dedupe == nil || ev.MessageID == "" {
		return false
	}
	if h.dedupe.Seen(dedupeKey(ev)) {
		h.duplicates.Add(1)
		h.logger.Info("dropping duplicate webhook", "source", ev.Source, "message_id", ev.MessageID)
		return true
	}
	return false
}

func dedupeKey(ev Event) string {
	return string(ev.Source) + ":" + ev.Type + ":" + ev.MessageID
}

func (h *Handler) dispatch(ctx context.Context, name string, ev Event, fn func(context.Context, Event)) {
	err := h.submitter.Submit(ctx, name, func(taskCtx context.Context) {
		fn(taskCtx, ev)
	})
	if err != nil {
		h.dropped.Add(1)
		h.logger.Error("failed to dispatch webhook event", "source", ev.Source, "error", err)
		// Forget the id so the provider's redelivery is not taken for a duplicate.
		if h.dedupe != nil && ev.MessageID != "" {
			h.dedupe.Delete(dedupeKey(ev))
		}
		return
	}
	h.dispatched.Add(1)
}

// requestURL rebuilds the URL the provider signed.
func (h *Handler) requestURL(r *http.Request) string {
	if h.cfg.PublicURL != "" {
		return strings.TrimRight(h.cfg.PublicURL, "/") + r.URL.RequestURI()
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwd := r.Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + r.URL.RequestURI()
}
