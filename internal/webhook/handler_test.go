// ABOUTME: Tests for the webhook handlers using signed httptest requests
// ABOUTME: Covers quick ack, signature rejection with audit, extraction, allow-list and dedupe

package webhook

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge-gateway/internal/dispatch"
	"github.com/2389/concierge-gateway/internal/signature"
	"github.com/2389/concierge-gateway/internal/store"
)

const (
	testAuthToken  = "messaging-token"
	testSigningKey = "scheduling-key"
	messagingURL   = "http://example.com/webhooks/messaging"
	schedulingURL  = "http://example.com/webhooks/scheduling"
)

type recordingProcessor struct {
	mu         sync.Mutex
	messages   []Event
	scheduling []Event
}

func (p *recordingProcessor) HandleMessage(_ context.Context, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, ev)
}

func (p *recordingProcessor) HandleScheduling(_ context.Context, ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scheduling = append(p.scheduling, ev)
}

// inlineSubmitter runs tasks synchronously so tests can observe them.
type inlineSubmitter struct{}

func (inlineSubmitter) Submit(ctx context.Context, _ string, task dispatch.Task) error {
	task(ctx)
	return nil
}

// flakySubmitter rejects the first fail tasks and runs the rest inline.
type flakySubmitter struct {
	fail int
}

func (f *flakySubmitter) Submit(ctx context.Context, _ string, task dispatch.Task) error {
	if f.fail > 0 {
		f.fail--
		return dispatch.ErrShuttingDown
	}
	task(ctx)
	return nil
}

type testEnv struct {
	handler   *Handler
	processor *recordingProcessor
	store     *store.MockStore
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	if cfg.AllowedEvents == nil {
		cfg.AllowedEvents = []string{"invitee.created", "invitee.canceled"}
	}
	env := &testEnv{processor: &recordingProcessor{}, store: store.NewMockStore()}
	env.handler = NewHandler(cfg,
		signature.NewMessagingValidator(testAuthToken, false, nil),
		signature.NewSchedulingValidator(testSigningKey, false, nil),
		env.processor,
		inlineSubmitter{},
		env.store,
		nil,
	)
	t.Cleanup(env.handler.Close)
	return env
}

func messagingRequest(form url.Values, sig string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, messagingURL, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if sig != "" {
		req.Header.Set(MessagingSignatureHeader, sig)
	}
	return req
}

func signedMessaging(form url.Values) *http.Request {
	return messagingRequest(form, signature.SignMessaging(testAuthToken, messagingURL, form))
}

func schedulingRequest(body, sig string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, schedulingURL, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if sig != "" {
		req.Header.Set(SchedulingSignatureHeader, sig)
	}
	return req
}

func signedScheduling(body string) *http.Request {
	return schedulingRequest(body, signature.SignScheduling(testSigningKey, []byte(body)))
}

func schedulingPayload(event string) string {
	return `{
		"event": "` + event + `",
		"payload": {
			"invitee": {
				"name": "Ana",
				"email": "ana@example.com",
				"text_reminder_number": "+34 600 000 001",
				"uri": "https://api.example.com/invitees/INV1"
			},
			"event": {
				"name": "Corte de pelo",
				"start_time": "2026-03-02T10:00:00Z",
				"uri": "https://api.example.com/events/EV1"
			}
		}
	}`
}

func TestServeMessaging_DispatchesValidMessage(t *testing.T) {
	env := newTestEnv(t, Config{})
	form := url.Values{
		"From":        {"whatsapp:+34600000001"},
		"Body":        {"Hola"},
		"MessageSid":  {"SM1"},
		"ProfileName": {"Ana"},
	}

	rec := httptest.NewRecorder()
	env.handler.ServeMessaging(rec, signedMessaging(form))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<Response></Response>", rec.Body.String())
	assert.Equal(t, "text/xml", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	require.Len(t, env.processor.messages, 1)
	ev := env.processor.messages[0]
	assert.Equal(t, "+34600000001", ev.ActorID)
	assert.Equal(t, "whatsapp:+34600000001", ev.ReplyTo)
	assert.Equal(t, "Hola", ev.Content)
	assert.Equal(t, "SM1", ev.MessageID)
	assert.Equal(t, "Ana", ev.Metadata["profile_name"])
	assert.Equal(t, "whatsapp", ev.Metadata["channel"])
	assert.Equal(t, int64(1), env.handler.Stats().Dispatched)
}

func TestServeMessaging_BadSignatureStillAcksAndAudits(t *testing.T) {
	env := newTestEnv(t, Config{})
	form := url.Values{"From": {"+34600000001"}, "Body": {"Hola"}, "MessageSid": {"SM2"}}
	sig := signature.SignMessaging("wrong-token", messagingURL, form)

	rec := httptest.NewRecorder()
	env.handler.ServeMessaging(rec, messagingRequest(form, sig))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<Response></Response>", rec.Body.String())
	assert.Empty(t, env.processor.messages)

	entries, err := env.store.ListAuditLog(t.Context(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.AuditWebhookRejected, entries[0].Action)
	assert.Equal(t, "messaging", entries[0].TargetID)
	assert.Equal(t, int64(1), env.handler.Stats().Rejected)
}

func TestServeMessaging_MissingSignatureRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	form := url.Values{"From": {"+34600000001"}, "Body": {"Hola"}}

	rec := httptest.NewRecorder()
	env.handler.ServeMessaging(rec, messagingRequest(form, ""))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.processor.messages)
}

func TestServeMessaging_PublicURLUsedForSignature(t *testing.T) {
	env := newTestEnv(t, Config{PublicURL: "https://concierge.example.com/"})
	form := url.Values{"From": {"+34600000001"}, "Body": {"Hola"}}
	sig := signature.SignMessaging(testAuthToken, "https://concierge.example.com/webhooks/messaging", form)

	rec := httptest.NewRecorder()
	env.handler.ServeMessaging(rec, messagingRequest(form, sig))

	assert.Len(t, env.processor.messages, 1)
}

func TestServeMessaging_DropsMessageWithoutContent(t *testing.T) {
	env := newTestEnv(t, Config{})
	form := url.Values{"From": {"+34600000001"}, "Body": {"   "}}

	rec := httptest.NewRecorder()
	env.handler.ServeMessaging(rec, signedMessaging(form))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.processor.messages)
	assert.Equal(t, int64(1), env.handler.Stats().Dropped)
}

func TestServeMessaging_OversizedBodyDropped(t *testing.T) {
	env := newTestEnv(t, Config{MaxBodyBytes: 64})
	form := url.Values{"From": {"+34600000001"}, "Body": {strings.Repeat("a", 200)}}

	rec := httptest.NewRecorder()
	env.handler.ServeMessaging(rec, signedMessaging(form))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.processor.messages)
}

func TestServeMessaging_DuplicateSuppressed(t *testing.T) {
	env := newTestEnv(t, Config{DedupeTTL: time.Minute})
	form := url.Values{"From": {"+34600000001"}, "Body": {"Hola"}, "MessageSid": {"SM9"}}

	for range 3 {
		rec := httptest.NewRecorder()
		env.handler.ServeMessaging(rec, signedMessaging(form))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	assert.Len(t, env.processor.messages, 1)
	assert.Equal(t, int64(2), env.handler.Stats().Duplicates)
}

func TestServeMessaging_RedeliveryAfterFailedDispatch(t *testing.T) {
	processor := &recordingProcessor{}
	h := NewHandler(Config{DedupeTTL: time.Minute},
		signature.NewMessagingValidator(testAuthToken, false, nil),
		signature.NewSchedulingValidator(testSigningKey, false, nil),
		processor,
		&flakySubmitter{fail: 1},
		store.NewMockStore(),
		nil,
	)
	t.Cleanup(h.Close)
	form := url.Values{"From": {"+34600000001"}, "Body": {"Hola"}, "MessageSid": {"SM10"}}

	for range 2 {
		rec := httptest.NewRecorder()
		h.ServeMessaging(rec, signedMessaging(form))
		assert.Equal(t, http.StatusOK, rec.Code)
	}

	require.Len(t, processor.messages, 1)
	assert.Equal(t, "SM10", processor.messages[0].MessageID)
	stats := h.Stats()
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, int64(1), stats.Dispatched)
	assert.Zero(t, stats.Duplicates)

	// Once dispatched, further copies are duplicates again.
	h.ServeMessaging(httptest.NewRecorder(), signedMessaging(form))
	assert.Len(t, processor.messages, 1)
	assert.Equal(t, int64(1), h.Stats().Duplicates)
}

func TestServeScheduling_DispatchesAllowedEvent(t *testing.T) {
	env := newTestEnv(t, Config{})
	body := schedulingPayload("invitee.created")

	rec := httptest.NewRecorder()
	env.handler.ServeScheduling(rec, signedScheduling(body))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())

	require.Len(t, env.processor.scheduling, 1)
	ev := env.processor.scheduling[0]
	assert.Equal(t, "invitee.created", ev.Type)
	assert.Equal(t, "+34600000001", ev.ActorID)
	assert.Equal(t, "+34 600 000 001", ev.ReplyTo)
	assert.Equal(t, "Ana", ev.Metadata["invitee_name"])
	assert.Equal(t, "Corte de pelo", ev.Metadata["event_name"])
	assert.Equal(t, "2026-03-02T10:00:00Z", ev.Metadata["start_time"])
}

func TestServeScheduling_DisallowedEventNotDispatched(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := httptest.NewRecorder()
	env.handler.ServeScheduling(rec, signedScheduling(schedulingPayload("invitee.updated")))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.processor.scheduling)
	assert.Equal(t, int64(1), env.handler.Stats().Dropped)
	assert.Equal(t, int64(0), env.handler.Stats().Dispatched)
}

func TestServeScheduling_BadSignatureStillAcks(t *testing.T) {
	env := newTestEnv(t, Config{})
	body := schedulingPayload("invitee.created")

	rec := httptest.NewRecorder()
	env.handler.ServeScheduling(rec, schedulingRequest(body, "sha256=deadbeef"))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.processor.scheduling)

	entries, err := env.store.ListAuditLog(t.Context(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "scheduling", entries[0].TargetID)
}

func TestServeScheduling_MalformedJSONDropped(t *testing.T) {
	env := newTestEnv(t, Config{})

	rec := httptest.NewRecorder()
	env.handler.ServeScheduling(rec, signedScheduling(`{"event": `))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, env.processor.scheduling)
}

func TestServeScheduling_WorksWithRealDispatcher(t *testing.T) {
	processor := &recordingProcessor{}
	d := dispatch.New(2, nil)
	h := NewHandler(Config{AllowedEvents: []string{"invitee.canceled"}},
		signature.NewMessagingValidator("", true, nil),
		signature.NewSchedulingValidator("", true, nil),
		processor, d, nil, nil,
	)
	defer h.Close()

	rec := httptest.NewRecorder()
	h.ServeScheduling(rec, schedulingRequest(schedulingPayload("invitee.canceled"), ""))
	require.NoError(t, d.Shutdown(t.Context()))

	processor.mu.Lock()
	defer processor.mu.Unlock()
	require.Len(t, processor.scheduling, 1)
	assert.Equal(t, "invitee.canceled", processor.scheduling[0].Type)
}
