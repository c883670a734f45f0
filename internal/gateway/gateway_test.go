// ABOUTME: Tests for Gateway wiring, lifecycle, health endpoints and the gRPC health service
// ABOUTME: Uses a mock store, a fake generation backend and a fake messaging transport

package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/concierge-gateway/internal/config"
	"github.com/2389/concierge-gateway/internal/llm"
	"github.com/2389/concierge-gateway/internal/signature"
	"github.com/2389/concierge-gateway/internal/store"
)

const (
	testJWTSecret  = "gateway-test-jwt-secret-32-bytes!"
	testAuthToken  = "messaging-token"
	testSigningKey = "scheduling-key"
	testPublicURL  = "https://concierge.example.com"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls int
	text  string
	err   error
}

func (b *fakeBackend) Name() string { return "fake" }

func (b *fakeBackend) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *fakeBackend) Complete(_ context.Context, req llm.Request) (*llm.Completion, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls++
	if b.err != nil {
		return nil, b.err
	}
	return &llm.Completion{Text: b.text, Model: req.Model, InputTokens: 100, OutputTokens: 20}, nil
}

type sent struct{ to, body string }

type fakeTransport struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeTransport) Send(_ context.Context, to, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, sent{to: to, body: body})
	return "SM" + strings.Repeat("0", 31) + "1", nil
}

func (f *fakeTransport) messages() []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sent(nil), f.sent...)
}

// freeAddr returns a loopback address with an available port.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// testConfig creates a minimal config for testing with available ports.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Server: config.ServerConfig{
			HTTPAddr:  freeAddr(t),
			PublicURL: testPublicURL,
		},
		Database: config.DatabaseConfig{Path: ":memory:"},
		Auth:     config.AuthConfig{JWTSecret: testJWTSecret},
		Webhooks: config.WebhooksConfig{
			Messaging:  config.MessagingWebhookConfig{AuthToken: testAuthToken},
			Scheduling: config.SchedulingWebhookConfig{SigningKey: testSigningKey},
		},
		Generation: config.GenerationConfig{Provider: "anthropic", APIKey: "test-key"},
		Delivery: config.DeliveryConfig{
			AccountSID: "AC123",
			AuthToken:  "delivery-token",
			From:       "whatsapp:+34910000000",
		},
	}
	cfg.Delivery.BaseDelay = time.Millisecond
	cfg.Delivery.MaxJitter = time.Millisecond
	cfg.Dispatch.ShutdownGrace = 2 * time.Second
	cfg.ApplyDefaults()
	return cfg
}

// testLogger creates a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testGateway struct {
	gw        *Gateway
	store     *store.MockStore
	backend   *fakeBackend
	transport *fakeTransport
	server    *httptest.Server
}

func newTestGateway(t *testing.T, cfg *config.Config) *testGateway {
	t.Helper()
	tg := &testGateway{
		store:     store.NewMockStore(),
		backend:   &fakeBackend{text: "¡Hola! ¿En qué puedo ayudarte?"},
		transport: &fakeTransport{},
	}
	gw, err := New(cfg, testLogger(),
		WithStore(tg.store),
		WithBackend(tg.backend),
		WithTransport(tg.transport),
	)
	require.NoError(t, err)
	tg.gw = gw
	tg.server = httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		tg.server.Close()
		_ = gw.Shutdown(context.Background())
	})
	return tg
}

func (tg *testGateway) postMessaging(t *testing.T, form url.Values) *http.Response {
	t.Helper()
	path := tg.gw.config.Webhooks.Messaging.Path
	req, err := http.NewRequest(http.MethodPost, tg.server.URL+path, strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", signature.SignMessaging(testAuthToken, testPublicURL+path, form))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (tg *testGateway) postScheduling(t *testing.T, body string, sig string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, tg.server.URL+tg.gw.config.Webhooks.Scheduling.Path, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Signature", sig)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestGatewayNew(t *testing.T) {
	tg := newTestGateway(t, testConfig(t))

	assert.NotNil(t, tg.gw.contexts)
	assert.NotNil(t, tg.gw.processor)
	assert.NotNil(t, tg.gw.webhooks)
	assert.NotNil(t, tg.gw.verifier)
	assert.Nil(t, tg.gw.grpcServer, "gRPC is off without grpc_addr")
}

func TestGatewayNew_ShortJWTSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = "short"

	_, err := New(cfg, testLogger(), WithStore(store.NewMockStore()), WithBackend(&fakeBackend{}))
	require.Error(t, err)
}

func TestGatewayNew_InvalidTemplate(t *testing.T) {
	cfg := testConfig(t)
	cfg.Templates.BookingCreated = "Hola {{.Name"

	_, err := New(cfg, testLogger(), WithStore(store.NewMockStore()), WithBackend(&fakeBackend{}))
	require.Error(t, err)
}

func TestMessagingWebhook_EndToEnd(t *testing.T) {
	tg := newTestGateway(t, testConfig(t))

	resp := tg.postMessaging(t, url.Values{
		"From":        {"whatsapp:+34600000001"},
		"Body":        {"Hola"},
		"MessageSid":  {"SM100"},
		"ProfileName": {"Ana"},
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(tg.transport.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg := tg.transport.messages()[0]
	assert.Equal(t, "whatsapp:+34600000001", msg.to)
	assert.Equal(t, "¡Hola! ¿En qué puedo ayudarte?", msg.body)

	require.Eventually(t, func() bool {
		snap, ok := tg.gw.contexts.Snapshot("+34600000001")
		return ok && len(snap.Messages) == 2
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		exchanges, err := tg.store.ListExchanges(context.Background(), "+34600000001", 10)
		return err == nil && len(exchanges) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestMessagingWebhook_BadSignatureAuditedAndIgnored(t *testing.T) {
	tg := newTestGateway(t, testConfig(t))

	form := url.Values{"From": {"+34600000001"}, "Body": {"Hola"}, "MessageSid": {"SM1"}}
	req, err := http.NewRequest(http.MethodPost, tg.server.URL+"/webhooks/messaging", strings.NewReader(form.Encode()))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Twilio-Signature", "bm90LWEtc2lnbmF0dXJl")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	action := store.AuditWebhookRejected
	require.Eventually(t, func() bool {
		entries, err := tg.store.ListAuditLog(context.Background(), store.AuditFilter{Action: &action})
		return err == nil && len(entries) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, tg.backend.callCount())
	assert.Empty(t, tg.transport.messages())
}

func TestSchedulingWebhook_UnlistedEventNotDispatched(t *testing.T) {
	tg := newTestGateway(t, testConfig(t))

	body := `{"event":"invitee.updated","payload":{"invitee":{"name":"Ana","text_reminder_number":"+34600000001"}}}`
	resp := tg.postScheduling(t, body, signature.SignScheduling(testSigningKey, []byte(body)))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return tg.gw.webhooks.Stats().Dropped == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int64(0), tg.gw.webhooks.Stats().Dispatched)
	assert.Empty(t, tg.transport.messages())
}

func TestSchedulingWebhook_BookingCreatedSendsTemplate(t *testing.T) {
	tg := newTestGateway(t, testConfig(t))

	body := `{"event":"invitee.created","payload":{` +
		`"invitee":{"name":"Ana","text_reminder_number":"+34 600 000 001","uri":"https://api.example.com/invitees/INV1"},` +
		`"event":{"name":"Corte de pelo","start_time":"2026-03-02T10:00:00Z"}}}`
	resp := tg.postScheduling(t, body, signature.SignScheduling(testSigningKey, []byte(body)))
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return len(tg.transport.messages()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Contains(t, tg.transport.messages()[0].body, "Corte de pelo")
	assert.Equal(t, 0, tg.backend.callCount(), "business messages never call the generation backend")
}

func TestHealthEndpoints(t *testing.T) {
	tg := newTestGateway(t, testConfig(t))

	resp, err := http.Get(tg.server.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(tg.server.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestReadyEndpoint_StoreClosed(t *testing.T) {
	tg := newTestGateway(t, testConfig(t))
	require.NoError(t, tg.store.Close())

	resp, err := http.Get(tg.server.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestAdminAPI_DisabledWithoutSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.Auth.JWTSecret = ""
	tg := newTestGateway(t, cfg)

	resp, err := http.Get(tg.server.URL + "/api/stats")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGatewayRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.GRPCAddr = freeAddr(t)

	gw, err := New(cfg, testLogger(),
		WithStore(store.NewMockStore()),
		WithBackend(&fakeBackend{text: "ok"}),
		WithTransport(&fakeTransport{}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- gw.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + cfg.Server.HTTPAddr + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	conn, err := grpc.NewClient(cfg.Server.GRPCAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer checkCancel()
	hr, err := healthpb.NewHealthClient(conn).Check(checkCtx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, hr.GetStatus())

	cancel()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("Run() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not shutdown in time")
	}

	assert.NoError(t, gw.Shutdown(context.Background()), "second Shutdown is a no-op")
}

func TestGenerationConfig_Temperature(t *testing.T) {
	zero := 0.0
	assert.Equal(t, 0.0, generationConfig(config.GenerationConfig{Temperature: &zero}).Temperature)
	assert.Equal(t, config.DefaultGenerationTemperature, generationConfig(config.GenerationConfig{}).Temperature)
}
