// ABOUTME: Tests for concierge-admin helpers and the admin API client
// ABOUTME: Uses httptest to stand in for the gateway admin API

package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/concierge-gateway/internal/gateway"
	"github.com/2389/concierge-gateway/internal/signature"
)

func TestFlagValue(t *testing.T) {
	args := []string{"--subject", "ops@example.com", "--ttl=1h", "--role"}

	v, ok := flagValue(args, "--subject")
	assert.True(t, ok)
	assert.Equal(t, "ops@example.com", v)

	v, ok = flagValue(args, "--ttl")
	assert.True(t, ok)
	assert.Equal(t, "1h", v)

	_, ok = flagValue(args, "--role")
	assert.False(t, ok, "flag without a value")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hola", truncate("hola", 10))
	assert.Equal(t, "¿Tienen...", truncate("¿Tienen cita mañana?", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
}

func TestParseFormPairs(t *testing.T) {
	form, err := parseFormPairs([]string{"From=whatsapp:+34600000001", "Body=a=b", "Body=c"})
	require.NoError(t, err)
	assert.Equal(t, "whatsapp:+34600000001", form.Get("From"))
	assert.Equal(t, []string{"a=b", "c"}, form["Body"])

	_, err = parseFormPairs([]string{"novalue"})
	assert.Error(t, err)
	_, err = parseFormPairs([]string{"=x"})
	assert.Error(t, err)
}

func TestSignMessagingMatchesValidator(t *testing.T) {
	form, err := parseFormPairs([]string{"From=whatsapp:+34600000001", "Body=Hola"})
	require.NoError(t, err)

	const u = "https://concierge.example.com/webhooks/messaging"
	sig := signature.SignMessaging("messaging-token", u, form)
	v := signature.NewMessagingValidator("messaging-token", false, nil)
	assert.True(t, v.ValidateForm(u, form, sig))
}

func TestAdminClient(t *testing.T) {
	var gotAuth, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.EscapedPath()
		switch r.Method {
		case http.MethodDelete:
			_ = json.NewEncoder(w).Encode(gateway.ClearContextResponse{ActorID: "+34600000001", Cleared: true})
		case http.MethodPost:
			w.WriteHeader(http.StatusBadGateway)
			_ = json.NewEncoder(w).Encode(gateway.SendResponse{Recipient: "+34600000001", Reason: "opted_out", UserMessage: "unsubscribed"})
		default:
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"error":"admin role required"}`))
		}
	}))
	defer srv.Close()

	c := newAdminClient(srv.URL+"/", "tok")
	ctx := context.Background()

	var cleared gateway.ClearContextResponse
	require.NoError(t, c.do(ctx, http.MethodDelete, "/api/contexts/whatsapp:%2B34600000001", nil, &cleared))
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "/api/contexts/whatsapp:%2B34600000001", gotPath)
	assert.True(t, cleared.Cleared)

	err := c.do(ctx, http.MethodGet, "/api/contexts", nil, nil)
	var apiErr *apiError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.Status)
	assert.Equal(t, "admin role required", apiErr.Message)

	var sent gateway.SendResponse
	err = c.do(ctx, http.MethodPost, "/api/send", gateway.SendRequest{To: "+34600000001", Body: "hola"}, &sent)
	require.True(t, errors.As(err, &apiErr))
	require.True(t, decodeSendFailure(apiErr, &sent))
	assert.Equal(t, "opted_out", sent.Reason)
}

func TestAdminClient_RequiresToken(t *testing.T) {
	c := newAdminClient("http://127.0.0.1:1", "")
	err := c.do(context.Background(), http.MethodGet, "/api/contexts", nil, nil)
	assert.ErrorContains(t, err, "CONCIERGE_TOKEN")
}
