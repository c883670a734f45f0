// ABOUTME: Tests for HTTP authentication middleware
// ABOUTME: Covers token extraction, validation, the admin gate, and failure logging

package auth

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// httpTestSecret is a 32-byte secret that meets MinSecretLength requirement.
var httpTestSecret = []byte("http-middleware-test-secret-32b!")

func TestHTTPAuthMiddleware_ValidToken(t *testing.T) {
	verifier, err := NewJWTVerifier(httpTestSecret)
	if err != nil {
		t.Fatalf("NewJWTVerifier() error = %v", err)
	}
	token, _ := verifier.Generate("ops@example.com", RoleAdmin, time.Hour)

	var gotAuthCtx *AuthContext
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuthCtx = FromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(verifier, nil)(handler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if gotAuthCtx == nil {
		t.Fatal("expected AuthContext in context")
	}
	if gotAuthCtx.Subject != "ops@example.com" {
		t.Errorf("expected subject 'ops@example.com', got '%s'", gotAuthCtx.Subject)
	}
	if gotAuthCtx.Role != RoleAdmin {
		t.Errorf("expected role 'admin', got '%s'", gotAuthCtx.Role)
	}
}

func TestHTTPAuthMiddleware_Rejections(t *testing.T) {
	verifier, _ := NewJWTVerifier(httpTestSecret)

	tests := []struct {
		name   string
		header string
		body   string
	}{
		{"missing header", "", "missing authorization header"},
		{"basic scheme", "Basic dXNlcjpwYXNz", "invalid authorization header format"},
		{"empty bearer", "Bearer   ", "empty token"},
		{"garbage token", "Bearer invalid-token", "invalid token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Error("handler should not be called")
			})

			req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()

			HTTPAuthMiddleware(verifier, nil)(next).ServeHTTP(rec, req)

			if rec.Code != http.StatusUnauthorized {
				t.Errorf("expected status 401, got %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.body) {
				t.Errorf("expected body to contain %q, got %q", tt.body, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected JSON content type, got %q", ct)
			}
		})
	}
}

func TestRequireAdminHTTP_WithAdmin(t *testing.T) {
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/contexts", nil)
	req = req.WithContext(WithAuth(req.Context(), &AuthContext{Subject: "ops", Role: RoleAdmin}))
	rec := httptest.NewRecorder()

	RequireAdminHTTP(nil)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
	if !called {
		t.Error("expected handler to be called")
	}
}

func TestRequireAdminHTTP_WithoutAdmin(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/contexts", nil)
	req = req.WithContext(WithAuth(req.Context(), &AuthContext{Subject: "viewer", Role: "viewer"}))
	rec := httptest.NewRecorder()

	RequireAdminHTTP(nil)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rec.Code)
	}
}

func TestRequireAdminHTTP_NoAuthContext(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/contexts", nil)
	rec := httptest.NewRecorder()

	RequireAdminHTTP(nil)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status 401, got %d", rec.Code)
	}
}

func TestRequireAdmin_Chain(t *testing.T) {
	verifier, _ := NewJWTVerifier(httpTestSecret)
	adminToken, _ := verifier.Generate("ops", RoleAdmin, time.Hour)
	viewerToken, _ := verifier.Generate("viewer", "viewer", time.Hour)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	h := RequireAdmin(verifier, nil)(next)

	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"admin", adminToken, http.StatusNoContent},
		{"viewer", viewerToken, http.StatusForbidden},
		{"none", "", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

// httpTestLogHandler captures log records for testing HTTP auth logging.
type httpTestLogHandler struct {
	records []slog.Record
}

func (h *httpTestLogHandler) Enabled(_ context.Context, _ slog.Level) bool { return true }
func (h *httpTestLogHandler) WithAttrs(_ []slog.Attr) slog.Handler         { return h }
func (h *httpTestLogHandler) WithGroup(_ string) slog.Handler              { return h }
func (h *httpTestLogHandler) Handle(_ context.Context, r slog.Record) error {
	h.records = append(h.records, r.Clone())
	return nil
}

func (h *httpTestLogHandler) hasRecordWithReason(reason string) bool {
	for _, r := range h.records {
		var foundReason string
		r.Attrs(func(a slog.Attr) bool {
			if a.Key == "reason" {
				foundReason = a.Value.String()
				return false
			}
			return true
		})
		if foundReason == reason {
			return true
		}
	}
	return false
}

func (h *httpTestLogHandler) lastRecordMessage() string {
	if len(h.records) == 0 {
		return ""
	}
	return h.records[len(h.records)-1].Message
}

func TestHTTPAuthMiddleware_LogsFailure_MissingHeader(t *testing.T) {
	verifier, _ := NewJWTVerifier(httpTestSecret)

	handler := &httpTestLogHandler{}
	logger := slog.New(handler)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(verifier, logger)(next).ServeHTTP(rec, req)

	if len(handler.records) == 0 {
		t.Fatal("expected log record, got none")
	}
	if !strings.Contains(handler.lastRecordMessage(), "http auth failure") {
		t.Errorf("expected 'http auth failure' in message, got %q", handler.lastRecordMessage())
	}
	if !handler.hasRecordWithReason("token_extraction_failed") {
		t.Error("expected log record with reason 'token_extraction_failed'")
	}
}

func TestHTTPAuthMiddleware_LogsFailure_InvalidToken(t *testing.T) {
	verifier, _ := NewJWTVerifier(httpTestSecret)

	handler := &httpTestLogHandler{}
	logger := slog.New(handler)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/stats", nil)
	req.Header.Set("Authorization", "Bearer invalid-token")
	rec := httptest.NewRecorder()

	HTTPAuthMiddleware(verifier, logger)(next).ServeHTTP(rec, req)

	if !handler.hasRecordWithReason("token_verification_failed") {
		t.Error("expected log record with reason 'token_verification_failed'")
	}
}

func TestRequireAdminHTTP_LogsFailure_NotAdmin(t *testing.T) {
	handler := &httpTestLogHandler{}
	logger := slog.New(handler)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called")
	})

	req := httptest.NewRequest(http.MethodGet, "/api/contexts", nil)
	req = req.WithContext(WithAuth(req.Context(), &AuthContext{Subject: "viewer", Role: "viewer"}))
	rec := httptest.NewRecorder()

	RequireAdminHTTP(logger)(next).ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", rec.Code)
	}
	if !handler.hasRecordWithReason("admin_required") {
		t.Error("expected log record with reason 'admin_required'")
	}
}
