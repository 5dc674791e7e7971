package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/webrana/inbound-smtpd/internal/auth"
)

func newTestAuthMiddleware() (*AuthMiddleware, *auth.TokenService) {
	tokens := auth.NewTokenService(auth.TokenServiceConfig{
		Secret: "test-secret",
		Expiry: time.Hour,
		Issuer: "inbound-smtpd-test",
	})
	return NewAuthMiddleware(tokens), tokens
}

func TestAuthMiddlewareRejectsMissingHeader(t *testing.T) {
	mw, _ := newTestAuthMiddleware()
	called := false
	handler := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if called {
		t.Fatal("next handler must not run without an Authorization header")
	}
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	var body ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	if body.Success {
		t.Fatal("expected success=false in error envelope")
	}
	if body.Error.Code != "AUTH_TOKEN_MISSING" {
		t.Fatalf("unexpected error code: %s", body.Error.Code)
	}
}

func TestAuthMiddlewareRejectsMalformedHeader(t *testing.T) {
	mw, _ := newTestAuthMiddleware()
	handler := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run with a malformed header")
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Token abc123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthMiddlewareAcceptsValidToken(t *testing.T) {
	mw, tokens := newTestAuthMiddleware()
	token, err := tokens.GenerateToken("op-1", "alice")
	if err != nil {
		t.Fatalf("GenerateToken returned error: %v", err)
	}

	var gotOperatorID string
	handler := mw.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := ExtractOperatorID(r.Context())
		if !ok {
			t.Fatal("expected operator id in context")
		}
		gotOperatorID = id
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotOperatorID != "op-1" {
		t.Fatalf("expected operator id op-1, got %q", gotOperatorID)
	}
}
