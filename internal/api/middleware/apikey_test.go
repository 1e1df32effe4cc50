package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lifeos-nexus/council/internal/api/middleware"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	auth := middleware.NewAPIKeyAuth(nil)
	if auth.Enabled() {
		t.Error("Expected auth to be disabled when no keys are configured")
	}

	handler := auth.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/requests", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Disabled auth: status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAPIKeyAuth_BlankKeysIgnored(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{" ", ""})
	if auth.Enabled() {
		t.Error("Blank keys should not enable auth")
	}
}

func TestAPIKeyAuth_ValidKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"test-key-1", " test-key-2 "})
	if !auth.Enabled() {
		t.Fatal("Expected auth to be enabled")
	}

	handler := auth.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/prompt", nil)
	req.Header.Set("Authorization", "Bearer test-key-1")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Valid Bearer key: status = %d, want %d", w.Code, http.StatusOK)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/requests", nil)
	req2.Header.Set("X-API-Key", "test-key-2")
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, req2)
	if w2.Code != http.StatusOK {
		t.Errorf("Valid X-API-Key: status = %d, want %d", w2.Code, http.StatusOK)
	}

	req3 := httptest.NewRequest(http.MethodGet, "/active-request?api_key=test-key-1", nil)
	w3 := httptest.NewRecorder()
	handler.ServeHTTP(w3, req3)
	if w3.Code != http.StatusOK {
		t.Errorf("Valid query key: status = %d, want %d", w3.Code, http.StatusOK)
	}
}

func TestAPIKeyAuth_InvalidKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"valid-key"})
	handler := auth.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/requests", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Invalid key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if got := w.Header().Get("WWW-Authenticate"); got == "" {
		t.Error("Expected WWW-Authenticate header on 401")
	}
}

func TestAPIKeyAuth_MissingKey(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"valid-key"})
	handler := auth.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/prompt", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("Missing key: status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestAPIKeyAuth_PublicPaths(t *testing.T) {
	auth := middleware.NewAPIKeyAuth([]string{"valid-key"})
	handler := auth.Middleware(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("Public path /health: status = %d, want %d", w.Code, http.StatusOK)
	}

	// CORS preflight never carries credentials.
	pre := httptest.NewRequest(http.MethodOptions, "/prompt", nil)
	w2 := httptest.NewRecorder()
	handler.ServeHTTP(w2, pre)
	if w2.Code != http.StatusOK {
		t.Errorf("Preflight: status = %d, want %d", w2.Code, http.StatusOK)
	}
}
