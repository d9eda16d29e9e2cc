package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/lkarlslund/grokgateway/pkg/config"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.NewDefault()
	cfg.Auth.APIKey = "public-key"
	cfg.Auth.AdminAPIKey = "admin-key"
	return &Server{cfg: cfg}
}

func TestRouterHealthzIsUnauthenticated(t *testing.T) {
	s := newTestServer(t)
	r := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 from /healthz, got %d", w.Code)
	}
}

func TestRouterV1RequiresPublicKey(t *testing.T) {
	s := newTestServer(t)
	r := httptest.NewRequest("GET", "/v1/models", nil)
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a bearer token, got %d", w.Code)
	}

	r = httptest.NewRequest("GET", "/v1/models", nil)
	r.Header.Set("Authorization", "Bearer public-key")
	w = httptest.NewRecorder()
	s.router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with the public key, got %d", w.Code)
	}
}

func TestRouterAdminRejectsPublicKey(t *testing.T) {
	s := newTestServer(t)
	r := httptest.NewRequest("GET", "/api/v1/admin/healthz", nil)
	r.Header.Set("Authorization", "Bearer public-key")
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected the public key to be rejected on the admin surface, got %d", w.Code)
	}

	r = httptest.NewRequest("GET", "/api/v1/admin/healthz", nil)
	r.Header.Set("Authorization", "Bearer admin-key")
	w = httptest.NewRecorder()
	s.router().ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with the admin key, got %d", w.Code)
	}
}

func TestLifecycleMiddlewareRejectsDuringDrain(t *testing.T) {
	s := newTestServer(t)
	s.draining.Store(true)
	r := httptest.NewRequest("GET", "/v1/models", nil)
	r.Header.Set("Authorization", "Bearer public-key")
	w := httptest.NewRecorder()
	s.router().ServeHTTP(w, r)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while draining, got %d", w.Code)
	}
}
