package server

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"vidgate/internal/api"
	"vidgate/internal/auth"
	"vidgate/internal/storage"
)

func newTestHandler(t *testing.T) (*api.Handler, storage.Repository) {
	t.Helper()

	repo, err := storage.NewJSONRepository(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("NewJSONRepository error: %v", err)
	}

	passwordHash, err := auth.HashPassword("correct horse battery")
	if err != nil {
		t.Fatalf("HashPassword error: %v", err)
	}

	handler := &api.Handler{
		Store:             repo,
		Sessions:          auth.NewSessionManager(time.Hour),
		AdminUser:         "admin",
		AdminPasswordHash: passwordHash,
		WebhookSecret:     "hook-secret",
	}
	return handler, repo
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	handler, _ := newTestHandler(t)
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	srv, err := New(handler, cfg)
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	return srv
}

func TestAdminRoutesRequireSession(t *testing.T) {
	handler, _ := newTestHandler(t)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a session, got %d", rec.Code)
	}

	token, _, err := handler.Sessions.Create("admin")
	if err != nil {
		t.Fatalf("Create session error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/admin/stats", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with a valid session, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestLoginEndpointIsPublic(t *testing.T) {
	srv := newTestServer(t, Config{})

	body := bytes.NewBufferString(`{"username":"admin","password":"wrong password"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/login", body)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad credentials, got %d", rec.Code)
	}
}

func TestLoginSucceedsWithConfiguredCredentials(t *testing.T) {
	srv := newTestServer(t, Config{})

	body := bytes.NewBufferString(`{"username":"admin","password":"correct horse battery"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/admin/login", body)
	req.Header.Set("Content-Type", "application/json")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for valid credentials, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Set-Cookie") == "" {
		t.Fatalf("expected session cookie to be issued")
	}
}

func TestLoginRateLimitBlocksRepeatedAttempts(t *testing.T) {
	srv := newTestServer(t, Config{
		RateLimit: RateLimitConfig{LoginLimit: 1, LoginWindow: time.Minute},
	})

	send := func() *httptest.ResponseRecorder {
		body := bytes.NewBufferString(`{"username":"admin","password":"wrong password"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/admin/login", body)
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "10.1.2.3:4444"
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	if rec := send(); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected first attempt to reach the handler, got %d", rec.Code)
	}
	rec := send()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after exhausting login attempts, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header on throttled login")
	}
}

func TestGlobalRateLimitRejectsBursts(t *testing.T) {
	srv := newTestServer(t, Config{
		RateLimit: RateLimitConfig{GlobalRPS: 1, GlobalBurst: 1},
	})

	first := httptest.NewRecorder()
	srv.Handler().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	srv.Handler().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected burst request to be throttled, got %d", second.Code)
	}
}

func TestWebhookRejectsWrongSecret(t *testing.T) {
	srv := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhook/not-the-secret", bytes.NewBufferString(`{"update_id":1}`))
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for wrong webhook secret, got %d", rec.Code)
	}
}

func TestStaticAssetsAreServed(t *testing.T) {
	srv := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/static/ad.js", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for embedded asset, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected asset bytes, got empty body")
	}
}

func TestIndexServesOnlyExactRoot(t *testing.T) {
	srv := newTestServer(t, Config{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for index, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown path, got %d", rec.Code)
	}
}

func TestExtractClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:5000"

	if got := extractClientIP(req); got != "192.0.2.10" {
		t.Fatalf("expected remote addr host, got %q", got)
	}

	req.Header.Set("X-Real-IP", "198.51.100.7")
	if got := extractClientIP(req); got != "198.51.100.7" {
		t.Fatalf("expected X-Real-IP to win over remote addr, got %q", got)
	}

	req.Header.Set("X-Forwarded-For", "203.0.113.9, 198.51.100.7")
	if got := extractClientIP(req); got != "203.0.113.9" {
		t.Fatalf("expected first forwarded hop, got %q", got)
	}
}
