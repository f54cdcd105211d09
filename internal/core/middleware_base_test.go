package core

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"toeicprep/internal/config"
	"toeicprep/internal/types"
)

type metricsCall struct {
	method, route, status string
	duration              time.Duration
}

type mockMetricsCollector struct {
	mu    sync.Mutex
	calls []metricsCall
}

func (m *mockMetricsCollector) RecordRequest(method, route, status string, d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, metricsCall{method, route, status, d})
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	srv, err := NewServer(&config.Config{Environment: "local"}, slog.Default())
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func TestRecoverer_Panic_ReturnsJSON500(t *testing.T) {
	srv := newTestServer(t)
	handler := RequestIDMiddleware(srv.Recoverer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom \"quoted\"")
	})))

	req := httptest.NewRequest(http.MethodGet, "/v1/subscription", nil)
	req.Header.Set("X-Request-Id", "req-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp APIErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("body is not valid JSON: %v (%s)", err, rec.Body.String())
	}
	if resp.Error.Code != string(types.ErrCodeInternalUnexpected) {
		t.Errorf("code: got %q", resp.Error.Code)
	}
	if resp.Error.RequestID != "req-123" {
		t.Errorf("request_id: got %q, want req-123", resp.Error.RequestID)
	}
}

func TestRequestIDMiddleware_GeneratesUUID(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	if len(seen) != 36 {
		t.Errorf("expected a UUID, got %q", seen)
	}
	if rec.Header().Get("X-Request-Id") != seen {
		t.Errorf("response header %q does not match context %q", rec.Header().Get("X-Request-Id"), seen)
	}
}

func TestRequestIDMiddleware_RejectsOversizedID(t *testing.T) {
	var seen string
	handler := RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = types.GetRequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-Id", strings.Repeat("x", 500))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if len(seen) != 36 {
		t.Errorf("oversized id should be replaced, got %d chars", len(seen))
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	srv := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.SecurityHeadersMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	for h, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Referrer-Policy":        "no-referrer",
	} {
		if got := rec.Header().Get(h); got != want {
			t.Errorf("%s: got %q, want %q", h, got, want)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusTeapot) })

	t.Run("wildcard never allows credentials", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://anywhere.test")
		NewCORSMiddleware([]string{"*"})(next).ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
			t.Errorf("allow-origin: got %q", got)
		}
		if rec.Header().Get("Access-Control-Allow-Credentials") != "" {
			t.Error("credentials must not be allowed with a wildcard origin")
		}
	})

	t.Run("listed origin", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://app.toeic.test")
		NewCORSMiddleware([]string{"https://app.toeic.test"})(next).ServeHTTP(rec, req)

		if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.toeic.test" {
			t.Errorf("allow-origin: got %q", got)
		}
		if rec.Header().Get("Vary") != "Origin" {
			t.Error("expected Vary: Origin")
		}
	})

	t.Run("unlisted origin", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Origin", "https://evil.test")
		NewCORSMiddleware([]string{"https://app.toeic.test"})(next).ServeHTTP(rec, req)

		if rec.Header().Get("Access-Control-Allow-Origin") != "" {
			t.Error("unlisted origin must not be echoed")
		}
		if rec.Code != http.StatusTeapot {
			t.Errorf("request should reach next, got %d", rec.Code)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodOptions, "/v1/checkout", nil)
		req.Header.Set("Origin", "https://app.toeic.test")
		req.Header.Set("Access-Control-Request-Method", "POST")
		NewCORSMiddleware([]string{"https://app.toeic.test"})(next).ServeHTTP(rec, req)

		if rec.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rec.Code)
		}
	})
}

func TestRequestLogger_RedactsSecretsAndLevels(t *testing.T) {
	buf := &strings.Builder{}
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	status := http.StatusOK
	handler := RequestLogger(logger, defaultRedactedHeaders)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil)
	req.Header.Set("Authorization", "Bearer secret-token")
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	req.Header.Set("X-Admin-Key", "hunter2")
	req.Header.Set("User-Agent", "Stripe/1.0")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, secret := range []string{"secret-token", "v1=abc", "hunter2"} {
		if strings.Contains(out, secret) {
			t.Errorf("log leaked %q: %s", secret, out)
		}
	}
	if !strings.Contains(out, "Stripe/1.0") {
		t.Errorf("non-secret headers should be logged: %s", out)
	}
	if !strings.Contains(out, `"level":"INFO"`) {
		t.Errorf("2xx should log at INFO: %s", out)
	}

	tests := []struct {
		status int
		level  string
	}{
		{http.StatusForbidden, `"level":"WARN"`},
		{http.StatusBadGateway, `"level":"ERROR"`},
	}
	for _, tt := range tests {
		buf.Reset()
		status = tt.status
		handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
		if !strings.Contains(buf.String(), tt.level) {
			t.Errorf("status %d: expected %s in %s", tt.status, tt.level, buf.String())
		}
	}
}

func TestMetricsMiddleware_UsesRoutePattern(t *testing.T) {
	srv := newTestServer(t)
	mc := &mockMetricsCollector{}
	srv.Metrics = mc

	r := chi.NewRouter()
	r.Use(srv.MetricsMiddleware)
	r.Put("/v1/admin/subscriptions/{userID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPut, "/v1/admin/subscriptions/user_42", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/nope", nil))

	if len(mc.calls) != 2 {
		t.Fatalf("expected 2 calls, got %d", len(mc.calls))
	}
	if mc.calls[0].route != "/v1/admin/subscriptions/{userID}" || mc.calls[0].status != "201" {
		t.Errorf("unexpected first call: %+v", mc.calls[0])
	}
	if mc.calls[1].route != "unmatched" || mc.calls[1].status != "404" {
		t.Errorf("unexpected second call: %+v", mc.calls[1])
	}
}
