package mw

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/voicebridge-io/voicebridge/pkg/gateway/config"
)

func corsConfig(origins ...string) config.Config {
	cfg := config.Config{CORSAllowedOrigins: make(map[string]struct{})}
	for _, o := range origins {
		cfg.CORSAllowedOrigins[o] = struct{}{}
	}
	return cfg
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestCORS_PreflightAllowed(t *testing.T) {
	h := CORS(corsConfig("https://app.example.com"), okHandler())

	r := httptest.NewRequest(http.MethodOptions, "/v1/call", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Allow-Origin = %q", got)
	}
	if rec.Header().Get("Access-Control-Allow-Methods") == "" {
		t.Fatal("missing Allow-Methods header")
	}
}

func TestCORS_PreflightDeniedForUnknownOrigin(t *testing.T) {
	h := CORS(corsConfig("https://app.example.com"), okHandler())

	r := httptest.NewRequest(http.MethodOptions, "/v1/call", nil)
	r.Header.Set("Origin", "https://evil.example.com")
	r.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestCORS_PreflightDeniedWhenNoAllowlist(t *testing.T) {
	h := CORS(corsConfig(), okHandler())

	r := httptest.NewRequest(http.MethodOptions, "/v1/call", nil)
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestCORS_SimpleRequestGetsHeadersOnlyWhenAllowlisted(t *testing.T) {
	h := CORS(corsConfig("https://app.example.com"), okHandler())

	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r.Header.Set("Origin", "https://app.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("Allow-Origin = %q", got)
	}

	r2 := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	r2.Header.Set("Origin", "https://evil.example.com")
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, r2)

	if rec2.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("unexpected Allow-Origin for non-allowlisted origin")
	}
	if rec2.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 passthrough", rec2.Code)
	}
}
