package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voicebridge-io/voicebridge/pkg/gateway/config"
	"github.com/voicebridge-io/voicebridge/pkg/gateway/lifecycle"
)

func TestHealthHandler_StatusOK(t *testing.T) {
	rec := httptest.NewRecorder()
	HealthHandler{}.ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf(`body = %s, want {"status":"ok"}`, rec.Body.String())
	}
}

func readyConfig() config.Config {
	return config.Config{
		AuthMode:            config.AuthModeRequired,
		APIKeys:             map[string]struct{}{"vb_sk_test": {}},
		UpstreamURL:         "wss://speech.example.com/v1/realtime",
		MaxAudioFrameBytes:  8192,
		MaxJSONMessageBytes: 64 * 1024,
		MaxSessionDuration:  2 * time.Hour,
		MemoryBackend:       config.MemoryBackendNone,
	}
}

func TestReadyHandler_OK(t *testing.T) {
	rec := httptest.NewRecorder()
	ReadyHandler{Config: readyConfig()}.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}
}

func TestReadyHandler_FailsWhileDraining(t *testing.T) {
	lc := &lifecycle.Lifecycle{}
	lc.BeginDrain("shutdown")

	rec := httptest.NewRecorder()
	ReadyHandler{Config: readyConfig(), Lifecycle: lc}.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	var body struct {
		OK       bool `json:"ok"`
		Draining bool `json:"draining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.OK || !body.Draining {
		t.Fatalf("body = %s, want ok=false draining=true", rec.Body.String())
	}
}

func TestReadyHandler_FailsOnBrokenConfig(t *testing.T) {
	cfg := readyConfig()
	cfg.MemoryBackend = config.MemoryBackendRedis // no redis addr

	rec := httptest.NewRecorder()
	ReadyHandler{Config: cfg}.ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
