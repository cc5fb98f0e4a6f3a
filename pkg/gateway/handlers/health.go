package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/voicebridge-io/voicebridge/pkg/gateway/config"
	"github.com/voicebridge-io/voicebridge/pkg/gateway/lifecycle"
)

// HealthHandler answers liveness probes.
type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// ReadyHandler answers readiness probes. It fails while the process is
// draining and when the effective configuration cannot serve sessions.
type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK            bool     `json:"ok"`
		AuthMode      string   `json:"auth_mode"`
		MemoryBackend string   `json:"memory_backend"`
		Draining      bool     `json:"draining"`
		Issues        []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	draining := h.Lifecycle.IsDraining()
	if draining {
		issues = append(issues, "gateway is draining")
	}

	switch h.Config.AuthMode {
	case config.AuthModeRequired, config.AuthModeOptional, config.AuthModeDisabled:
	default:
		issues = append(issues, "invalid auth_mode")
	}
	if h.Config.AuthMode == config.AuthModeRequired && len(h.Config.APIKeys) == 0 {
		issues = append(issues, "auth_mode=required but no api keys configured")
	}
	if h.Config.UpstreamURL == "" {
		issues = append(issues, "upstream url not configured")
	}
	if h.Config.MaxAudioFrameBytes <= 0 {
		issues = append(issues, "max audio frame bytes must be > 0")
	}
	if h.Config.MaxJSONMessageBytes <= 0 {
		issues = append(issues, "max json message bytes must be > 0")
	}
	if h.Config.MaxSessionDuration <= 0 {
		issues = append(issues, "max session duration must be > 0")
	}
	switch h.Config.MemoryBackend {
	case config.MemoryBackendNone:
	case config.MemoryBackendRedis:
		if h.Config.RedisAddr == "" {
			issues = append(issues, "memory backend redis without redis addr")
		}
	case config.MemoryBackendPostgres:
		if h.Config.PostgresDSN == "" {
			issues = append(issues, "memory backend postgres without dsn")
		}
	default:
		issues = append(issues, "invalid memory backend")
	}

	ok := len(issues) == 0
	status := http.StatusOK
	if !ok {
		status = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:            ok,
		AuthMode:      string(h.Config.AuthMode),
		MemoryBackend: string(h.Config.MemoryBackend),
		Draining:      draining,
		Issues:        issues,
	})
}
