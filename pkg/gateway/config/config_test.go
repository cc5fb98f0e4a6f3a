package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

var gatewayEnvKeys = []string{
	"VOICEBRIDGE_CONFIG_FILE",
	"VOICEBRIDGE_ADDR",
	"VOICEBRIDGE_AUTH_MODE",
	"VOICEBRIDGE_API_KEYS",
	"VOICEBRIDGE_CORS_ORIGINS",
	"VOICEBRIDGE_UPSTREAM_URL",
	"VOICEBRIDGE_UPSTREAM_API_KEY",
	"VOICEBRIDGE_UPSTREAM_API_KEY_HEADER",
	"VOICEBRIDGE_UPSTREAM_DIAL_TIMEOUT",
	"VOICEBRIDGE_UPSTREAM_HANDSHAKE_TIMEOUT",
	"VOICEBRIDGE_UPSTREAM_WRITE_TIMEOUT",
	"VOICEBRIDGE_MAX_AUDIO_FRAME_BYTES",
	"VOICEBRIDGE_MAX_JSON_MESSAGE_BYTES",
	"VOICEBRIDGE_MAX_AUDIO_FPS",
	"VOICEBRIDGE_MAX_AUDIO_BPS",
	"VOICEBRIDGE_INBOUND_BURST_SECONDS",
	"VOICEBRIDGE_WS_PING_INTERVAL",
	"VOICEBRIDGE_WS_WRITE_TIMEOUT",
	"VOICEBRIDGE_WS_READ_TIMEOUT",
	"VOICEBRIDGE_HELLO_TIMEOUT",
	"VOICEBRIDGE_MAX_SESSION_DURATION",
	"VOICEBRIDGE_MAX_SESSIONS_PER_KEY",
	"VOICEBRIDGE_MEMORY_BACKEND",
	"VOICEBRIDGE_REDIS_ADDR",
	"VOICEBRIDGE_REDIS_PASSWORD",
	"VOICEBRIDGE_REDIS_DB",
	"VOICEBRIDGE_REDIS_TTL",
	"VOICEBRIDGE_POSTGRES_DSN",
	"VOICEBRIDGE_DEBUG_AUDIO_DIR",
	"VOICEBRIDGE_METRICS_NAMESPACE",
	"VOICEBRIDGE_READ_HEADER_TIMEOUT",
	"VOICEBRIDGE_SHUTDOWN_GRACE_PERIOD",
}

func clearGatewayEnv(t *testing.T) {
	t.Helper()
	for _, key := range gatewayEnvKeys {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("VOICEBRIDGE_API_KEYS", "vb_sk_test")
	t.Setenv("VOICEBRIDGE_UPSTREAM_URL", "wss://speech.example.com/v1/realtime")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q, want :8080", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeRequired {
		t.Fatalf("AuthMode = %q, want %q", cfg.AuthMode, AuthModeRequired)
	}
	if cfg.UpstreamAPIKeyHeader != "Authorization" {
		t.Fatalf("UpstreamAPIKeyHeader = %q, want Authorization", cfg.UpstreamAPIKeyHeader)
	}
	if cfg.UpstreamDialTimeout != 10*time.Second {
		t.Fatalf("UpstreamDialTimeout = %v, want 10s", cfg.UpstreamDialTimeout)
	}
	if cfg.MaxAudioFrameBytes != 8192 {
		t.Fatalf("MaxAudioFrameBytes = %d, want 8192", cfg.MaxAudioFrameBytes)
	}
	if cfg.MaxJSONMessageBytes != 64*1024 {
		t.Fatalf("MaxJSONMessageBytes = %d, want 65536", cfg.MaxJSONMessageBytes)
	}
	if cfg.MaxAudioFPS != 120 {
		t.Fatalf("MaxAudioFPS = %d, want 120", cfg.MaxAudioFPS)
	}
	if cfg.MaxAudioBytesPerSecond != 128*1024 {
		t.Fatalf("MaxAudioBytesPerSecond = %d, want %d", cfg.MaxAudioBytesPerSecond, int64(128*1024))
	}
	if cfg.InboundBurstSeconds != 2 {
		t.Fatalf("InboundBurstSeconds = %d, want 2", cfg.InboundBurstSeconds)
	}
	if cfg.WSPingInterval != 20*time.Second {
		t.Fatalf("WSPingInterval = %v, want 20s", cfg.WSPingInterval)
	}
	if cfg.WSReadTimeout != 0 {
		t.Fatalf("WSReadTimeout = %v, want 0", cfg.WSReadTimeout)
	}
	if cfg.HelloTimeout != 5*time.Second {
		t.Fatalf("HelloTimeout = %v, want 5s", cfg.HelloTimeout)
	}
	if cfg.MaxSessionDuration != 2*time.Hour {
		t.Fatalf("MaxSessionDuration = %v, want 2h", cfg.MaxSessionDuration)
	}
	if cfg.MaxSessionsPerKey != 2 {
		t.Fatalf("MaxSessionsPerKey = %d, want 2", cfg.MaxSessionsPerKey)
	}
	if cfg.MemoryBackend != MemoryBackendNone {
		t.Fatalf("MemoryBackend = %q, want none", cfg.MemoryBackend)
	}
	if cfg.RedisTTL != 24*time.Hour {
		t.Fatalf("RedisTTL = %v, want 24h", cfg.RedisTTL)
	}
	if cfg.MetricsNamespace != "voicebridge" {
		t.Fatalf("MetricsNamespace = %q, want voicebridge", cfg.MetricsNamespace)
	}
	if cfg.ShutdownGracePeriod != 30*time.Second {
		t.Fatalf("ShutdownGracePeriod = %v, want 30s", cfg.ShutdownGracePeriod)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearGatewayEnv(t)
	t.Setenv("VOICEBRIDGE_ADDR", ":9090")
	t.Setenv("VOICEBRIDGE_AUTH_MODE", "optional")
	t.Setenv("VOICEBRIDGE_API_KEYS", "k1, k2 ,,k3")
	t.Setenv("VOICEBRIDGE_CORS_ORIGINS", "https://app.example.com")
	t.Setenv("VOICEBRIDGE_UPSTREAM_URL", "wss://speech.example.com/v1/realtime")
	t.Setenv("VOICEBRIDGE_UPSTREAM_API_KEY", "sk-upstream")
	t.Setenv("VOICEBRIDGE_UPSTREAM_API_KEY_HEADER", "X-Api-Key")
	t.Setenv("VOICEBRIDGE_MAX_AUDIO_FRAME_BYTES", "4096")
	t.Setenv("VOICEBRIDGE_MAX_AUDIO_FPS", "60")
	t.Setenv("VOICEBRIDGE_WS_PING_INTERVAL", "10s")
	t.Setenv("VOICEBRIDGE_MAX_SESSION_DURATION", "45m")
	t.Setenv("VOICEBRIDGE_MEMORY_BACKEND", "redis")
	t.Setenv("VOICEBRIDGE_REDIS_ADDR", "localhost:6379")
	t.Setenv("VOICEBRIDGE_REDIS_TTL", "1h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":9090" {
		t.Fatalf("Addr = %q, want :9090", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeOptional {
		t.Fatalf("AuthMode = %q, want optional", cfg.AuthMode)
	}
	if len(cfg.APIKeys) != 3 {
		t.Fatalf("len(APIKeys) = %d, want 3", len(cfg.APIKeys))
	}
	for _, key := range []string{"k1", "k2", "k3"} {
		if _, ok := cfg.APIKeys[key]; !ok {
			t.Fatalf("APIKeys missing %q", key)
		}
	}
	if _, ok := cfg.CORSAllowedOrigins["https://app.example.com"]; !ok {
		t.Fatalf("CORSAllowedOrigins missing origin")
	}
	if cfg.UpstreamAPIKey != "sk-upstream" {
		t.Fatalf("UpstreamAPIKey = %q", cfg.UpstreamAPIKey)
	}
	if cfg.UpstreamAPIKeyHeader != "X-Api-Key" {
		t.Fatalf("UpstreamAPIKeyHeader = %q", cfg.UpstreamAPIKeyHeader)
	}
	if cfg.MaxAudioFrameBytes != 4096 {
		t.Fatalf("MaxAudioFrameBytes = %d, want 4096", cfg.MaxAudioFrameBytes)
	}
	if cfg.MaxAudioFPS != 60 {
		t.Fatalf("MaxAudioFPS = %d, want 60", cfg.MaxAudioFPS)
	}
	if cfg.WSPingInterval != 10*time.Second {
		t.Fatalf("WSPingInterval = %v, want 10s", cfg.WSPingInterval)
	}
	if cfg.MaxSessionDuration != 45*time.Minute {
		t.Fatalf("MaxSessionDuration = %v, want 45m", cfg.MaxSessionDuration)
	}
	if cfg.MemoryBackend != MemoryBackendRedis {
		t.Fatalf("MemoryBackend = %q, want redis", cfg.MemoryBackend)
	}
	if cfg.RedisTTL != time.Hour {
		t.Fatalf("RedisTTL = %v, want 1h", cfg.RedisTTL)
	}
}

func TestLoad_FileThenEnvPrecedence(t *testing.T) {
	clearGatewayEnv(t)

	yamlBody := `
addr: ":7000"
auth_mode: disabled
upstream:
  url: wss://file.example.com/v1/realtime
  api_key_header: X-From-File
limits:
  max_audio_frame_bytes: 2048
  max_session_duration: 30m
memory:
  backend: postgres
  postgres_dsn: postgres://vb:vb@localhost:5432/vb
`
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	if err := os.WriteFile(path, []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("VOICEBRIDGE_CONFIG_FILE", path)
	// Env overrides the file for addr only.
	t.Setenv("VOICEBRIDGE_ADDR", ":7001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Addr != ":7001" {
		t.Fatalf("Addr = %q, want env override :7001", cfg.Addr)
	}
	if cfg.AuthMode != AuthModeDisabled {
		t.Fatalf("AuthMode = %q, want disabled", cfg.AuthMode)
	}
	if cfg.UpstreamURL != "wss://file.example.com/v1/realtime" {
		t.Fatalf("UpstreamURL = %q", cfg.UpstreamURL)
	}
	if cfg.UpstreamAPIKeyHeader != "X-From-File" {
		t.Fatalf("UpstreamAPIKeyHeader = %q", cfg.UpstreamAPIKeyHeader)
	}
	if cfg.MaxAudioFrameBytes != 2048 {
		t.Fatalf("MaxAudioFrameBytes = %d, want 2048", cfg.MaxAudioFrameBytes)
	}
	if cfg.MaxSessionDuration != 30*time.Minute {
		t.Fatalf("MaxSessionDuration = %v, want 30m", cfg.MaxSessionDuration)
	}
	if cfg.MemoryBackend != MemoryBackendPostgres {
		t.Fatalf("MemoryBackend = %q, want postgres", cfg.MemoryBackend)
	}
	if cfg.MaxAudioFPS != 120 {
		t.Fatalf("MaxAudioFPS = %d, want default 120", cfg.MaxAudioFPS)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := []struct {
		name    string
		env     map[string]string
		wantSub string
	}{
		{
			name:    "missing upstream url",
			env:     map[string]string{"VOICEBRIDGE_API_KEYS": "k"},
			wantSub: "VOICEBRIDGE_UPSTREAM_URL must be set",
		},
		{
			name: "http upstream url",
			env: map[string]string{
				"VOICEBRIDGE_API_KEYS":     "k",
				"VOICEBRIDGE_UPSTREAM_URL": "https://speech.example.com",
			},
			wantSub: "ws:// or wss://",
		},
		{
			name: "required auth without keys",
			env: map[string]string{
				"VOICEBRIDGE_UPSTREAM_URL": "wss://speech.example.com",
			},
			wantSub: "VOICEBRIDGE_API_KEYS must be set",
		},
		{
			name: "bad auth mode",
			env: map[string]string{
				"VOICEBRIDGE_API_KEYS":     "k",
				"VOICEBRIDGE_UPSTREAM_URL": "wss://speech.example.com",
				"VOICEBRIDGE_AUTH_MODE":    "maybe",
			},
			wantSub: "VOICEBRIDGE_AUTH_MODE must be one of",
		},
		{
			name: "redis backend without addr",
			env: map[string]string{
				"VOICEBRIDGE_API_KEYS":       "k",
				"VOICEBRIDGE_UPSTREAM_URL":   "wss://speech.example.com",
				"VOICEBRIDGE_MEMORY_BACKEND": "redis",
			},
			wantSub: "VOICEBRIDGE_REDIS_ADDR must be set",
		},
		{
			name: "bad memory backend",
			env: map[string]string{
				"VOICEBRIDGE_API_KEYS":       "k",
				"VOICEBRIDGE_UPSTREAM_URL":   "wss://speech.example.com",
				"VOICEBRIDGE_MEMORY_BACKEND": "dynamo",
			},
			wantSub: "VOICEBRIDGE_MEMORY_BACKEND must be one of",
		},
		{
			name: "zero burst with limits enabled",
			env: map[string]string{
				"VOICEBRIDGE_API_KEYS":              "k",
				"VOICEBRIDGE_UPSTREAM_URL":          "wss://speech.example.com",
				"VOICEBRIDGE_INBOUND_BURST_SECONDS": "0",
			},
			wantSub: "VOICEBRIDGE_INBOUND_BURST_SECONDS must be >= 1",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearGatewayEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatalf("Load() error = nil, want substring %q", tc.wantSub)
			}
			if !strings.Contains(err.Error(), tc.wantSub) {
				t.Fatalf("Load() error = %q, want substring %q", err, tc.wantSub)
			}
		})
	}
}

func TestLoad_BadFileRejected(t *testing.T) {
	clearGatewayEnv(t)
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("addr: [not a string"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("VOICEBRIDGE_CONFIG_FILE", path)
	t.Setenv("VOICEBRIDGE_API_KEYS", "k")
	t.Setenv("VOICEBRIDGE_UPSTREAM_URL", "wss://speech.example.com")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want parse failure")
	}
}
