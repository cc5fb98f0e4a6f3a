// Package config loads gateway configuration from an optional YAML file
// plus VOICEBRIDGE_* environment variables. Environment always wins over
// the file; the file wins over built-in defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type AuthMode string

const (
	AuthModeRequired AuthMode = "required"
	AuthModeOptional AuthMode = "optional"
	AuthModeDisabled AuthMode = "disabled"
)

type MemoryBackend string

const (
	MemoryBackendNone     MemoryBackend = "none"
	MemoryBackendRedis    MemoryBackend = "redis"
	MemoryBackendPostgres MemoryBackend = "postgres"
)

type Config struct {
	Addr string

	AuthMode AuthMode
	APIKeys  map[string]struct{}

	// CORS allowlist for the websocket upgrade. Empty disables the check.
	CORSAllowedOrigins map[string]struct{}

	// Upstream speech provider.
	UpstreamURL              string
	UpstreamAPIKey           string
	UpstreamAPIKeyHeader     string
	UpstreamDialTimeout      time.Duration
	UpstreamHandshakeTimeout time.Duration
	UpstreamWriteTimeout     time.Duration

	// Client websocket limits.
	MaxAudioFrameBytes     int
	MaxJSONMessageBytes    int64
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	WSPingInterval         time.Duration
	WSWriteTimeout         time.Duration
	WSReadTimeout          time.Duration
	HelloTimeout           time.Duration
	MaxSessionDuration     time.Duration
	MaxSessionsPerKey      int

	// Conversation archive.
	MemoryBackend MemoryBackend
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisTTL      time.Duration
	PostgresDSN   string

	// Raw inbound audio can be teed to a directory for debugging.
	DebugAudioDir string

	MetricsNamespace string

	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

// fileConfig mirrors Config for YAML decoding. Pointer fields distinguish
// "absent" from zero values.
type fileConfig struct {
	Addr        *string  `yaml:"addr"`
	AuthMode    *string  `yaml:"auth_mode"`
	APIKeys     []string `yaml:"api_keys"`
	CORSOrigins []string `yaml:"cors_origins"`

	// Durations are strings in Go duration syntax ("30s", "2h").
	Upstream struct {
		URL              *string `yaml:"url"`
		APIKey           *string `yaml:"api_key"`
		APIKeyHeader     *string `yaml:"api_key_header"`
		DialTimeout      *string `yaml:"dial_timeout"`
		HandshakeTimeout *string `yaml:"handshake_timeout"`
		WriteTimeout     *string `yaml:"write_timeout"`
	} `yaml:"upstream"`

	Limits struct {
		MaxAudioFrameBytes     *int    `yaml:"max_audio_frame_bytes"`
		MaxJSONMessageBytes    *int64  `yaml:"max_json_message_bytes"`
		MaxAudioFPS            *int    `yaml:"max_audio_fps"`
		MaxAudioBytesPerSecond *int64  `yaml:"max_audio_bps"`
		InboundBurstSeconds    *int    `yaml:"inbound_burst_seconds"`
		MaxSessionDuration     *string `yaml:"max_session_duration"`
		MaxSessionsPerKey      *int    `yaml:"max_sessions_per_key"`
	} `yaml:"limits"`

	Memory struct {
		Backend       *string `yaml:"backend"`
		RedisAddr     *string `yaml:"redis_addr"`
		RedisPassword *string `yaml:"redis_password"`
		RedisDB       *int    `yaml:"redis_db"`
		RedisTTL      *string `yaml:"redis_ttl"`
		PostgresDSN   *string `yaml:"postgres_dsn"`
	} `yaml:"memory"`

	DebugAudioDir    *string `yaml:"debug_audio_dir"`
	MetricsNamespace *string `yaml:"metrics_namespace"`
}

func defaults() Config {
	return Config{
		Addr:                     ":8080",
		AuthMode:                 AuthModeRequired,
		APIKeys:                  make(map[string]struct{}),
		CORSAllowedOrigins:       make(map[string]struct{}),
		UpstreamAPIKeyHeader:     "Authorization",
		UpstreamDialTimeout:      10 * time.Second,
		UpstreamHandshakeTimeout: 5 * time.Second,
		UpstreamWriteTimeout:     5 * time.Second,
		MaxAudioFrameBytes:       8192,
		MaxJSONMessageBytes:      64 * 1024,
		MaxAudioFPS:              120,
		MaxAudioBytesPerSecond:   128 * 1024,
		InboundBurstSeconds:      2,
		WSPingInterval:           20 * time.Second,
		WSWriteTimeout:           5 * time.Second,
		WSReadTimeout:            0,
		HelloTimeout:             5 * time.Second,
		MaxSessionDuration:       2 * time.Hour,
		MaxSessionsPerKey:        2,
		MemoryBackend:            MemoryBackendNone,
		RedisTTL:                 24 * time.Hour,
		MetricsNamespace:         "voicebridge",
		ReadHeaderTimeout:        10 * time.Second,
		ShutdownGracePeriod:      30 * time.Second,
	}
}

// Load builds the effective configuration. The file path comes from
// VOICEBRIDGE_CONFIG_FILE; a missing variable means env-and-defaults only.
func Load() (Config, error) {
	cfg := defaults()

	if path := strings.TrimSpace(os.Getenv("VOICEBRIDGE_CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = strings.TrimSpace(*src)
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setInt64 := func(dst *int64, src *int64) {
		if src != nil {
			*dst = *src
		}
	}
	var durErr error
	setDuration := func(dst *time.Duration, src *string, field string) {
		if src == nil || durErr != nil {
			return
		}
		d, err := time.ParseDuration(strings.TrimSpace(*src))
		if err != nil {
			durErr = fmt.Errorf("config file %s: %s: %w", path, field, err)
			return
		}
		*dst = d
	}

	setString(&cfg.Addr, fc.Addr)
	if fc.AuthMode != nil {
		cfg.AuthMode = AuthMode(strings.TrimSpace(*fc.AuthMode))
	}
	for _, key := range fc.APIKeys {
		if key = strings.TrimSpace(key); key != "" {
			cfg.APIKeys[key] = struct{}{}
		}
	}
	for _, origin := range fc.CORSOrigins {
		if origin = strings.TrimSpace(origin); origin != "" {
			cfg.CORSAllowedOrigins[origin] = struct{}{}
		}
	}

	setString(&cfg.UpstreamURL, fc.Upstream.URL)
	setString(&cfg.UpstreamAPIKey, fc.Upstream.APIKey)
	setString(&cfg.UpstreamAPIKeyHeader, fc.Upstream.APIKeyHeader)
	setDuration(&cfg.UpstreamDialTimeout, fc.Upstream.DialTimeout, "upstream.dial_timeout")
	setDuration(&cfg.UpstreamHandshakeTimeout, fc.Upstream.HandshakeTimeout, "upstream.handshake_timeout")
	setDuration(&cfg.UpstreamWriteTimeout, fc.Upstream.WriteTimeout, "upstream.write_timeout")

	setInt(&cfg.MaxAudioFrameBytes, fc.Limits.MaxAudioFrameBytes)
	setInt64(&cfg.MaxJSONMessageBytes, fc.Limits.MaxJSONMessageBytes)
	setInt(&cfg.MaxAudioFPS, fc.Limits.MaxAudioFPS)
	setInt64(&cfg.MaxAudioBytesPerSecond, fc.Limits.MaxAudioBytesPerSecond)
	setInt(&cfg.InboundBurstSeconds, fc.Limits.InboundBurstSeconds)
	setDuration(&cfg.MaxSessionDuration, fc.Limits.MaxSessionDuration, "limits.max_session_duration")
	setInt(&cfg.MaxSessionsPerKey, fc.Limits.MaxSessionsPerKey)

	if fc.Memory.Backend != nil {
		cfg.MemoryBackend = MemoryBackend(strings.TrimSpace(*fc.Memory.Backend))
	}
	setString(&cfg.RedisAddr, fc.Memory.RedisAddr)
	setString(&cfg.RedisPassword, fc.Memory.RedisPassword)
	setInt(&cfg.RedisDB, fc.Memory.RedisDB)
	setDuration(&cfg.RedisTTL, fc.Memory.RedisTTL, "memory.redis_ttl")
	setString(&cfg.PostgresDSN, fc.Memory.PostgresDSN)

	setString(&cfg.DebugAudioDir, fc.DebugAudioDir)
	setString(&cfg.MetricsNamespace, fc.MetricsNamespace)
	return durErr
}

func applyEnv(cfg *Config) {
	cfg.Addr = envOr("VOICEBRIDGE_ADDR", cfg.Addr)
	cfg.AuthMode = AuthMode(envOr("VOICEBRIDGE_AUTH_MODE", string(cfg.AuthMode)))
	for _, key := range splitCSV(os.Getenv("VOICEBRIDGE_API_KEYS")) {
		cfg.APIKeys[key] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VOICEBRIDGE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	cfg.UpstreamURL = envOr("VOICEBRIDGE_UPSTREAM_URL", cfg.UpstreamURL)
	cfg.UpstreamAPIKey = envOr("VOICEBRIDGE_UPSTREAM_API_KEY", cfg.UpstreamAPIKey)
	cfg.UpstreamAPIKeyHeader = envOr("VOICEBRIDGE_UPSTREAM_API_KEY_HEADER", cfg.UpstreamAPIKeyHeader)
	cfg.UpstreamDialTimeout = envDurationOr("VOICEBRIDGE_UPSTREAM_DIAL_TIMEOUT", cfg.UpstreamDialTimeout)
	cfg.UpstreamHandshakeTimeout = envDurationOr("VOICEBRIDGE_UPSTREAM_HANDSHAKE_TIMEOUT", cfg.UpstreamHandshakeTimeout)
	cfg.UpstreamWriteTimeout = envDurationOr("VOICEBRIDGE_UPSTREAM_WRITE_TIMEOUT", cfg.UpstreamWriteTimeout)

	cfg.MaxAudioFrameBytes = envIntOr("VOICEBRIDGE_MAX_AUDIO_FRAME_BYTES", cfg.MaxAudioFrameBytes)
	cfg.MaxJSONMessageBytes = envInt64Or("VOICEBRIDGE_MAX_JSON_MESSAGE_BYTES", cfg.MaxJSONMessageBytes)
	cfg.MaxAudioFPS = envIntOr("VOICEBRIDGE_MAX_AUDIO_FPS", cfg.MaxAudioFPS)
	cfg.MaxAudioBytesPerSecond = envInt64Or("VOICEBRIDGE_MAX_AUDIO_BPS", cfg.MaxAudioBytesPerSecond)
	cfg.InboundBurstSeconds = envIntOr("VOICEBRIDGE_INBOUND_BURST_SECONDS", cfg.InboundBurstSeconds)
	cfg.WSPingInterval = envDurationOr("VOICEBRIDGE_WS_PING_INTERVAL", cfg.WSPingInterval)
	cfg.WSWriteTimeout = envDurationOr("VOICEBRIDGE_WS_WRITE_TIMEOUT", cfg.WSWriteTimeout)
	cfg.WSReadTimeout = envDurationOr("VOICEBRIDGE_WS_READ_TIMEOUT", cfg.WSReadTimeout)
	cfg.HelloTimeout = envDurationOr("VOICEBRIDGE_HELLO_TIMEOUT", cfg.HelloTimeout)
	cfg.MaxSessionDuration = envDurationOr("VOICEBRIDGE_MAX_SESSION_DURATION", cfg.MaxSessionDuration)
	cfg.MaxSessionsPerKey = envIntOr("VOICEBRIDGE_MAX_SESSIONS_PER_KEY", cfg.MaxSessionsPerKey)

	cfg.MemoryBackend = MemoryBackend(envOr("VOICEBRIDGE_MEMORY_BACKEND", string(cfg.MemoryBackend)))
	cfg.RedisAddr = envOr("VOICEBRIDGE_REDIS_ADDR", cfg.RedisAddr)
	cfg.RedisPassword = envOr("VOICEBRIDGE_REDIS_PASSWORD", cfg.RedisPassword)
	cfg.RedisDB = envIntOr("VOICEBRIDGE_REDIS_DB", cfg.RedisDB)
	cfg.RedisTTL = envDurationOr("VOICEBRIDGE_REDIS_TTL", cfg.RedisTTL)
	cfg.PostgresDSN = envOr("VOICEBRIDGE_POSTGRES_DSN", cfg.PostgresDSN)

	cfg.DebugAudioDir = envOr("VOICEBRIDGE_DEBUG_AUDIO_DIR", cfg.DebugAudioDir)
	cfg.MetricsNamespace = envOr("VOICEBRIDGE_METRICS_NAMESPACE", cfg.MetricsNamespace)
	cfg.ReadHeaderTimeout = envDurationOr("VOICEBRIDGE_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ShutdownGracePeriod = envDurationOr("VOICEBRIDGE_SHUTDOWN_GRACE_PERIOD", cfg.ShutdownGracePeriod)
}

func (c Config) validate() error {
	switch c.AuthMode {
	case AuthModeRequired, AuthModeOptional, AuthModeDisabled:
	default:
		return fmt.Errorf("VOICEBRIDGE_AUTH_MODE must be one of required|optional|disabled")
	}
	if c.AuthMode == AuthModeRequired && len(c.APIKeys) == 0 {
		return fmt.Errorf("VOICEBRIDGE_API_KEYS must be set when VOICEBRIDGE_AUTH_MODE=required")
	}
	if strings.TrimSpace(c.UpstreamURL) == "" {
		return fmt.Errorf("VOICEBRIDGE_UPSTREAM_URL must be set")
	}
	if !strings.HasPrefix(c.UpstreamURL, "ws://") && !strings.HasPrefix(c.UpstreamURL, "wss://") {
		return fmt.Errorf("VOICEBRIDGE_UPSTREAM_URL must be a ws:// or wss:// URL")
	}
	if c.MaxAudioFrameBytes <= 0 {
		return fmt.Errorf("VOICEBRIDGE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if c.MaxJSONMessageBytes <= 0 {
		return fmt.Errorf("VOICEBRIDGE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if c.MaxAudioFPS < 0 {
		return fmt.Errorf("VOICEBRIDGE_MAX_AUDIO_FPS must be >= 0")
	}
	if c.MaxAudioBytesPerSecond < 0 {
		return fmt.Errorf("VOICEBRIDGE_MAX_AUDIO_BPS must be >= 0")
	}
	if (c.MaxAudioFPS > 0 || c.MaxAudioBytesPerSecond > 0) && c.InboundBurstSeconds < 1 {
		return fmt.Errorf("VOICEBRIDGE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("VOICEBRIDGE_WS_PING_INTERVAL must be > 0")
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("VOICEBRIDGE_WS_WRITE_TIMEOUT must be > 0")
	}
	if c.WSReadTimeout < 0 {
		return fmt.Errorf("VOICEBRIDGE_WS_READ_TIMEOUT must be >= 0")
	}
	if c.HelloTimeout <= 0 {
		return fmt.Errorf("VOICEBRIDGE_HELLO_TIMEOUT must be > 0")
	}
	if c.MaxSessionDuration <= 0 {
		return fmt.Errorf("VOICEBRIDGE_MAX_SESSION_DURATION must be > 0")
	}
	if c.MaxSessionsPerKey < 0 {
		return fmt.Errorf("VOICEBRIDGE_MAX_SESSIONS_PER_KEY must be >= 0")
	}
	if c.UpstreamDialTimeout <= 0 || c.UpstreamHandshakeTimeout <= 0 || c.UpstreamWriteTimeout <= 0 {
		return fmt.Errorf("upstream timeouts must be > 0")
	}
	switch c.MemoryBackend {
	case MemoryBackendNone:
	case MemoryBackendRedis:
		if strings.TrimSpace(c.RedisAddr) == "" {
			return fmt.Errorf("VOICEBRIDGE_REDIS_ADDR must be set when the memory backend is redis")
		}
	case MemoryBackendPostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			return fmt.Errorf("VOICEBRIDGE_POSTGRES_DSN must be set when the memory backend is postgres")
		}
	default:
		return fmt.Errorf("VOICEBRIDGE_MEMORY_BACKEND must be one of none|redis|postgres")
	}
	if c.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VOICEBRIDGE_READ_HEADER_TIMEOUT must be > 0")
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VOICEBRIDGE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
