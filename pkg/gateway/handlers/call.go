package handlers

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voicebridge-io/voicebridge/pkg/gateway/auth"
	"github.com/voicebridge-io/voicebridge/pkg/gateway/config"
	"github.com/voicebridge-io/voicebridge/pkg/gateway/lifecycle"
	"github.com/voicebridge-io/voicebridge/pkg/gateway/mw"
	"github.com/voicebridge-io/voicebridge/pkg/gateway/ratelimit"
	"github.com/voicebridge-io/voicebridge/pkg/metrics"
	"github.com/voicebridge-io/voicebridge/pkg/relay/protocol"
	"github.com/voicebridge-io/voicebridge/pkg/relay/session"
	"github.com/voicebridge-io/voicebridge/pkg/relay/sessions"
	"github.com/voicebridge-io/voicebridge/pkg/relay/upstream"
)

// ConversationFactory builds the per-session conversation log. A nil
// factory disables conversation memory.
type ConversationFactory func(sessionID string) session.ConversationLog

// UpstreamOpener lets tests swap the speech provider connection.
type UpstreamOpener func(ctx context.Context, hello protocol.ClientHello) (session.UpstreamConn, error)

// CallHandler serves /v1/call websocket sessions.
type CallHandler struct {
	Config    config.Config
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Limiter   *ratelimit.Limiter
	Sessions  *sessions.Tracker
	Metrics   *metrics.Metrics
	Latency   *session.LatencyTracker

	NewConversation ConversationFactory
	OpenUpstream    UpstreamOpener
}

func (h CallHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())

	if r.Method != http.MethodGet {
		writeJSONError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed", reqID)
		return
	}
	if h.Lifecycle.IsDraining() {
		writeJSONError(w, http.StatusServiceUnavailable, "draining", "gateway is draining", reqID)
		return
	}
	if !h.originAllowed(r) {
		writeJSONError(w, http.StatusForbidden, "forbidden", "origin is not allowed", reqID)
		return
	}

	principal, authErr := h.resolvePrincipal(r)
	if authErr != "" {
		writeJSONError(w, http.StatusUnauthorized, "unauthorized", authErr, reqID)
		return
	}

	var permit *ratelimit.Permit
	if h.Limiter != nil {
		dec := h.Limiter.AcquireSession(principal, time.Now())
		if !dec.Allowed {
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", "too many active sessions", reqID)
			return
		}
		permit = dec.Permit
		defer permit.Release()
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if h.Config.MaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxJSONMessageBytes)
	}

	helloTimeout := h.Config.HelloTimeout
	if helloTimeout <= 0 {
		helloTimeout = 5 * time.Second
	}
	_ = conn.SetReadDeadline(time.Now().Add(helloTimeout))
	messageType, firstFrame, err := conn.ReadMessage()
	if err != nil {
		h.writeWSError(conn, "bad_request", "failed to read hello")
		return
	}
	if messageType != websocket.TextMessage {
		h.writeWSError(conn, "bad_request", "first frame must be hello")
		return
	}

	decoded, err := protocol.DecodeClientMessage(firstFrame)
	if err != nil {
		h.writeWSError(conn, "bad_request", "invalid hello frame")
		return
	}
	hello, ok := decoded.(protocol.ClientHello)
	if !ok {
		h.writeWSError(conn, "bad_request", "first frame must be hello")
		return
	}
	if strings.TrimSpace(hello.ProtocolVersion) != protocol.ProtocolVersion1 {
		h.writeWSError(conn, "unsupported", "unsupported protocol_version")
		return
	}
	if strings.TrimSpace(hello.AudioIn.Encoding) != "pcm_s16le" || hello.AudioIn.SampleRateHz != 16000 || hello.AudioIn.Channels != 1 {
		h.writeWSError(conn, "unsupported", "audio_in must be pcm_s16le @16000Hz mono")
		return
	}
	if strings.TrimSpace(hello.AudioOut.Encoding) != "pcm_s16le" || hello.AudioOut.SampleRateHz != 24000 || hello.AudioOut.Channels != 1 {
		h.writeWSError(conn, "unsupported", "audio_out must be pcm_s16le @24000Hz mono")
		return
	}
	if strings.TrimSpace(hello.Features.AudioTransport) == "" {
		hello.Features.AudioTransport = protocol.AudioTransportBase64JSON
	}

	_ = conn.SetReadDeadline(time.Time{})

	sessionID := "s_" + uuid.NewString()

	var memoryLog session.ConversationLog
	if h.NewConversation != nil {
		memoryLog = h.NewConversation(sessionID)
	}

	var debugAudio io.Writer
	if h.Config.DebugAudioDir != "" {
		path := filepath.Join(h.Config.DebugAudioDir, sessionID+".pcm")
		if f, err := os.Create(path); err == nil {
			defer f.Close()
			debugAudio = f
		} else if h.Logger != nil {
			h.Logger.Warn("debug audio sink unavailable", "session_id", sessionID, "error", err)
		}
	}

	openUpstream := h.OpenUpstream
	if openUpstream == nil {
		openUpstream = h.dialUpstream
	}

	startAt := time.Now()
	relay, err := session.New(session.Dependencies{
		Conn:   conn,
		Logger: h.Logger,
		OpenUpstream: func(ctx context.Context) (session.UpstreamConn, error) {
			return openUpstream(ctx, hello)
		},
		Hello:      hello,
		SessionID:  sessionID,
		RequestID:  reqID,
		Memory:     memoryLog,
		Metrics:    h.Metrics,
		Latency:    h.Latency,
		DebugAudio: debugAudio,
		StartTime:  startAt,
		Config: session.Config{
			MaxAudioFrameBytes:     h.Config.MaxAudioFrameBytes,
			MaxJSONMessageBytes:    h.Config.MaxJSONMessageBytes,
			MaxAudioFPS:            h.Config.MaxAudioFPS,
			MaxAudioBytesPerSecond: h.Config.MaxAudioBytesPerSecond,
			InboundBurstSeconds:    h.Config.InboundBurstSeconds,
			PingInterval:           h.Config.WSPingInterval,
			WriteTimeout:           h.Config.WSWriteTimeout,
			ReadTimeout:            h.Config.WSReadTimeout,
			MaxSessionDuration:     h.Config.MaxSessionDuration,
		},
	})
	if err != nil {
		h.writeWSError(conn, "internal", "failed to initialize session")
		return
	}

	unregister := func() {}
	if h.Sessions != nil {
		unregister = h.Sessions.Register(sessionID, sessions.Handle{
			Drain:    relay.Shutdown,
			Snapshot: relay.Snapshot,
		})
	}
	defer unregister()

	h.Metrics.RecordSessionStart()
	runErr := relay.Run()
	status := relay.DrainReason()
	if status == "" {
		status = "unknown"
	}
	h.Metrics.RecordSessionEnd(status, time.Since(startAt))

	if runErr != nil && h.Logger != nil {
		h.Logger.Warn("session ended with error",
			"session_id", sessionID,
			"request_id", reqID,
			"reason", status,
			"error", runErr,
		)
	}
}

func (h CallHandler) dialUpstream(ctx context.Context, hello protocol.ClientHello) (session.UpstreamConn, error) {
	conn, err := upstream.Open(ctx, upstream.Config{
		URL:          h.Config.UpstreamURL,
		APIKey:       h.Config.UpstreamAPIKey,
		APIKeyHeader: h.Config.UpstreamAPIKeyHeader,
		Session: map[string]any{
			"input_audio_format":   hello.AudioIn.Encoding,
			"input_audio_rate_hz":  hello.AudioIn.SampleRateHz,
			"output_audio_format":  hello.AudioOut.Encoding,
			"output_audio_rate_hz": hello.AudioOut.SampleRateHz,
		},
		DialTimeout:      h.Config.UpstreamDialTimeout,
		HandshakeTimeout: h.Config.UpstreamHandshakeTimeout,
		WriteTimeout:     h.Config.UpstreamWriteTimeout,
	})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (h CallHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

// resolvePrincipal authenticates before the websocket upgrade so that
// rejections surface as plain HTTP status codes.
func (h CallHandler) resolvePrincipal(r *http.Request) (principal, errMsg string) {
	key, hasKey := auth.KeyFromRequest(r)
	switch h.Config.AuthMode {
	case config.AuthModeRequired:
		if !hasKey {
			return "", "missing gateway api key"
		}
		if _, ok := h.Config.APIKeys[key]; !ok {
			return "", "invalid gateway api key"
		}
		return ratelimit.PrincipalKeyFromAPIKey(key), ""
	case config.AuthModeOptional:
		if hasKey {
			if _, ok := h.Config.APIKeys[key]; !ok {
				return "", "invalid gateway api key"
			}
			return ratelimit.PrincipalKeyFromAPIKey(key), ""
		}
		return "anonymous", ""
	case config.AuthModeDisabled:
		return "anonymous", ""
	default:
		return "", "invalid auth mode"
	}
}

func (h CallHandler) writeWSError(conn *websocket.Conn, code, message string) {
	payload, err := json.Marshal(protocol.ServerError{
		Type:    "error",
		Scope:   "session",
		Code:    code,
		Message: message,
		Close:   true,
	})
	if err != nil {
		return
	}
	writeTimeout := h.Config.WSWriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteMessage(websocket.TextMessage, payload)
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, code),
		time.Now().Add(writeTimeout))
}
