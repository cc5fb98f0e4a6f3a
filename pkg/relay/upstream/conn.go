package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge-io/voicebridge/pkg/relay/protocol"
)

// ErrUpstreamUnavailable wraps connection and handshake-timeout failures.
// The caller must not enter relaying when Open returns it.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// HandshakeRejectedError means the upstream was reachable but refused the
// session configuration.
type HandshakeRejectedError struct {
	Code    string
	Message string
}

func (e *HandshakeRejectedError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Code) == "" {
		return fmt.Sprintf("upstream rejected handshake: %s", e.Message)
	}
	return fmt.Sprintf("upstream rejected handshake: %s (%s)", e.Message, e.Code)
}

type Config struct {
	URL    string
	APIKey string

	// APIKeyHeader defaults to Authorization with a Bearer prefix.
	APIKeyHeader string
	ExtraHeaders map[string]string

	// Session is the payload of the mandatory session-config envelope sent
	// before any audio.
	Session any

	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// Message is one raw frame read from the upstream socket.
type Message struct {
	Binary bool
	Data   []byte
}

// Conn is an open upstream streaming connection. One Conn is owned by
// exactly one session; Close is idempotent and never fails the caller.
type Conn struct {
	ws    *websocket.Conn
	codec protocol.Codec

	writeMu      sync.Mutex
	writeTimeout time.Duration

	messages  chan Message
	closed    chan struct{}
	closeOnce sync.Once

	errMu     sync.Mutex
	lastClose string
}

// Open dials the upstream socket and performs the session-config handshake.
// On any failure the socket is closed and no state is left behind; failures
// are ErrUpstreamUnavailable (unreachable, timeout) or HandshakeRejectedError
// (reachable but refused the config).
func Open(ctx context.Context, cfg Config) (*Conn, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("upstream url is required")
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	header := http.Header{}
	if strings.TrimSpace(cfg.APIKey) != "" {
		name := strings.TrimSpace(cfg.APIKeyHeader)
		if name == "" || strings.EqualFold(name, "Authorization") {
			header.Set("Authorization", "Bearer "+strings.TrimSpace(cfg.APIKey))
		} else {
			header.Set(name, strings.TrimSpace(cfg.APIKey))
		}
	}
	for k, v := range cfg.ExtraHeaders {
		header.Set(k, v)
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	ws, _, err := websocket.DefaultDialer.DialContext(dialCtx, cfg.URL, header)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrUpstreamUnavailable, cfg.URL, err)
	}

	c := &Conn{
		ws:           ws,
		codec:        protocol.Codec{Transport: protocol.AudioTransportBase64JSON},
		writeTimeout: cfg.WriteTimeout,
		messages:     make(chan Message, 256),
		closed:       make(chan struct{}),
	}

	if err := c.handshake(cfg); err != nil {
		_ = c.Close()
		return nil, err
	}

	go c.readLoop()
	go c.keepAliveLoop()
	return c, nil
}

// handshake sends the session-config envelope and waits for the upstream to
// acknowledge or reject it. Audio must never be appended before this
// completes.
func (c *Conn) handshake(cfg Config) error {
	envelope, err := protocol.NewSessionConfig(cfg.Session)
	if err != nil {
		return fmt.Errorf("encode session config: %w", err)
	}
	if err := c.writeJSON(envelope); err != nil {
		return fmt.Errorf("%w: send session config: %v", ErrUpstreamUnavailable, err)
	}

	_ = c.ws.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	messageType, data, err := c.ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("%w: awaiting handshake ack: %v", ErrUpstreamUnavailable, err)
	}
	_ = c.ws.SetReadDeadline(time.Time{})

	if messageType != websocket.TextMessage {
		// Unexpected but not a rejection; hand the frame to the reader.
		c.messages <- Message{Binary: true, Data: data}
		return nil
	}

	decoded, decErr := c.codec.DecodeFrame(false, data)
	if decErr != nil {
		return &HandshakeRejectedError{Code: "malformed_ack", Message: "unreadable handshake response"}
	}
	if ev, ok := decoded.(*protocol.ControlEvent); ok {
		switch ev.Kind {
		case protocol.KindError:
			return &HandshakeRejectedError{Code: ev.Code, Message: ev.Text}
		case protocol.KindSessionConfig:
			return nil
		}
	}
	// Not an ack we recognize; deliver it so the outbound pump sees it.
	c.messages <- Message{Data: data}
	return nil
}

// SendFrame appends one audio chunk using the upstream's JSON base64
// framing.
func (c *Conn) SendFrame(frame *protocol.AudioFrame) error {
	_, data, err := c.codec.EncodeAudio(frame)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

// Send relays a raw text payload unchanged.
func (c *Conn) Send(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

// Messages returns the inbound frame stream. The channel is closed when the
// socket closes for any reason.
func (c *Conn) Messages() <-chan Message {
	if c == nil {
		ch := make(chan Message)
		close(ch)
		return ch
	}
	return c.messages
}

// Close tears the connection down. Safe to call multiple times from any
// goroutine; second and later calls have no observable effect.
func (c *Conn) Close() error {
	if c == nil {
		return nil
	}
	c.closeOnce.Do(func() {
		close(c.closed)
		c.setLastClose("closed")
		_ = c.ws.Close()
	})
	return nil
}

// CloseReason reports why the socket closed, for teardown logging.
func (c *Conn) CloseReason() string {
	if c == nil {
		return ""
	}
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastClose
}

func (c *Conn) readLoop() {
	defer close(c.messages)
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				c.setLastClose(fmt.Sprintf("code=%d msg=%s", closeErr.Code, strings.TrimSpace(closeErr.Text)))
			} else {
				c.setLastClose(strings.TrimSpace(err.Error()))
			}
			return
		}
		msg := Message{Binary: messageType == websocket.BinaryMessage, Data: data}
		select {
		case c.messages <- msg:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) keepAliveLoop() {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.writeTimeout)
			_ = c.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline)
		}
	}
}

func (c *Conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	select {
	case <-c.closed:
		return fmt.Errorf("upstream connection closed")
	default:
	}

	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Conn) setLastClose(msg string) {
	if c == nil || strings.TrimSpace(msg) == "" {
		return
	}
	c.errMu.Lock()
	if c.lastClose == "" {
		c.lastClose = strings.Join(strings.Fields(msg), " ")
	}
	c.errMu.Unlock()
}
