package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge-io/voicebridge/pkg/relay/protocol"
	"github.com/voicebridge-io/voicebridge/pkg/relay/upstream"
)

const (
	outboundPriorityQueueSize = 8
	maxCancelledPlaybackIDs   = 64

	stageTranscript = "transcript"
	stageResponse   = "response"
)

var errBackpressure = errors.New("relay outbound backpressure")

// State is the relay lifecycle. Transitions only move forward:
// Connecting, Relaying, Draining, Closed.
type State int32

const (
	StateConnecting State = iota
	StateRelaying
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRelaying:
		return "relaying"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// clientSocket is the subset of *websocket.Conn the relay needs from the
// downstream side.
type clientSocket interface {
	wsWriter
	ReadMessage() (messageType int, data []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// UpstreamConn is an open connection to the speech provider. The relay is
// its sole owner and closes it exactly once, at teardown.
type UpstreamConn interface {
	SendFrame(frame *protocol.AudioFrame) error
	Send(data []byte) error
	Messages() <-chan upstream.Message
	Close() error
	CloseReason() string
}

// UpstreamOpenFunc dials and handshakes one upstream connection.
type UpstreamOpenFunc func(ctx context.Context) (UpstreamConn, error)

// ConversationLog accumulates the session transcript. Flush is called once
// at teardown; a failed flush is logged, never fatal.
type ConversationLog interface {
	Append(role, text string)
	Flush(ctx context.Context) error
}

// MetricsSink receives relay counters. All methods must tolerate being
// called on a nil implementation value.
type MetricsSink interface {
	LatencySink
	RecordAudio(direction string, bytes int)
	RecordFrame(direction, kind string)
	RecordError(code string)
	RecordPlaybackOutcome(outcome string)
}

type Config struct {
	MaxAudioFrameBytes     int
	MaxJSONMessageBytes    int64
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int

	PingInterval       time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
	MaxSessionDuration time.Duration
	DrainTimeout       time.Duration
	FlushTimeout       time.Duration

	OutboundQueueSize  int
	PlaybackChunkQueue int
}

type Dependencies struct {
	Conn         clientSocket
	Logger       *slog.Logger
	OpenUpstream UpstreamOpenFunc
	Hello        protocol.ClientHello
	SessionID    string
	RequestID    string
	Memory       ConversationLog
	Metrics      MetricsSink
	Latency      *LatencyTracker
	DebugAudio   io.Writer
	Config       Config
	StartTime    time.Time
	Now          func() time.Time
}

// Relay shuttles audio and control traffic between one client socket and
// one upstream connection until either side completes.
type Relay struct {
	conn       clientSocket
	logger     *slog.Logger
	openUp     UpstreamOpenFunc
	hello      protocol.ClientHello
	sessionID  string
	requestID  string
	memory     ConversationLog
	metrics    MetricsSink
	latency    *LatencyTracker
	debugAudio io.Writer
	cfg        Config
	startTime  time.Time
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	state       atomic.Int32
	drainReason atomic.Value // string
	flushOnce   sync.Once

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	outboundOnce     sync.Once

	playback           *PlaybackManager
	cancelledPlaybacks atomic.Value // cancelledPlaybackState
	playbackCounter    atomic.Int64

	binaryOut bool

	framesIn  atomic.Int64
	framesOut atomic.Int64
	bytesIn   atomic.Int64
	bytesOut  atomic.Int64
}

type cancelledPlaybackState struct {
	set   map[string]struct{}
	order []string
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// Snapshot is a point-in-time view of one relay for introspection.
type Snapshot struct {
	ID        string
	State     State
	StartedAt time.Time
	FramesIn  int64
	FramesOut int64
	BytesIn   int64
	BytesOut  int64
}

func New(deps Dependencies) (*Relay, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("client connection is required")
	}
	if deps.OpenUpstream == nil {
		return nil, fmt.Errorf("upstream opener is required")
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.PlaybackChunkQueue <= 0 {
		deps.Config.PlaybackChunkQueue = 256
	}
	if deps.Config.DrainTimeout <= 0 {
		deps.Config.DrainTimeout = 2 * time.Second
	}
	if deps.Config.FlushTimeout <= 0 {
		deps.Config.FlushTimeout = 3 * time.Second
	}
	if deps.Config.MaxAudioFrameBytes <= 0 {
		deps.Config.MaxAudioFrameBytes = 64 * 1024
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Relay{
		conn:             deps.Conn,
		logger:           deps.Logger.With("session_id", deps.SessionID),
		openUp:           deps.OpenUpstream,
		hello:            deps.Hello,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		memory:           deps.Memory,
		metrics:          deps.Metrics,
		latency:          deps.Latency,
		debugAudio:       deps.DebugAudio,
		cfg:              deps.Config,
		startTime:        deps.StartTime,
		now:              deps.Now,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, outboundPriorityQueueSize),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		playback:         NewPlaybackManager(),
		binaryOut:        strings.TrimSpace(deps.Hello.Features.AudioTransport) == protocol.AudioTransportBinary,
	}
	s.cancelledPlaybacks.Store(cancelledPlaybackState{set: make(map[string]struct{})})
	s.drainReason.Store("")
	return s, nil
}

func (s *Relay) State() State {
	return State(s.state.Load())
}

func (s *Relay) Snapshot() Snapshot {
	return Snapshot{
		ID:        s.sessionID,
		State:     s.State(),
		StartedAt: s.startTime,
		FramesIn:  s.framesIn.Load(),
		FramesOut: s.framesOut.Load(),
		BytesIn:   s.bytesIn.Load(),
		BytesOut:  s.bytesOut.Load(),
	}
}

// beginDrain performs the single Relaying (or Connecting) to Draining
// transition. Only the first caller wins; later reasons are ignored.
func (s *Relay) beginDrain(reason string) bool {
	for {
		cur := s.state.Load()
		if cur >= int32(StateDraining) {
			return false
		}
		if s.state.CompareAndSwap(cur, int32(StateDraining)) {
			s.drainReason.Store(reason)
			return true
		}
	}
}

// Run owns the whole session lifecycle and returns once the relay is
// closed. The returned error describes an abnormal teardown; a clean
// client- or upstream-initiated close returns nil.
func (s *Relay) Run() error {
	defer s.cancel()

	if s.cfg.MaxJSONMessageBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxJSONMessageBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	writerErrCh := make(chan error, 1)
	go func() {
		w := &outboundWriter{
			ws:           s.conn,
			ctx:          s.ctx,
			pingInterval: s.cfg.PingInterval,
			writeTimeout: s.cfg.WriteTimeout,
			priority:     s.outboundPriority,
			normal:       s.outboundNormal,
			isCancelled:  s.isPlaybackCancelled,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	up, err := s.openUp(s.ctx)
	if err != nil {
		code := "upstream_unavailable"
		var rejected *upstream.HandshakeRejectedError
		if errors.As(err, &rejected) {
			code = "upstream_rejected"
		}
		s.logger.Error("upstream connect failed", "error", err, "code", code)
		s.recordError(code)
		_ = s.sendSessionError(code, "could not reach the speech upstream", true)
		s.beginDrain("connect_failed")
		s.drain(nil, writerErrCh)
		return err
	}

	s.state.Store(int32(StateRelaying))
	s.logger.Info("relay started",
		"request_id", s.requestID,
		"audio_in", s.hello.AudioIn.Encoding,
		"audio_out", s.hello.AudioOut.Encoding,
		"binary_out", s.binaryOut)

	if err := s.sendHelloAck(); err != nil {
		s.beginDrain("client_gone")
		s.drain(up, writerErrCh)
		return err
	}

	readCh := make(chan inboundFrame, 64)
	go s.readLoop(readCh)

	var sessionTimer *time.Timer
	if s.cfg.MaxSessionDuration > 0 {
		sessionTimer = time.NewTimer(s.cfg.MaxSessionDuration)
		defer sessionTimer.Stop()
	}
	sessionTimerCh := func() <-chan time.Time {
		if sessionTimer == nil {
			return nil
		}
		return sessionTimer.C
	}

	limiter := newInboundAudioLimiter(s.now, s.cfg.MaxAudioFPS, s.cfg.MaxAudioBytesPerSecond, s.cfg.InboundBurstSeconds)
	upCodec := protocol.Codec{
		Transport:    protocol.AudioTransportBase64JSON,
		SampleRateHz: s.hello.AudioOut.SampleRateHz,
		Channels:     s.hello.AudioOut.Channels,
	}

	var runErr error
	rs := &relayState{up: up, limiter: limiter, upCodec: upCodec}

relaying:
	for {
		select {
		case <-s.ctx.Done():
			s.beginDrain("cancelled")
			break relaying
		case werr := <-writerErrCh:
			// Writer death means the client socket is unusable.
			if werr != nil {
				s.logger.Warn("client write failed", "error", werr)
			}
			s.beginDrain("client_gone")
			s.drainFinalize(up)
			return runErr
		case <-sessionTimerCh():
			_ = s.sendSessionError("session_timeout", "maximum session duration reached", true)
			s.beginDrain("session_timeout")
			break relaying
		case frame, ok := <-readCh:
			if !ok || frame.err != nil {
				// Client leg completed first; the upstream leg is torn
				// down during drain.
				s.beginDrain("client_closed")
				break relaying
			}
			if err := s.handleInbound(rs, frame); err != nil {
				runErr = errors.Join(runErr, nonDrainErr(err))
				break relaying
			}
		case msg, ok := <-up.Messages():
			if !ok {
				_ = s.sendSessionError("upstream_closed", "speech upstream closed the connection", true)
				s.recordError("upstream_closed")
				if reason := up.CloseReason(); reason != "" {
					s.logger.Warn("upstream leg completed", "close_reason", reason)
				}
				s.beginDrain("upstream_closed")
				break relaying
			}
			if err := s.handleUpstream(rs, msg); err != nil {
				runErr = errors.Join(runErr, nonDrainErr(err))
				break relaying
			}
		}
	}

	s.drain(up, writerErrCh)
	return runErr
}

// errDrain signals a handled condition that ends relaying without being an
// abnormal session outcome.
var errDrain = errors.New("drain requested")

func nonDrainErr(err error) error {
	if errors.Is(err, errDrain) {
		return nil
	}
	return err
}

// relayState is the per-run mutable relay bookkeeping, touched only by the
// Run goroutine.
type relayState struct {
	up      UpstreamConn
	limiter *inboundAudioLimiter
	upCodec protocol.Codec

	inboundSeq        int64
	awaitingFinal     bool
	currentPlaybackID string
	currentStream     *playbackStream
}

func (s *Relay) handleInbound(rs *relayState, frame inboundFrame) error {
	switch frame.messageType {
	case websocket.TextMessage:
		msg, decErr := protocol.DecodeClientMessage(frame.data)
		if decErr != nil {
			return s.failInboundLeg(decErr)
		}
		switch m := msg.(type) {
		case protocol.ClientAudioFrame:
			audio, err := base64.StdEncoding.DecodeString(m.DataB64)
			if err != nil {
				return s.failInboundLeg(&protocol.DecodeError{Code: "bad_request", Message: "invalid audio_frame.data_b64"})
			}
			return s.forwardClientAudio(rs, audio, m.Seq)
		case protocol.ClientControl:
			switch m.Op {
			case "interrupt":
				s.bargeIn(rs, "client_interrupt")
				return nil
			case "end_session":
				s.beginDrain("client_request")
				return errDrain
			}
			return nil
		case protocol.ClientHello:
			return s.failInboundLeg(&protocol.DecodeError{Code: "bad_request", Message: "hello is only valid as the first message"})
		default:
			return nil
		}
	case websocket.BinaryMessage:
		if strings.TrimSpace(s.hello.Features.AudioTransport) != protocol.AudioTransportBinary {
			return s.failInboundLeg(&protocol.DecodeError{Code: "bad_request", Message: "binary frames are not negotiated"})
		}
		return s.forwardClientAudio(rs, frame.data, 0)
	default:
		return nil
	}
}

func (s *Relay) forwardClientAudio(rs *relayState, audio []byte, seq int64) error {
	if len(audio) > s.cfg.MaxAudioFrameBytes {
		return s.failInboundLeg(&protocol.DecodeError{Code: "bad_request", Message: "audio frame exceeds max size"})
	}
	if !rs.limiter.Allow(len(audio)) {
		s.recordError("rate_limited")
		return s.failInboundLeg(&protocol.DecodeError{Code: "rate_limited", Message: "inbound audio rate limit exceeded"})
	}

	rs.inboundSeq++
	if seq > 0 {
		rs.inboundSeq = seq
	}
	if !rs.awaitingFinal {
		rs.awaitingFinal = true
		s.latency.Start(s.sessionID, stageTranscript)
	}

	if s.debugAudio != nil {
		// Best effort; a broken debug sink must never affect the relay.
		if _, err := s.debugAudio.Write(audio); err != nil {
			s.logger.Debug("debug audio sink write failed", "error", err)
			s.debugAudio = nil
		}
	}

	if err := rs.up.SendFrame(&protocol.AudioFrame{Data: audio, SampleRateHz: s.hello.AudioIn.SampleRateHz, Channels: s.hello.AudioIn.Channels, Seq: rs.inboundSeq}); err != nil {
		s.logger.Warn("upstream audio write failed", "error", err)
		s.recordError("upstream_write")
		_ = s.sendSessionError("upstream_closed", "could not forward audio upstream", true)
		s.beginDrain("upstream_write_failed")
		return errDrain
	}

	s.framesIn.Add(1)
	s.bytesIn.Add(int64(len(audio)))
	if s.metrics != nil {
		s.metrics.RecordAudio("in", len(audio))
		s.metrics.RecordFrame("in", "audio")
	}
	return nil
}

// failInboundLeg reports a client protocol violation and ends relaying.
// Outbound frames already queued still reach the client during drain.
func (s *Relay) failInboundLeg(decErr error) error {
	code := "bad_request"
	var de *protocol.DecodeError
	if errors.As(decErr, &de) {
		code = de.Code
	}
	s.recordError(code)
	s.logger.Warn("inbound frame rejected", "code", code, "error", decErr)
	_ = s.sendSessionError(code, decErr.Error(), true)
	s.beginDrain("protocol_error")
	return errDrain
}

func (s *Relay) handleUpstream(rs *relayState, msg upstream.Message) error {
	decoded, err := rs.upCodec.DecodeFrame(msg.Binary, msg.Data)
	if err != nil {
		s.recordError("upstream_malformed")
		s.logger.Warn("upstream frame rejected", "error", err)
		_ = s.sendSessionError("upstream_closed", "speech upstream sent an unreadable frame", true)
		s.beginDrain("upstream_protocol_error")
		return errDrain
	}

	switch ev := decoded.(type) {
	case *protocol.AudioFrame:
		s.streamAssistantAudio(rs, "", ev.Data)
		return nil
	case *protocol.ControlEvent:
		return s.handleUpstreamEvent(rs, ev)
	default:
		return nil
	}
}

func (s *Relay) handleUpstreamEvent(rs *relayState, ev *protocol.ControlEvent) error {
	switch ev.Kind {
	case protocol.KindTranscriptPartial:
		if !s.hello.Features.WantPartialTranscripts {
			return nil
		}
		s.sendTranscript(ev.ItemID, ev.Text, false)
		return nil

	case protocol.KindTranscriptFinal:
		s.sendTranscript(ev.ItemID, ev.Text, true)
		rs.awaitingFinal = false
		s.latency.Stop(s.sessionID, stageTranscript, s.metrics)
		s.latency.Start(s.sessionID, stageResponse)
		if s.memory != nil && strings.TrimSpace(ev.Text) != "" {
			s.memory.Append("user", ev.Text)
		}
		return nil

	case protocol.KindAudioChunk:
		if ev.Audio != nil {
			s.streamAssistantAudio(rs, ev.ItemID, ev.Audio.Data)
		}
		return nil

	case protocol.KindResponseDone:
		s.latency.Stop(s.sessionID, stageResponse, s.metrics)
		if s.memory != nil && strings.TrimSpace(ev.Text) != "" {
			s.memory.Append("assistant", ev.Text)
		}
		if rs.currentStream != nil {
			rs.currentStream.finish()
			rs.currentStream = nil
			rs.currentPlaybackID = ""
		}
		return nil

	case protocol.KindSpeechInterrupted:
		s.bargeIn(rs, "barge_in")
		return nil

	case protocol.KindError:
		s.recordError("upstream_error")
		s.logger.Warn("upstream error event", "code", ev.Code, "message", ev.Text)
		if err := s.sendJSON(protocol.ServerError{Type: "error", Scope: "upstream", Code: ev.Code, Message: ev.Text}, true, "", false); err != nil {
			s.beginDrain("client_gone")
			return errDrain
		}
		return nil

	case protocol.KindSessionConfig:
		s.logger.Debug("upstream session update", "bytes", len(ev.Raw))
		return nil

	case protocol.KindPassthrough:
		// Unknown upstream envelopes are relayed verbatim.
		if err := s.enqueue(outboundFrame{textPayload: ev.Raw}, false); err != nil {
			if errors.Is(err, errBackpressure) {
				s.logger.Debug("passthrough frame dropped on backpressure")
				return nil
			}
			s.beginDrain("client_gone")
			return errDrain
		}
		s.framesOut.Add(1)
		if s.metrics != nil {
			s.metrics.RecordFrame("out", "passthrough")
		}
		return nil

	default:
		return nil
	}
}

func (s *Relay) sendTranscript(itemID, text string, final bool) {
	if strings.TrimSpace(text) == "" {
		return
	}
	err := s.sendJSON(protocol.ServerTranscriptDelta{
		Type:        "transcript_delta",
		UtteranceID: itemID,
		IsFinal:     final,
		Text:        text,
		TimestampMS: s.now().Sub(s.startTime).Milliseconds(),
	}, false, "", false)
	if err != nil && errors.Is(err, errBackpressure) {
		s.logger.Debug("transcript dropped on backpressure", "final", final)
		return
	}
	s.framesOut.Add(1)
	if s.metrics != nil {
		s.metrics.RecordFrame("out", "transcript")
	}
}

// streamAssistantAudio routes one synthesized chunk into the current
// playback task, starting a new task on the first chunk of a reply.
func (s *Relay) streamAssistantAudio(rs *relayState, itemID string, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	if rs.currentStream == nil {
		id := fmt.Sprintf("pb_%d", s.playbackCounter.Add(1))
		stream := newPlaybackStream(s.cfg.PlaybackChunkQueue)
		rs.currentPlaybackID = id
		rs.currentStream = stream
		s.startPlayback(id, itemID, stream)
	}

	if !rs.currentStream.push(chunk) {
		// The client cannot keep up with synthesized audio. Drop the
		// rest of this reply rather than stall the relay.
		s.recordError("backpressure")
		s.logger.Warn("playback chunk queue full", "playback_id", rs.currentPlaybackID)
		s.cancelPlayback(rs, "backpressure")
	}
}

func (s *Relay) startPlayback(id, itemID string, stream *playbackStream) {
	_ = s.sendJSON(protocol.ServerAssistantAudioStart{
		Type:             "assistant_audio_start",
		AssistantAudioID: id,
		Format:           s.hello.AudioOut,
	}, false, id, true)

	var seq atomic.Int64
	send := func(chunk []byte) error {
		n := seq.Add(1)
		s.framesOut.Add(1)
		s.bytesOut.Add(int64(len(chunk)))
		if s.metrics != nil {
			s.metrics.RecordAudio("out", len(chunk))
			s.metrics.RecordFrame("out", "audio")
		}
		if s.binaryOut {
			header, err := json.Marshal(protocol.ServerAssistantAudioChunk{
				Type:             "assistant_audio_chunk_header",
				AssistantAudioID: id,
				Seq:              n,
			})
			if err != nil {
				return err
			}
			return s.enqueue(outboundFrame{
				isPlaybackAudio: true,
				playbackID:      id,
				binaryPair:      &binaryPair{header: header, data: chunk},
			}, false)
		}
		return s.sendJSON(protocol.ServerAssistantAudioChunk{
			Type:             "assistant_audio_chunk",
			AssistantAudioID: id,
			Seq:              n,
			AudioB64:         base64.StdEncoding.EncodeToString(chunk),
		}, false, id, true)
	}

	onComplete := func(outcome PlaybackOutcome) {
		if s.metrics != nil {
			s.metrics.RecordPlaybackOutcome(string(outcome))
		}
		switch outcome {
		case PlaybackCompleted:
			_ = s.sendJSON(protocol.ServerAssistantAudioEnd{
				Type:             "assistant_audio_end",
				AssistantAudioID: id,
			}, false, id, true)
		case PlaybackCancelled:
			// Cancellation is a normal outcome; the audio_reset already
			// told the client to flush its buffer.
		case PlaybackFailed:
			s.recordError("playback_failed")
			s.logger.Warn("playback task failed", "playback_id", id, "item_id", itemID)
		}
	}

	s.playback.Start(s.ctx, id, stream, send, onComplete)
}

// bargeIn cancels every in-flight playback task and tells the client to
// flush buffered assistant audio. Repeated calls are harmless.
func (s *Relay) bargeIn(rs *relayState, reason string) {
	active := s.playback.ActiveIDs()
	for _, id := range active {
		s.markPlaybackCancelled(id)
	}
	s.playback.CancelAll()

	resetID := rs.currentPlaybackID
	if rs.currentStream != nil {
		rs.currentStream.finish()
		rs.currentStream = nil
		rs.currentPlaybackID = ""
	}
	if len(active) == 0 && resetID == "" {
		return
	}
	_ = s.sendJSON(protocol.ServerAudioReset{
		Type:             "audio_reset",
		Reason:           reason,
		AssistantAudioID: resetID,
	}, true, "", false)
	s.logger.Info("barge-in", "reason", reason, "cancelled_tasks", len(active))
}

func (s *Relay) cancelPlayback(rs *relayState, reason string) {
	if rs.currentPlaybackID == "" {
		return
	}
	s.markPlaybackCancelled(rs.currentPlaybackID)
	_ = s.sendJSON(protocol.ServerAudioReset{
		Type:             "audio_reset",
		Reason:           reason,
		AssistantAudioID: rs.currentPlaybackID,
	}, true, "", false)
	s.playback.CancelAll()
	if rs.currentStream != nil {
		rs.currentStream.finish()
	}
	rs.currentStream = nil
	rs.currentPlaybackID = ""
}

// drain runs the teardown sequence exactly once: stop playback, flush the
// conversation log, close the upstream, then let the writer empty its
// queues before the socket closes.
func (s *Relay) drain(up UpstreamConn, writerErrCh <-chan error) {
	s.beginDrain("teardown")

	s.playback.CancelAll()
	s.playback.Wait()

	s.flushMemory()

	if up != nil {
		_ = up.Close()
	}

	s.outboundOnce.Do(func() {
		close(s.outboundPriority)
		close(s.outboundNormal)
	})

	if writerErrCh != nil {
		timer := time.NewTimer(s.cfg.DrainTimeout)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
			s.logger.Warn("writer did not drain in time")
		}
	}

	s.cancel()
	s.latency.DropSession(s.sessionID)
	s.state.Store(int32(StateClosed))
	_ = s.conn.Close()

	reason, _ := s.drainReason.Load().(string)
	s.logger.Info("relay closed",
		"reason", reason,
		"duration", s.now().Sub(s.startTime).Round(time.Millisecond),
		"frames_in", s.framesIn.Load(),
		"frames_out", s.framesOut.Load())
}

// drainFinalize is the teardown path for a dead client socket, where the
// writer is already gone and its queues must not be flushed.
func (s *Relay) drainFinalize(up UpstreamConn) {
	s.playback.CancelAll()
	s.playback.Wait()
	s.flushMemory()
	if up != nil {
		_ = up.Close()
	}
	s.outboundOnce.Do(func() {
		close(s.outboundPriority)
		close(s.outboundNormal)
	})
	s.cancel()
	s.latency.DropSession(s.sessionID)
	s.state.Store(int32(StateClosed))
	_ = s.conn.Close()
}

func (s *Relay) flushMemory() {
	if s.memory == nil {
		return
	}
	s.flushOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
		defer cancel()
		if err := s.memory.Flush(ctx); err != nil {
			s.recordError("memory_flush")
			s.logger.Warn("conversation flush failed", "error", err)
		}
	})
}

// Shutdown asks a running relay to drain and close. Safe to call from any
// goroutine, any number of times, at any lifecycle point.
func (s *Relay) Shutdown(reason string) {
	s.beginDrain(reason)
	s.cancel()
}

// DrainReason reports why the relay left the relaying state.
func (s *Relay) DrainReason() string {
	reason, _ := s.drainReason.Load().(string)
	return reason
}

func (s *Relay) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-s.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Relay) sendHelloAck() error {
	transport := strings.TrimSpace(s.hello.Features.AudioTransport)
	if transport == "" {
		transport = protocol.AudioTransportBase64JSON
	}
	ack := protocol.ServerHelloAck{
		Type:            "hello_ack",
		ProtocolVersion: protocol.ProtocolVersion1,
		SessionID:       s.sessionID,
		AudioIn:         s.hello.AudioIn,
		AudioOut:        s.hello.AudioOut,
		Features:        protocol.HelloAckFeatures{AudioTransport: transport},
		Limits: &protocol.HelloAckLimits{
			MaxAudioFrameBytes:  s.cfg.MaxAudioFrameBytes,
			MaxJSONMessageBytes: int(s.cfg.MaxJSONMessageBytes),
			MaxAudioFPS:         s.cfg.MaxAudioFPS,
			MaxAudioBPS:         s.cfg.MaxAudioBytesPerSecond,
		},
	}
	return s.sendJSON(ack, true, "", false)
}

func (s *Relay) sendSessionError(code, message string, closing bool) error {
	return s.sendJSON(protocol.ServerError{
		Type:    "error",
		Scope:   "session",
		Code:    code,
		Message: message,
		Close:   closing,
	}, true, "", false)
}

func (s *Relay) sendJSON(v any, priority bool, playbackID string, isPlaybackAudio bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueue(outboundFrame{
		isPlaybackAudio: isPlaybackAudio,
		playbackID:      playbackID,
		textPayload:     data,
	}, priority)
}

func (s *Relay) enqueue(frame outboundFrame, priority bool) error {
	ch := s.outboundNormal
	if priority {
		ch = s.outboundPriority
	}
	select {
	case <-s.ctx.Done():
		return s.ctx.Err()
	default:
	}
	select {
	case ch <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *Relay) recordError(code string) {
	if s.metrics != nil {
		s.metrics.RecordError(code)
	}
}

func (s *Relay) markPlaybackCancelled(id string) {
	id = strings.TrimSpace(id)
	if id == "" {
		return
	}
	cur, _ := s.cancelledPlaybacks.Load().(cancelledPlaybackState)
	if _, ok := cur.set[id]; ok {
		return
	}
	next := cancelledPlaybackState{
		set:   make(map[string]struct{}, len(cur.set)+1),
		order: make([]string, 0, len(cur.order)+1),
	}
	for _, old := range cur.order {
		next.set[old] = struct{}{}
		next.order = append(next.order, old)
	}
	next.set[id] = struct{}{}
	next.order = append(next.order, id)
	for len(next.order) > maxCancelledPlaybackIDs {
		drop := next.order[0]
		next.order = next.order[1:]
		delete(next.set, drop)
	}
	s.cancelledPlaybacks.Store(next)
}

func (s *Relay) isPlaybackCancelled(id string) bool {
	cur, _ := s.cancelledPlaybacks.Load().(cancelledPlaybackState)
	_, ok := cur.set[strings.TrimSpace(id)]
	return ok
}

// playbackStream adapts the per-chunk push model of the relay loop to the
// pull model of PlaybackSource. push and finish are called only from the
// Run goroutine.
type playbackStream struct {
	ch       chan []byte
	doneOnce sync.Once
}

func newPlaybackStream(queue int) *playbackStream {
	if queue <= 0 {
		queue = 256
	}
	return &playbackStream{ch: make(chan []byte, queue)}
}

func (p *playbackStream) push(chunk []byte) bool {
	select {
	case p.ch <- chunk:
		return true
	default:
		return false
	}
}

func (p *playbackStream) finish() {
	p.doneOnce.Do(func() { close(p.ch) })
}

func (p *playbackStream) NextChunk(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-p.ch:
		if !ok {
			return nil, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
