package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type outboundFrame struct {
	isPlaybackAudio bool
	playbackID      string

	textPayload   []byte
	binaryPayload []byte
	binaryPair    *binaryPair
}

// binaryPair is a JSON header immediately followed by a binary audio frame,
// used when the client negotiated binary audio transport.
type binaryPair struct {
	header []byte
	data   []byte
}

// outboundWriter is the single goroutine allowed to write to the client
// socket. Control frames (errors, resets, transcripts) ride the priority
// lane and preempt queued playback audio; audio belonging to a cancelled
// playback is dropped at write time.
type outboundWriter struct {
	ws           wsWriter
	ctx          context.Context
	pingInterval time.Duration
	writeTimeout time.Duration
	priority     <-chan outboundFrame
	normal       <-chan outboundFrame
	isCancelled  func(playbackID string) bool
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.pingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.writeTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	var pendingNormal *outboundFrame

	for {
		if w.ctx != nil {
			select {
			case <-w.ctx.Done():
				w.drainPriorityOnShutdown(writeTimeout)
				_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
				_ = w.ws.Close()
				return nil
			default:
			}
		}

		// Anything queued on the priority lane goes out first.
		select {
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		// A held-back normal frame yields once more to a newly queued
		// priority frame before it is written.
		if pendingNormal != nil {
			select {
			case frame, ok := <-w.priority:
				if !ok {
					w.priority = nil
					continue
				}
				if err := w.writeFrame(frame, writeTimeout); err != nil {
					return err
				}
				continue
			default:
			}
			if err := w.writeFrame(*pendingNormal, writeTimeout); err != nil {
				return err
			}
			pendingNormal = nil
			continue
		}

		if w.priority == nil && w.normal == nil {
			return nil
		}

		select {
		case <-pingTicker.C:
			deadline := time.Now().Add(writeTimeout)
			if err := w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return err
			}
		case frame, ok := <-w.priority:
			if !ok {
				w.priority = nil
				continue
			}
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame, ok := <-w.normal:
			if !ok {
				w.normal = nil
				continue
			}
			pendingNormal = &frame
		}
	}
}

// drainPriorityOnShutdown gives already-queued control frames (session
// errors, audio resets) a short window to reach the client before close.
func (w *outboundWriter) drainPriorityOnShutdown(writeTimeout time.Duration) {
	if w == nil || w.ws == nil || w.priority == nil {
		return
	}

	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	if flushTimeout <= 0 {
		return
	}

	deadline := time.Now().Add(flushTimeout)
	maxFlushFrames := 8

	for i := 0; i < maxFlushFrames && time.Now().Before(deadline); i++ {
		select {
		case frame, ok := <-w.priority:
			if !ok {
				return
			}
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	if frame.isPlaybackAudio && w.isCancelled != nil && w.isCancelled(frame.playbackID) {
		return nil
	}

	deadline := time.Now().Add(writeTimeout)

	if frame.binaryPair != nil {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		if err := w.ws.WriteMessage(websocket.TextMessage, frame.binaryPair.header); err != nil {
			return err
		}
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return w.ws.WriteMessage(websocket.BinaryMessage, frame.binaryPair.data)
	}

	if len(frame.textPayload) > 0 {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return w.ws.WriteMessage(websocket.TextMessage, frame.textPayload)
	}
	if len(frame.binaryPayload) > 0 {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return w.ws.WriteMessage(websocket.BinaryMessage, frame.binaryPayload)
	}

	return nil
}
