package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	AudioTransportBinary     = "binary"
	AudioTransportBase64JSON = "base64_json"
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

func malformed(message string) *DecodeError {
	return &DecodeError{Code: "malformed_frame", Message: message}
}

// IsMalformed reports whether err is a frame-level decode failure. Callers
// must treat the connection as faulted when it returns true; partial frames
// are never forwarded.
func IsMalformed(err error) bool {
	de, ok := err.(*DecodeError)
	return ok && de != nil && de.Code == "malformed_frame"
}

// AudioFormat describes the negotiated audio shape for one direction.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

// AudioFrame is the internal uniform representation of one audio chunk.
// Immutable once constructed. Seq and TimestampMS are diagnostic only; the
// transport already guarantees ordering.
type AudioFrame struct {
	Data         []byte
	SampleRateHz int
	Channels     int
	Seq          int64
	TimestampMS  int64
}

type EventKind string

const (
	KindSessionConfig     EventKind = "session_config"
	KindTranscriptPartial EventKind = "transcript_partial"
	KindTranscriptFinal   EventKind = "transcript_final"
	KindSpeechInterrupted EventKind = "speech_interrupted"
	KindResponseDone      EventKind = "response_done"
	KindError             EventKind = "error"
	KindAudioChunk        EventKind = "audio_chunk"
	KindPassthrough       EventKind = "passthrough"
)

// ControlEvent is a decoded wire envelope. Raw always carries the original
// payload so passthrough relaying never re-serializes.
type ControlEvent struct {
	Kind    EventKind
	Raw     []byte
	ItemID  string
	Text    string
	Code    string
	Audio   *AudioFrame
	Session json.RawMessage
}

// Codec converts between one connection's wire framing and the internal
// representation. The audio transport is a property of the connection, not
// of individual frames.
type Codec struct {
	Transport    string
	SampleRateHz int
	Channels     int
}

// DecodeFrame converts a raw websocket frame into an *AudioFrame or a
// *ControlEvent. Binary frames decode directly to audio. Textual frames are
// parsed as JSON; a parse failure is a malformed_frame DecodeError and the
// connection must be faulted.
func (c Codec) DecodeFrame(binary bool, data []byte) (any, error) {
	if binary {
		return &AudioFrame{
			Data:         append([]byte(nil), data...),
			SampleRateHz: c.SampleRateHz,
			Channels:     c.Channels,
		}, nil
	}

	var envelope struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
		Seq   int64  `json:"seq"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, malformed("invalid json frame")
	}

	// A textual envelope carrying an audio field is base64-framed audio.
	// This is the required encoding for JSON-only peers.
	if strings.TrimSpace(envelope.Audio) != "" {
		raw, err := base64.StdEncoding.DecodeString(envelope.Audio)
		if err != nil {
			return nil, malformed("invalid base64 audio payload")
		}
		return &AudioFrame{
			Data:         raw,
			SampleRateHz: c.SampleRateHz,
			Channels:     c.Channels,
			Seq:          envelope.Seq,
		}, nil
	}

	return decodeControlEvent(envelope.Type, data)
}

// EncodeAudio is the inverse of DecodeFrame for audio: raw binary or a
// base64 append envelope, chosen by the connection's transport.
func (c Codec) EncodeAudio(frame *AudioFrame) (binary bool, data []byte, err error) {
	if frame == nil {
		return false, nil, fmt.Errorf("nil audio frame")
	}
	if c.Transport == AudioTransportBinary {
		return true, frame.Data, nil
	}
	payload := AudioAppend{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(frame.Data),
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return false, nil, err
	}
	return false, out, nil
}

// AudioAppend is the JSON audio framing accepted by upstreams that take
// only JSON-framed audio, never raw binary.
type AudioAppend struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

// SessionConfig is the mandatory first envelope on an upstream connection.
// No audio may be appended before it is sent.
type SessionConfig struct {
	Type    string          `json:"type"`
	Session json.RawMessage `json:"session"`
}

func NewSessionConfig(session any) (SessionConfig, error) {
	raw, err := json.Marshal(session)
	if err != nil {
		return SessionConfig{}, err
	}
	return SessionConfig{Type: "transcription_session.update", Session: raw}, nil
}

func decodeControlEvent(typ string, data []byte) (*ControlEvent, error) {
	typ = strings.TrimSpace(typ)
	if typ == "" {
		return nil, malformed("missing type")
	}
	raw := append([]byte(nil), data...)

	switch typ {
	case "transcription_session.update", "transcription_session.created", "transcription_session.updated", "session.created", "session.updated":
		var msg SessionConfig
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid session config envelope")
		}
		return &ControlEvent{Kind: KindSessionConfig, Raw: raw, Session: msg.Session}, nil

	case "conversation.item.input_audio_transcription.delta":
		var msg struct {
			ItemID string `json:"item_id"`
			Delta  string `json:"delta"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid transcription delta")
		}
		return &ControlEvent{Kind: KindTranscriptPartial, Raw: raw, ItemID: msg.ItemID, Text: msg.Delta}, nil

	case "conversation.item.input_audio_transcription.completed":
		var msg struct {
			ItemID     string `json:"item_id"`
			Transcript string `json:"transcript"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid transcription completed envelope")
		}
		return &ControlEvent{Kind: KindTranscriptFinal, Raw: raw, ItemID: msg.ItemID, Text: msg.Transcript}, nil

	case "input_audio_buffer.speech_started":
		var msg struct {
			ItemID string `json:"item_id"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid speech_started envelope")
		}
		return &ControlEvent{Kind: KindSpeechInterrupted, Raw: raw, ItemID: msg.ItemID}, nil

	case "response.output_audio.delta", "response.audio.delta":
		var msg struct {
			ItemID string `json:"item_id"`
			Delta  string `json:"delta"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid audio delta envelope")
		}
		audio, err := base64.StdEncoding.DecodeString(msg.Delta)
		if err != nil {
			return nil, malformed("invalid base64 audio delta")
		}
		return &ControlEvent{Kind: KindAudioChunk, Raw: raw, ItemID: msg.ItemID, Audio: &AudioFrame{Data: audio}}, nil

	case "response.done":
		var msg struct {
			Response struct {
				ID     string `json:"id"`
				Output []struct {
					Content []struct {
						Type       string `json:"type"`
						Text       string `json:"text"`
						Transcript string `json:"transcript"`
					} `json:"content"`
				} `json:"output"`
			} `json:"response"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid response.done envelope")
		}
		var b strings.Builder
		for _, out := range msg.Response.Output {
			for _, block := range out.Content {
				text := block.Text
				if text == "" {
					text = block.Transcript
				}
				if text == "" {
					continue
				}
				if b.Len() > 0 {
					b.WriteString(" ")
				}
				b.WriteString(text)
			}
		}
		return &ControlEvent{Kind: KindResponseDone, Raw: raw, ItemID: msg.Response.ID, Text: b.String()}, nil

	case "error":
		var msg struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, malformed("invalid error envelope")
		}
		code := msg.Error.Code
		if code == "" {
			code = msg.Code
		}
		text := msg.Error.Message
		if text == "" {
			text = msg.Message
		}
		return &ControlEvent{Kind: KindError, Raw: raw, Code: code, Text: text}, nil

	default:
		return &ControlEvent{Kind: KindPassthrough, Raw: raw}, nil
	}
}
