package protocol

import (
	"encoding/json"
	"strings"
)

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type HelloFeatures struct {
	AudioTransport         string `json:"audio_transport,omitempty"`
	WantPartialTranscripts bool   `json:"want_partial_transcripts,omitempty"`
	WantAssistantText      bool   `json:"want_assistant_text,omitempty"`
}

type ClientHello struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Client          HelloClient   `json:"client,omitempty"`
	AudioIn         AudioFormat   `json:"audio_in"`
	AudioOut        AudioFormat   `json:"audio_out"`
	Features        HelloFeatures `json:"features,omitempty"`
}

type ClientAudioFrame struct {
	Type        string `json:"type"`
	Seq         int64  `json:"seq,omitempty"`
	TimestampMS *int64 `json:"timestamp_ms,omitempty"`
	DataB64     string `json:"data_b64"`
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// DecodeClientMessage parses one downstream text frame into a typed client
// message. Binary frames never reach this path; they decode straight to
// audio via Codec.DecodeFrame.
func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, malformed("invalid json frame")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type", "type")
	}

	switch typ {
	case "hello":
		var msg ClientHello
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid hello frame", "")
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil
	case "audio_frame":
		var msg ClientAudioFrame
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid audio_frame", "")
		}
		if strings.TrimSpace(msg.DataB64) == "" {
			return nil, badRequest("audio_frame.data_b64 is required", "data_b64")
		}
		return msg, nil
	case "control":
		var msg ClientControl
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid control", "")
		}
		op := strings.TrimSpace(msg.Op)
		if op == "" {
			return nil, badRequest("control.op is required", "op")
		}
		switch op {
		case "interrupt", "end_session":
		default:
			return nil, unsupported("unsupported control operation", "op")
		}
		msg.Op = op
		return msg, nil
	default:
		return nil, badRequest("unsupported message type", "type")
	}
}

func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if strings.TrimSpace(msg.AudioIn.Encoding) == "" {
		return badRequest("hello.audio_in.encoding is required", "audio_in.encoding")
	}
	if msg.AudioIn.SampleRateHz <= 0 {
		return badRequest("hello.audio_in.sample_rate_hz must be > 0", "audio_in.sample_rate_hz")
	}
	if msg.AudioIn.Channels <= 0 {
		return badRequest("hello.audio_in.channels must be > 0", "audio_in.channels")
	}
	if strings.TrimSpace(msg.AudioOut.Encoding) == "" {
		return badRequest("hello.audio_out.encoding is required", "audio_out.encoding")
	}
	if msg.AudioOut.SampleRateHz <= 0 {
		return badRequest("hello.audio_out.sample_rate_hz must be > 0", "audio_out.sample_rate_hz")
	}
	if msg.AudioOut.Channels <= 0 {
		return badRequest("hello.audio_out.channels must be > 0", "audio_out.channels")
	}

	transport := strings.TrimSpace(msg.Features.AudioTransport)
	switch transport {
	case "", AudioTransportBinary, AudioTransportBase64JSON:
		return nil
	default:
		return unsupported("unsupported audio transport", "features.audio_transport")
	}
}

type HelloAckFeatures struct {
	AudioTransport string `json:"audio_transport"`
}

type HelloAckLimits struct {
	MaxAudioFrameBytes  int   `json:"max_audio_frame_bytes"`
	MaxJSONMessageBytes int   `json:"max_json_message_bytes"`
	MaxAudioFPS         int   `json:"max_audio_fps,omitempty"`
	MaxAudioBPS         int64 `json:"max_audio_bps,omitempty"`
}

type ServerHelloAck struct {
	Type            string           `json:"type"`
	ProtocolVersion string           `json:"protocol_version"`
	SessionID       string           `json:"session_id"`
	AudioIn         AudioFormat      `json:"audio_in"`
	AudioOut        AudioFormat      `json:"audio_out"`
	Features        HelloAckFeatures `json:"features"`
	Limits          *HelloAckLimits  `json:"limits,omitempty"`
}

type ServerError struct {
	Type    string `json:"type"`
	Scope   string `json:"scope,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Close   bool   `json:"close,omitempty"`
}

type ServerTranscriptDelta struct {
	Type        string `json:"type"`
	UtteranceID string `json:"utterance_id"`
	IsFinal     bool   `json:"is_final"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp_ms,omitempty"`
}

type ServerAssistantAudioStart struct {
	Type             string      `json:"type"`
	AssistantAudioID string      `json:"assistant_audio_id"`
	Format           AudioFormat `json:"format"`
	Text             string      `json:"text,omitempty"`
}

type ServerAssistantAudioChunk struct {
	Type             string `json:"type"`
	AssistantAudioID string `json:"assistant_audio_id"`
	Seq              int64  `json:"seq"`
	AudioB64         string `json:"audio_b64,omitempty"`
}

type ServerAssistantAudioEnd struct {
	Type             string `json:"type"`
	AssistantAudioID string `json:"assistant_audio_id"`
}

type ServerAudioReset struct {
	Type             string `json:"type"`
	Reason           string `json:"reason"`
	AssistantAudioID string `json:"assistant_audio_id,omitempty"`
}
