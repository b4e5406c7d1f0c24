// Package protocol defines the websocket wire protocol between editing
// clients and the live gateway. Client frames are decoded strictly; unknown
// types and malformed payloads are rejected with a typed DecodeError.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ProtocolVersion1 = "1"

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

// AudioFormat describes a live audio stream shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type HelloClient struct {
	Name     string `json:"name,omitempty"`
	Version  string `json:"version,omitempty"`
	Platform string `json:"platform,omitempty"`
}

type HelloFeatures struct {
	AudioTransport         string `json:"audio_transport,omitempty"`
	SendPlaybackMarks      bool   `json:"send_playback_marks,omitempty"`
	WantPartialTranscripts bool   `json:"want_partial_transcripts,omitempty"`
	WantAssistantText      bool   `json:"want_assistant_text,omitempty"`
}

// ClientHello opens a live connection against an existing studio session.
type ClientHello struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	SessionID       string        `json:"session_id"`
	Client          HelloClient   `json:"client,omitempty"`
	AudioIn         AudioFormat   `json:"audio_in"`
	AudioOut        AudioFormat   `json:"audio_out"`
	Features        HelloFeatures `json:"features,omitempty"`
}

func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"session_id":       h.SessionID,
		"audio_in":         h.AudioIn,
		"audio_out":        h.AudioOut,
		"features":         h.Features,
	}
}

type ClientAudioFrame struct {
	Type        string `json:"type"`
	Seq         int64  `json:"seq,omitempty"`
	TimestampMS *int64 `json:"timestamp_ms,omitempty"`
	DataB64     string `json:"data_b64"`
}

type ClientPlaybackMark struct {
	Type        string `json:"type"`
	PlayedMS    int64  `json:"played_ms"`
	BufferedMS  int64  `json:"buffered_ms,omitempty"`
	State       string `json:"state,omitempty"`
	TimestampMS *int64 `json:"timestamp_ms,omitempty"`
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

// ClientEditRequest asks for a typed (non-spoken) edit of the current version.
type ClientEditRequest struct {
	Type   string `json:"type"`
	Prompt string `json:"prompt"`
}

func DecodeClientMessage(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame", "")
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
	case "playback_mark":
		var msg ClientPlaybackMark
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid playback_mark", "")
		}
		if msg.PlayedMS < 0 {
			return nil, badRequest("playback_mark.played_ms must be >= 0", "played_ms")
		}
		return msg, nil
	case "edit_request":
		var msg ClientEditRequest
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid edit_request", "")
		}
		if strings.TrimSpace(msg.Prompt) == "" {
			return nil, badRequest("edit_request.prompt is required", "prompt")
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
	if msg.ProtocolVersion != ProtocolVersion1 {
		return unsupported("unsupported protocol version", "protocol_version")
	}
	if strings.TrimSpace(msg.SessionID) == "" {
		return badRequest("hello.session_id is required", "session_id")
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
	case "", AudioTransportBase64JSON:
		return nil
	default:
		return unsupported("unsupported audio transport", "features.audio_transport")
	}
}

type HelloAckLimits struct {
	MaxAudioFrameBytes  int `json:"max_audio_frame_bytes"`
	MaxJSONMessageBytes int `json:"max_json_message_bytes"`
	MaxPromptChars      int `json:"max_prompt_chars,omitempty"`
}

type ServerHelloAck struct {
	Type            string          `json:"type"`
	ProtocolVersion string          `json:"protocol_version"`
	SessionID       string          `json:"session_id"`
	AudioIn         AudioFormat     `json:"audio_in"`
	AudioOut        AudioFormat     `json:"audio_out"`
	CurrentIndex    int             `json:"current_index"`
	VersionCount    int             `json:"version_count"`
	Limits          *HelloAckLimits `json:"limits,omitempty"`
}

type ServerError struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
	Close     bool   `json:"close,omitempty"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ServerTranscriptDelta streams recognizer text as it stabilizes. Deltas with
// the same line_index rewrite the same transcript line until is_final.
type ServerTranscriptDelta struct {
	Type        string `json:"type"`
	Role        string `json:"role"`
	LineIndex   int    `json:"line_index"`
	IsFinal     bool   `json:"is_final"`
	Text        string `json:"text"`
	TimestampMS int64  `json:"timestamp_ms,omitempty"`
}

type ServerUtteranceFinal struct {
	Type      string `json:"type"`
	Role      string `json:"role"`
	LineIndex int    `json:"line_index"`
	Text      string `json:"text"`
}

// ServerAudioChunk carries assistant speech with its scheduled start time.
// PlayAtMS values never overlap: each chunk starts where the previous one
// ends, or now if the queue has drained.
type ServerAudioChunk struct {
	Type       string `json:"type"`
	Seq        int64  `json:"seq"`
	PlayAtMS   int64  `json:"play_at_ms"`
	DurationMS int64  `json:"duration_ms"`
	DataB64    string `json:"data_b64"`
}

// ServerAudioReset tells the client to drop all queued playback immediately.
type ServerAudioReset struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type ServerVersionAdded struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	Prompt       string `json:"prompt"`
	Kind         string `json:"kind"`
	DataURI      string `json:"data_uri"`
	VersionCount int    `json:"version_count"`
}

type ServerVersionSelected struct {
	Type    string `json:"type"`
	Index   int    `json:"index"`
	Kind    string `json:"kind"`
	DataURI string `json:"data_uri"`
}

type ServerTurnComplete struct {
	Type string `json:"type"`
}
