// Package upstream defines the vendor-neutral boundary to the hosted
// generative endpoints: the realtime bidirectional audio/text session and the
// stateless image-edit call. Concrete implementations live in subpackages.
package upstream

import (
	"context"
)

// AudioInSampleRateHz and AudioOutSampleRateHz are fixed by the hosted
// realtime endpoint: 16 kHz mono PCM in, 24 kHz mono PCM out.
const (
	AudioInSampleRateHz  = 16000
	AudioOutSampleRateHz = 24000
)

// ToolParam declares one argument of a function tool. Type is a JSON-schema
// primitive ("string", "integer", "number", "boolean").
type ToolParam struct {
	Name        string
	Type        string
	Description string
	Required    bool
}

// ToolDecl declares a function tool offered to the realtime model.
type ToolDecl struct {
	Name        string
	Description string
	Params      []ToolParam
}

// SessionConfig configures a realtime connection.
type SessionConfig struct {
	Model     string
	System    string
	VoiceName string
	Tools     []ToolDecl
}

// Event is a typed frame received from the realtime connection.
type Event interface {
	eventType() string
}

// TranscriptSource says whose speech a transcription covers.
type TranscriptSource string

const (
	TranscriptInput  TranscriptSource = "input"  // the user's microphone audio
	TranscriptOutput TranscriptSource = "output" // the assistant's synthesized speech
)

// TranscriptEvent carries a transcription delta.
type TranscriptEvent struct {
	Source TranscriptSource
	Text   string
	Final  bool
}

func (e TranscriptEvent) eventType() string { return "transcript" }

// AudioChunkEvent carries one decoded chunk of assistant speech.
type AudioChunkEvent struct {
	Data         []byte
	SampleRateHz int
}

func (e AudioChunkEvent) eventType() string { return "audio_chunk" }

// TurnCompleteEvent marks the end of an assistant turn.
type TurnCompleteEvent struct{}

func (e TurnCompleteEvent) eventType() string { return "turn_complete" }

// InterruptedEvent signals that the model dropped the in-flight turn because
// the user spoke over it. Queued playback is stale once this arrives.
type InterruptedEvent struct{}

func (e InterruptedEvent) eventType() string { return "interrupted" }

// ToolCallEvent is a function call the model wants answered.
type ToolCallEvent struct {
	ID   string
	Name string
	Args map[string]any
}

func (e ToolCallEvent) eventType() string { return "tool_call" }

// GoAwayEvent warns that the vendor will drop the connection shortly.
type GoAwayEvent struct {
	TimeLeft string
}

func (e GoAwayEvent) eventType() string { return "go_away" }

// Conn is a live realtime session. Events() closes when the connection ends;
// Err() reports the terminal error, if any, once Events() is closed.
type Conn interface {
	SendAudio(pcm []byte) error
	SendText(text string) error
	SendToolResult(id, name string, payload map[string]any) error
	Events() <-chan Event
	Err() error
	Close() error
}

// Dialer opens realtime connections.
type Dialer interface {
	Dial(ctx context.Context, cfg SessionConfig) (Conn, error)
}

// EditRequest asks the image model to rework one media payload.
type EditRequest struct {
	Data     []byte
	MIMEType string
	Prompt   string
}

// EditResult is the edited payload plus any narration the model produced.
type EditResult struct {
	Data     []byte
	MIMEType string
	Text     string
}

// ImageModel is the stateless request/response image-edit endpoint.
type ImageModel interface {
	EditImage(ctx context.Context, req EditRequest) (EditResult, error)
}
