// Package studio holds the session and media-version model for the
// voice-driven image editor: one Session per uploaded image, an append-only
// history of MediaVersions produced by edits, and the spoken transcript.
package studio

import (
	"strings"
	"time"
)

// MediaKind tags a version's payload.
type MediaKind string

const (
	MediaKindImage MediaKind = "image"
	MediaKindVideo MediaKind = "video"
)

// MediaVersion is one snapshot of the edited media plus the prompt that
// produced it. Immutable once appended; edits append new versions.
type MediaVersion struct {
	DataURI   string    `json:"data_uri"`
	Prompt    string    `json:"prompt"`
	Kind      MediaKind `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
}

// TranscriptRole identifies the speaker of a transcript line.
type TranscriptRole string

const (
	RoleUser      TranscriptRole = "user"
	RoleAssistant TranscriptRole = "assistant"
)

// TranscriptLine is one conversation turn. Partial lines are rewritten in
// place as the recognizer refines them; Final marks the committed text.
type TranscriptLine struct {
	Role      TranscriptRole `json:"role"`
	Text      string         `json:"text"`
	Final     bool           `json:"final"`
	Timestamp time.Time      `json:"timestamp"`
}

// Session is one image-editing conversation: its version history, transcript,
// and the index of the version currently shown. Sessions are created on
// upload and live for the process lifetime.
type Session struct {
	ID           string           `json:"id"`
	Versions     []MediaVersion   `json:"versions"`
	Transcript   []TranscriptLine `json:"transcript"`
	CurrentIndex int              `json:"current_index"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// Current returns the version at CurrentIndex.
func (s *Session) Current() MediaVersion {
	if s == nil || len(s.Versions) == 0 {
		return MediaVersion{}
	}
	idx := s.CurrentIndex
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.Versions) {
		idx = len(s.Versions) - 1
	}
	return s.Versions[idx]
}

// Summary is the listing shape: everything except payloads and transcript.
type Summary struct {
	ID           string    `json:"id"`
	VersionCount int       `json:"version_count"`
	CurrentIndex int       `json:"current_index"`
	LastPrompt   string    `json:"last_prompt,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (s *Session) summary() Summary {
	out := Summary{
		ID:           s.ID,
		VersionCount: len(s.Versions),
		CurrentIndex: s.CurrentIndex,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
	}
	for i := len(s.Versions) - 1; i >= 0; i-- {
		if prompt := strings.TrimSpace(s.Versions[i].Prompt); prompt != "" {
			out.LastPrompt = prompt
			break
		}
	}
	return out
}
