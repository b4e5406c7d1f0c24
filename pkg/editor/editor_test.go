package editor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/atelier-ai/atelier/pkg/core"
	"github.com/atelier-ai/atelier/pkg/studio"
	"github.com/atelier-ai/atelier/pkg/upstream"
)

type fakeModel struct {
	lastReq upstream.EditRequest
	result  upstream.EditResult
	err     error
}

func (f *fakeModel) EditImage(ctx context.Context, req upstream.EditRequest) (upstream.EditResult, error) {
	f.lastReq = req
	return f.result, f.err
}

func TestEditProducesVersion(t *testing.T) {
	model := &fakeModel{result: upstream.EditResult{
		Data:     []byte{9, 9, 9},
		MIMEType: "image/png",
		Text:     " Done, added the hat. ",
	}}
	fixed := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	svc := NewService(model, WithClock(func() time.Time { return fixed }))

	current := studio.DataURI{MediaType: "image/jpeg", Data: []byte{1, 2, 3}}
	res, err := svc.Edit(context.Background(), current, "  add a hat  ")
	if err != nil {
		t.Fatalf("Edit: %v", err)
	}

	if model.lastReq.MIMEType != "image/jpeg" || model.lastReq.Prompt != "add a hat" {
		t.Fatalf("unexpected model request: %#v", model.lastReq)
	}
	if res.Version.Prompt != "add a hat" || res.Version.Kind != studio.MediaKindImage {
		t.Fatalf("unexpected version: %#v", res.Version)
	}
	if !res.Version.CreatedAt.Equal(fixed) {
		t.Fatalf("CreatedAt = %v", res.Version.CreatedAt)
	}
	if !strings.HasPrefix(res.Version.DataURI, "data:image/png;base64,") {
		t.Fatalf("DataURI = %q", res.Version.DataURI)
	}
	if res.Narration != "Done, added the hat." {
		t.Fatalf("Narration = %q", res.Narration)
	}
}

func TestEditValidation(t *testing.T) {
	svc := NewService(&fakeModel{})
	image := studio.DataURI{MediaType: "image/png", Data: []byte{1}}

	cases := []struct {
		name    string
		current studio.DataURI
		prompt  string
	}{
		{"empty prompt", image, "   "},
		{"oversized prompt", image, strings.Repeat("x", MaxPromptLen+1)},
		{"video payload", studio.DataURI{MediaType: "video/mp4", Data: []byte{1}}, "trim it"},
		{"empty payload", studio.DataURI{MediaType: "image/png"}, "brighten"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Edit(context.Background(), tc.current, tc.prompt)
			var coreErr *core.Error
			if !errors.As(err, &coreErr) || coreErr.Type != core.ErrInvalidRequest {
				t.Fatalf("got %v, want invalid_request_error", err)
			}
		})
	}
}

func TestEditPromptLimitCountsRunes(t *testing.T) {
	model := &fakeModel{result: upstream.EditResult{Data: []byte{1}, MIMEType: "image/png"}}
	svc := NewService(model)
	image := studio.DataURI{MediaType: "image/png", Data: []byte{1}}

	// At the limit in runes but three bytes apiece.
	prompt := strings.Repeat("画", MaxPromptLen)
	if _, err := svc.Edit(context.Background(), image, prompt); err != nil {
		t.Fatalf("Edit rejected a prompt of %d runes: %v", MaxPromptLen, err)
	}
	if _, err := svc.Edit(context.Background(), image, prompt+"画"); err == nil {
		t.Fatalf("Edit accepted a prompt over the rune limit")
	}
}

func TestEditPropagatesModelError(t *testing.T) {
	wantErr := core.NewUpstreamError("model is unavailable")
	svc := NewService(&fakeModel{err: wantErr})

	_, err := svc.Edit(context.Background(), studio.DataURI{MediaType: "image/png", Data: []byte{1}}, "warmer light")
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}
