// Package editor wraps the stateless image-edit endpoint: current version in,
// prompt in, new MediaVersion out. It holds no session state; callers append
// the result to the session history themselves.
package editor

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/atelier-ai/atelier/pkg/core"
	"github.com/atelier-ai/atelier/pkg/studio"
	"github.com/atelier-ai/atelier/pkg/upstream"
)

// MaxPromptLen caps the edit instruction length, counted in runes.
const MaxPromptLen = 2000

// Result is one completed edit: the new version plus any narration the model
// attached to it.
type Result struct {
	Version   studio.MediaVersion
	Narration string
}

// Service runs edits against an injected image model.
type Service struct {
	model   upstream.ImageModel
	timeout time.Duration
	now     func() time.Time
}

type Option func(*Service)

// WithTimeout bounds each model call. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(s *Service) { s.timeout = d }
}

// WithClock overrides the version timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(model upstream.ImageModel, opts ...Option) *Service {
	s := &Service{
		model:   model,
		timeout: 60 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Edit sends the current payload plus the prompt to the model and wraps the
// returned image as a new version.
func (s *Service) Edit(ctx context.Context, current studio.DataURI, prompt string) (Result, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Result{}, core.NewInvalidRequestErrorWithParam("edit prompt is required", "prompt")
	}
	if utf8.RuneCountInString(prompt) > MaxPromptLen {
		return Result{}, core.NewInvalidRequestErrorWithParam("edit prompt is too long", "prompt")
	}
	if current.Kind() != studio.MediaKindImage {
		return Result{}, core.NewInvalidRequestError("only image versions can be edited")
	}
	if len(current.Data) == 0 {
		return Result{}, core.NewInvalidRequestError("current version has no payload")
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	res, err := s.model.EditImage(ctx, upstream.EditRequest{
		Data:     current.Data,
		MIMEType: current.MediaType,
		Prompt:   prompt,
	})
	if err != nil {
		return Result{}, err
	}

	version := studio.MediaVersion{
		DataURI:   studio.EncodeDataURI(res.MIMEType, res.Data),
		Prompt:    prompt,
		Kind:      studio.MediaKindImage,
		CreatedAt: s.now().UTC(),
	}
	return Result{Version: version, Narration: strings.TrimSpace(res.Text)}, nil
}
