// Package gemini implements the upstream boundary against the Gemini API:
// image edits through Models.GenerateContent and realtime speech through the
// Live API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/atelier-ai/atelier/pkg/core"
	"github.com/atelier-ai/atelier/pkg/upstream"
)

// Config configures the Gemini client.
type Config struct {
	APIKey     string
	ImageModel string
	LiveModel  string
}

// Client talks to the Gemini API. It implements upstream.ImageModel and
// upstream.Dialer.
type Client struct {
	genai *genai.Client
	cfg   Config
}

func New(ctx context.Context, cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, core.NewAuthenticationError("gemini api key is required")
	}
	if strings.TrimSpace(cfg.ImageModel) == "" {
		cfg.ImageModel = "gemini-2.5-flash-image"
	}
	if strings.TrimSpace(cfg.LiveModel) == "" {
		cfg.LiveModel = "gemini-2.5-flash-native-audio-preview-09-2025"
	}

	gc, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{genai: gc, cfg: cfg}, nil
}

// EditImage sends the current image plus the edit prompt and returns the
// first image part of the response, with any narration text the model adds.
func (c *Client) EditImage(ctx context.Context, req upstream.EditRequest) (upstream.EditResult, error) {
	if len(req.Data) == 0 {
		return upstream.EditResult{}, core.NewInvalidRequestError("image payload is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return upstream.EditResult{}, core.NewInvalidRequestError("edit prompt is required")
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(req.Data, req.MIMEType),
			genai.NewPartFromText(req.Prompt),
		}, genai.RoleUser),
	}
	resp, err := c.genai.Models.GenerateContent(ctx, c.cfg.ImageModel, contents, &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	})
	if err != nil {
		return upstream.EditResult{}, mapGenAIError(err)
	}

	out := upstream.EditResult{}
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if part == nil {
				continue
			}
			if part.InlineData != nil && len(part.InlineData.Data) > 0 && out.Data == nil {
				out.Data = part.InlineData.Data
				out.MIMEType = part.InlineData.MIMEType
			}
			if part.Text != "" {
				if out.Text != "" {
					out.Text += " "
				}
				out.Text += part.Text
			}
		}
	}
	if out.Data == nil {
		msg := strings.TrimSpace(out.Text)
		if msg == "" {
			msg = "model returned no image"
		}
		return upstream.EditResult{}, &core.Error{Type: core.ErrUpstream, Message: msg, Code: "no_image"}
	}
	if out.MIMEType == "" {
		out.MIMEType = "image/png"
	}
	return out, nil
}

// Dial opens a Live API session.
func (c *Client) Dial(ctx context.Context, cfg upstream.SessionConfig) (upstream.Conn, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = c.cfg.LiveModel
	}

	lcfg := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if sys := strings.TrimSpace(cfg.System); sys != "" {
		lcfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if voice := strings.TrimSpace(cfg.VoiceName); voice != "" {
		lcfg.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(cfg.Tools))
		for _, tool := range cfg.Tools {
			decls = append(decls, functionDeclaration(tool))
		}
		lcfg.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	session, err := c.genai.Live.Connect(ctx, model, lcfg)
	if err != nil {
		return nil, mapGenAIError(err)
	}
	return newLiveConn(session), nil
}

func functionDeclaration(tool upstream.ToolDecl) *genai.FunctionDeclaration {
	props := make(map[string]*genai.Schema, len(tool.Params))
	required := make([]string, 0, len(tool.Params))
	for _, p := range tool.Params {
		props[p.Name] = &genai.Schema{
			Type:        schemaType(p.Type),
			Description: p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return &genai.FunctionDeclaration{
		Name:        tool.Name,
		Description: tool.Description,
		Parameters: &genai.Schema{
			Type:       genai.TypeObject,
			Properties: props,
			Required:   required,
		},
	}
}

func schemaType(t string) genai.Type {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "integer":
		return genai.TypeInteger
	case "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	default:
		return genai.TypeString
	}
}

func mapGenAIError(err error) error {
	if err == nil {
		return nil
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		out := &core.Error{
			Type:    core.ErrUpstream,
			Message: apiErr.Message,
			Code:    apiErr.Status,
		}
		switch apiErr.Code {
		case 400:
			out.Type = core.ErrInvalidRequest
		case 401, 403:
			out.Type = core.ErrAuthentication
		case 404:
			out.Type = core.ErrNotFound
		case 429:
			out.Type = core.ErrRateLimit
		case 503:
			out.Type = core.ErrOverloaded
		}
		return out
	}
	return core.NewUpstreamError(err.Error())
}
