package server

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/atelier-ai/atelier/pkg/editor"
	"github.com/atelier-ai/atelier/pkg/gateway/config"
	"github.com/atelier-ai/atelier/pkg/studio"
	"github.com/atelier-ai/atelier/pkg/upstream"
)

type noopModel struct{}

func (noopModel) EditImage(ctx context.Context, req upstream.EditRequest) (upstream.EditResult, error) {
	return upstream.EditResult{Data: []byte("edited"), MIMEType: "image/png"}, nil
}

type noopDialer struct{}

func (noopDialer) Dial(ctx context.Context, cfg upstream.SessionConfig) (upstream.Conn, error) {
	return nil, context.Canceled
}

func testServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	if cfg.MaxBodyBytes == 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxMediaBytes == 0 {
		cfg.MaxMediaBytes = 1 << 20
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = config.AuthModeDisabled
	}
	return New(cfg, slog.New(slog.DiscardHandler), Dependencies{
		Store:  studio.NewStore(),
		Editor: editor.NewService(noopModel{}),
		Dialer: noopDialer{},
	})
}

func TestSessionRoundTrip(t *testing.T) {
	srv := httptest.NewServer(testServer(t, config.Config{}).Handler())
	defer srv.Close()

	body, _ := json.Marshal(map[string]string{
		"image_data_uri": studio.EncodeDataURI("image/png", []byte("pixels")),
	})
	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status=%d", resp.StatusCode)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Fatal("missing X-Request-ID header")
	}

	var sess studio.Session
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		t.Fatalf("decode: %v", err)
	}

	getResp, err := http.Get(srv.URL + "/v1/sessions/" + sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer getResp.Body.Close()
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get status=%d", getResp.StatusCode)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv := httptest.NewServer(testServer(t, config.Config{}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/sessions/sess_missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d", resp.StatusCode)
	}

	var envelope struct {
		Error struct {
			Type      string `json:"type"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.Error.Type != "not_found_error" || envelope.Error.RequestID == "" {
		t.Fatalf("unexpected envelope: %+v", envelope)
	}
}

func TestAuthRequired(t *testing.T) {
	srv := httptest.NewServer(testServer(t, config.Config{
		AuthMode: config.AuthModeRequired,
		APIKeys:  map[string]struct{}{"atl_sk_test": {}},
	}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/sessions")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status=%d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer atl_sk_test")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated status=%d", resp.StatusCode)
	}
}

func TestHealthzBypassesAuth(t *testing.T) {
	srv := httptest.NewServer(testServer(t, config.Config{
		AuthMode: config.AuthModeRequired,
		APIKeys:  map[string]struct{}{"atl_sk_test": {}},
	}).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}
