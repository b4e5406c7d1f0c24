package mw

import (
	"bytes"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/atelier-ai/atelier/pkg/gateway/config"
)

func TestRequestID_GeneratesWhenMissing(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))

	if !strings.HasPrefix(seen, "req_") {
		t.Fatalf("request id = %q", seen)
	}
	if got := rr.Header().Get("X-Request-ID"); got != seen {
		t.Fatalf("header %q != context %q", got, seen)
	}
}

func TestRequestID_PreservesClientValue(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = RequestIDFrom(r.Context())
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions", nil)
	req.Header.Set("X-Request-ID", "req_client")
	h.ServeHTTP(rr, req)

	if seen != "req_client" {
		t.Fatalf("request id = %q", seen)
	}
}

func TestAuth_RequiredRejectsMissingBearer(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"atl_sk_test": {}}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_RequiredAcceptsValidBearer(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"atl_sk_test": {}}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer atl_sk_test")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_AccessTokenQueryParam(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"atl_sk_test": {}}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/live?access_token=atl_sk_test", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_RejectsUnknownKey(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeRequired, APIKeys: map[string]struct{}{"atl_sk_test": {}}}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer nope")
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestAuth_DisabledPassesThrough(t *testing.T) {
	h := Auth(config.Config{AuthMode: config.AuthModeDisabled}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/sessions", nil))
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
}

func TestRecover(t *testing.T) {
	h := Recover(slog.New(slog.DiscardHandler), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", rr.Code)
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	h := AccessLog(logger, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/nope", nil))

	out := buf.String()
	if !strings.Contains(out, `"status":404`) || !strings.Contains(out, `"path":"/v1/nope"`) {
		t.Fatalf("access log missing fields: %s", out)
	}
}
