package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/atelier-ai/atelier/pkg/core"
	"github.com/atelier-ai/atelier/pkg/editor"
	"github.com/atelier-ai/atelier/pkg/gateway/config"
	"github.com/atelier-ai/atelier/pkg/studio"
)

// SessionsHandler serves the REST session surface: upload, listing, detail,
// typed edits, and version selection.
type SessionsHandler struct {
	Config config.Config
	Store  *studio.Store
	Editor *editor.Service
}

type createSessionRequest struct {
	ImageDataURI string `json:"image_data_uri"`
}

type editRequest struct {
	Prompt string `json:"prompt"`
}

type selectRequest struct {
	Index *int `json:"index"`
}

type editResponse struct {
	Index     int                 `json:"index"`
	Version   studio.MediaVersion `json:"version"`
	Narration string              `json:"narration,omitempty"`
}

type selectResponse struct {
	Index   int                 `json:"index"`
	Version studio.MediaVersion `json:"version"`
}

type listSessionsResponse struct {
	Sessions []studio.Summary `json:"sessions"`
}

func (h SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	upload, err := studio.ParseDataURI(req.ImageDataURI, h.Config.MaxMediaBytes)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if upload.Kind() != studio.MediaKindImage {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("session uploads must be images", "image_data_uri"))
		return
	}

	sess, err := h.Store.Create(upload)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, listSessionsResponse{Sessions: h.Store.List()})
}

func (h SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Store.Get(r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// Edit applies a typed prompt to the session's current version and appends
// the result as a new version.
func (h SessionsHandler) Edit(w http.ResponseWriter, r *http.Request) {
	var req editRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	id := r.PathValue("id")
	sess, err := h.Store.Get(id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	current, err := studio.ParseDataURI(sess.Current().DataURI, 0)
	if err != nil {
		writeError(w, r, core.NewAPIError("current version payload is unreadable"))
		return
	}

	result, err := h.Editor.Edit(r.Context(), current, req.Prompt)
	if err != nil {
		writeError(w, r, err)
		return
	}

	idx, err := h.Store.AppendVersion(id, result.Version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, editResponse{
		Index:     idx,
		Version:   result.Version,
		Narration: result.Narration,
	})
}

func (h SessionsHandler) Select(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if err := h.decodeBody(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Index == nil {
		writeError(w, r, core.NewInvalidRequestErrorWithParam("index is required", "index"))
		return
	}

	v, err := h.Store.SelectVersion(r.PathValue("id"), *req.Index)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, selectResponse{Index: *req.Index, Version: v})
}

func (h SessionsHandler) decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return core.NewInvalidRequestErrorWithParam("content type must be application/json", "Content-Type")
	}
	body := http.MaxBytesReader(w, r.Body, h.Config.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return core.NewInvalidRequestError("request body exceeds the size limit")
		}
		if errors.Is(err, io.EOF) {
			return core.NewInvalidRequestError("request body is required")
		}
		return core.NewInvalidRequestError("request body is not valid json")
	}
	return nil
}
