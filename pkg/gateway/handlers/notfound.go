package handlers

import (
	"net/http"

	"github.com/atelier-ai/atelier/pkg/core"
	"github.com/atelier-ai/atelier/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	writeCoreErrorJSON(w, &core.Error{
		Type:      core.ErrNotFound,
		Message:   "not found",
		RequestID: reqID,
	}, http.StatusNotFound)
}
