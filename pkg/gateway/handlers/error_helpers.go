package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/atelier-ai/atelier/pkg/core"
	"github.com/atelier-ai/atelier/pkg/gateway/apierror"
	"github.com/atelier-ai/atelier/pkg/gateway/mw"
)

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	coreErr, status := apierror.FromError(err, reqID)
	writeCoreErrorJSON(w, coreErr, status)
}

func writeCoreErrorJSON(w http.ResponseWriter, coreErr *core.Error, status int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apierror.Envelope{Error: coreErr})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
