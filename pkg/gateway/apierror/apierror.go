// Package apierror maps internal errors onto the wire error envelope and an
// HTTP status code.
package apierror

import (
	"context"
	"errors"
	"net/http"

	"github.com/atelier-ai/atelier/pkg/core"
	"github.com/atelier-ai/atelier/pkg/gateway/live/protocol"
)

// Envelope is the JSON body returned for every error response.
type Envelope struct {
	Error *core.Error `json:"error"`
}

// FromError converts any error into a core.Error plus HTTP status. The
// request ID is stamped onto the error so clients can correlate reports.
func FromError(err error, requestID string) (*core.Error, int) {
	var apiErr *core.Error

	switch {
	case err == nil:
		apiErr = core.NewAPIError("internal error")
	case errors.Is(err, context.DeadlineExceeded):
		apiErr = core.NewAPIError("request timed out")
	case errors.Is(err, context.Canceled):
		apiErr = core.NewAPIError("request canceled")
	default:
		var ce *core.Error
		var de *protocol.DecodeError
		if errors.As(err, &ce) {
			cp := *ce
			apiErr = &cp
		} else if errors.As(err, &de) {
			apiErr = &core.Error{
				Type:    core.ErrInvalidRequest,
				Message: de.Message,
				Param:   de.Param,
				Code:    de.Code,
			}
		} else {
			apiErr = core.NewAPIError("internal error")
		}
	}

	apiErr.RequestID = requestID
	return apiErr, StatusFromType(apiErr.Type)
}

// StatusFromType maps an error type to its HTTP status code.
func StatusFromType(t core.ErrorType) int {
	switch t {
	case core.ErrInvalidRequest:
		return http.StatusBadRequest
	case core.ErrAuthentication:
		return http.StatusUnauthorized
	case core.ErrPermission:
		return http.StatusForbidden
	case core.ErrNotFound:
		return http.StatusNotFound
	case core.ErrRateLimit:
		return http.StatusTooManyRequests
	case core.ErrOverloaded:
		return http.StatusServiceUnavailable
	case core.ErrUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
