package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/atelier-ai/atelier/pkg/core"
	"github.com/atelier-ai/atelier/pkg/gateway/auth"
	"github.com/atelier-ai/atelier/pkg/gateway/config"
	"github.com/atelier-ai/atelier/pkg/gateway/ratelimit"
)

func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Health endpoints must remain cheap and reliable.
		if r.URL.Path == "/healthz" || r.URL.Path == "/readyz" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Method == http.MethodOptions {
			next.ServeHTTP(w, r)
			return
		}
		// Live sessions acquire their own long-lived permit in the handler;
		// counting the upgrade request against the bucket would let a handful
		// of session starts exhaust it.
		if r.URL.Path == "/v1/live" {
			next.ServeHTTP(w, r)
			return
		}

		principal := PrincipalKey(r)

		dec := limiter.AcquireRequest(principal, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			writeJSONError(w, http.StatusTooManyRequests, &core.Error{
				Type:      core.ErrRateLimit,
				Message:   "rate limit exceeded",
				RequestID: reqID,
				RetryAfter: func() *int {
					if dec.RetryAfter <= 0 {
						return nil
					}
					v := dec.RetryAfter
					return &v
				}(),
			})
			return
		}
		if dec.Permit != nil {
			defer dec.Permit.Release()
		}

		next.ServeHTTP(w, r)
	})
}

// PrincipalKey derives the rate-limit key for a request from its
// authenticated principal, falling back to a shared anonymous bucket.
func PrincipalKey(r *http.Request) string {
	if p, ok := auth.PrincipalFrom(r.Context()); ok {
		return ratelimit.PrincipalKeyFromAPIKey(p.APIKey)
	}
	return "anonymous"
}
