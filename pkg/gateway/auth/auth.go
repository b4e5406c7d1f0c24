package auth

import (
	"context"
	"net/http"
	"strings"
)

type Principal struct {
	APIKey string
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// ParseBearer extracts the bearer token from the Authorization header. Live
// websocket clients that cannot set headers may pass the key via the
// access_token query parameter instead.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz != "" {
		const prefix = "Bearer "
		if !strings.HasPrefix(authz, prefix) {
			return "", false
		}
		token := strings.TrimSpace(strings.TrimPrefix(authz, prefix))
		if token == "" {
			return "", false
		}
		return token, true
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return token, true
	}
	return "", false
}
