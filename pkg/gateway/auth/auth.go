// Package auth resolves the caller identity for gateway requests.
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

func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
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

// KeyFromRequest extracts the gateway API key from a request. Browser
// websocket clients cannot set an Authorization header, so the key may
// also ride in the api_key query parameter.
func KeyFromRequest(r *http.Request) (string, bool) {
	if token, ok := ParseBearer(r); ok {
		return token, true
	}
	if key := strings.TrimSpace(r.URL.Query().Get("api_key")); key != "" {
		return key, true
	}
	return "", false
}
