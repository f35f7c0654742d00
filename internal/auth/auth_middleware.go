package auth

import (
	"context"
	"net/http"
	"strings"
)

const (
	apiKeyHeader        = "X-API-Key"
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

type contextKey int

const (
	apiKeyContextKey contextKey = iota
	adminOperatorContextKey
)

// SecretFromRequest returns the presented key secret from X-API-Key, or from an
// Authorization bearer token when the header is absent.
func SecretFromRequest(r *http.Request) string {
	if v := strings.TrimSpace(r.Header.Get(apiKeyHeader)); v != "" {
		return v
	}
	authz := r.Header.Get(authorizationHeader)
	if len(authz) > len(bearerPrefix) && strings.EqualFold(authz[:len(bearerPrefix)], bearerPrefix) {
		return strings.TrimSpace(authz[len(bearerPrefix):])
	}
	return ""
}

// WithAPIKey attaches the admitted key to ctx.
func WithAPIKey(ctx context.Context, key APIKey) context.Context {
	return context.WithValue(ctx, apiKeyContextKey, key)
}

// APIKeyFromContext returns the key admitted for this request.
func APIKeyFromContext(ctx context.Context) (APIKey, bool) {
	key, ok := ctx.Value(apiKeyContextKey).(APIKey)
	return key, ok
}

func withAdminOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, adminOperatorContextKey, operator)
}

// AdminOperatorFromContext returns the admin credential that authenticated the request.
func AdminOperatorFromContext(ctx context.Context) string {
	operator, _ := ctx.Value(adminOperatorContextKey).(string)
	return operator
}
