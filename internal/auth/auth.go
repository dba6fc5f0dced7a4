// Package auth authenticates admin API callers. Two kinds of credential
// exist: the api_key from config, which carries the wildcard scope, and
// named tokens that carry explicit scope lists such as partners:ro or
// dispatches:rw. Comparison is constant-time in both cases.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is an authenticated caller and the scopes it holds.
type Principal struct {
	Token  string
	Scopes map[string]struct{}
}

type principalKey struct{}

// WithPrincipal stores the authenticated principal on the request context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext retrieves the principal set by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

// ExtractBearerToken pulls the token out of an Authorization: Bearer header.
func ExtractBearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("invalid Authorization header format")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

// Authenticate matches a presented bearer token against the configured
// credentials. The admin API key authenticates with the wildcard scope;
// named tokens authenticate with their configured scopes.
func Authenticate(presented string, adminAPIKey string, tokens []TokenConfig) (Principal, bool) {
	if constantTimeEqual(presented, adminAPIKey) {
		return Principal{Token: presented, Scopes: map[string]struct{}{"*": {}}}, true
	}
	for _, t := range tokens {
		if constantTimeEqual(presented, t.Token) {
			return Principal{Token: presented, Scopes: normalizeScopes(t.Scopes)}, true
		}
	}
	return Principal{}, false
}

// HasAnyScope reports whether the principal holds the wildcard scope or
// at least one of the required scopes. No required scopes means allowed.
func HasAnyScope(p Principal, required ...string) bool {
	if len(required) == 0 {
		return true
	}
	if _, ok := p.Scopes["*"]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

// normalizeScopes builds the scope set for a token. A read-write scope on
// a resource implies the read-only scope for the same resource, so
// partners:rw grants partners:ro without listing it.
func normalizeScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		out[s] = struct{}{}
		if resource, ok := strings.CutSuffix(s, ":rw"); ok {
			out[resource+":ro"] = struct{}{}
		}
	}
	return out
}

func constantTimeEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
