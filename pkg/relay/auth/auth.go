// Package auth defines the token-validation boundary for the relay. Token
// issuance and account management live outside this codebase; the relay only
// ever calls Validate.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// ErrInvalidToken is returned when a token is unknown, expired, or malformed.
var ErrInvalidToken = errors.New("auth: invalid token")

// Principal is the authenticated owner of a session.
type Principal struct {
	ID     string
	Name   string
	Labels map[string]string
}

// TokenValidator validates a client-supplied auth token.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (Principal, error)
}

// StaticValidator validates against a fixed token table. Used for local
// development and tests; production deployments plug in their own validator.
type StaticValidator struct {
	// Tokens maps token string to principal id.
	Tokens map[string]string
}

func (v *StaticValidator) Validate(_ context.Context, token string) (Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Principal{}, ErrInvalidToken
	}
	id, ok := v.Tokens[token]
	if !ok {
		return Principal{}, ErrInvalidToken
	}
	return Principal{ID: id}, nil
}

type ctxKey struct{}

func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, ctxKey{}, p)
}

func PrincipalFrom(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(ctxKey{}).(*Principal)
	return p, ok && p != nil
}

// ParseBearer extracts a bearer token from the Authorization header.
func ParseBearer(r *http.Request) (string, bool) {
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return "", false
	}
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
