// Package middleware provides the HTTP middleware chain: session
// authentication, request IDs and request-scoped logging.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/depot-registry/depot/pkg/authz"
	"github.com/depot-registry/depot/pkg/contextkeys"
	"github.com/depot-registry/depot/pkg/httputil"
)

// SessionValidator resolves a bearer token to its caller.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (authz.Caller, error)
}

// SessionAuth authenticates requests with a "Authorization: Bearer <token>"
// header and puts the resolved caller on the request context.
type SessionAuth struct {
	sessions SessionValidator
}

func NewSessionAuth(sessions SessionValidator) *SessionAuth {
	return &SessionAuth{sessions: sessions}
}

// Handler wraps an HTTP handler with authentication.
func (m *SessionAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			httputil.WriteUnauthorized(w, "missing authorization header")
			return
		}

		scheme, token, found := strings.Cut(header, " ")
		if !found || scheme != "Bearer" {
			httputil.WriteUnauthorized(w, "invalid authorization header format")
			return
		}

		caller, err := m.sessions.Validate(r.Context(), token)
		if err != nil {
			httputil.WriteDomainError(w, err)
			return
		}

		ctx := contextkeys.WithCaller(r.Context(), caller)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CallerFrom returns the authenticated caller placed by SessionAuth.
func CallerFrom(ctx context.Context) (authz.Caller, bool) {
	return contextkeys.CallerFrom(ctx)
}
