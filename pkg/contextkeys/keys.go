// Package contextkeys provides centralized context key definitions
//
// IMPORTANT: All context keys used across the application must be defined here.
// This prevents typos, documents dependencies, and makes key usage discoverable.
package contextkeys

import (
	"context"

	"github.com/depot-registry/depot/pkg/authz"
)

// Key is the type for context keys to prevent collisions
type Key string

const (
	// CallerKey contains the authenticated authz.Caller
	// Set by: middleware.SessionAuth (pkg/middleware/auth.go)
	// Required by: all protected API endpoints
	CallerKey Key = "caller"

	// RequestIDKey contains the request ID string (UUID)
	// Set by: middleware.RequestID
	// Used by: logger, audit trail, tracing
	RequestIDKey Key = "request_id"
)

// WithCaller adds the authenticated caller to the context.
func WithCaller(ctx context.Context, caller authz.Caller) context.Context {
	return context.WithValue(ctx, CallerKey, caller)
}

// CallerFrom returns the authenticated caller, if any.
func CallerFrom(ctx context.Context) (authz.Caller, bool) {
	caller, ok := ctx.Value(CallerKey).(authz.Caller)
	return caller, ok
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// RequestIDFrom returns the request ID, or an empty string.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}
