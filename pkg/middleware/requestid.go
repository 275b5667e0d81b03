package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/depot-registry/depot/pkg/contextkeys"
	"github.com/depot-registry/depot/pkg/observability"
)

// RequestIDHeader carries the request ID on responses and, when a client
// supplies one, on requests.
const RequestIDHeader = "X-Request-ID"

// RequestID assigns every request a UUID (honoring a client-supplied one)
// and binds a request-scoped logger carrying it.
func RequestID(logger *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(RequestIDHeader)
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set(RequestIDHeader, id)

			ctx := contextkeys.WithRequestID(r.Context(), id)
			ctx = observability.WithRequestID(ctx, id)
			if logger != nil {
				ctx = observability.WithLogger(ctx, logger.WithField("request_id", id))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
