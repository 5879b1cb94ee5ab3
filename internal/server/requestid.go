package server

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/tjfontaine/polyglot-graphql-gateway/internal/core/domain"
)

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// RequestIDMiddleware assigns a request ID to each request.
// A UUID supplied by the client in X-Request-ID is kept; anything else is
// replaced by a fresh one. The ID is stored in the context and echoed in the
// X-Request-ID response header.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.New().String()
		}
		ctx := domain.WithRequestID(r.Context(), requestID)
		w.Header().Set(RequestIDHeader, requestID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// GetRequestID retrieves the request ID from context.
// Returns an empty string if no request ID is set.
func GetRequestID(ctx context.Context) string {
	return domain.RequestIDFromContext(ctx)
}
