// Package logging configures zerolog and carries request IDs through contexts.
package logging

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type contextKey string

const requestIDKey contextKey = "requestId"

// GenerateRequestID creates a random request ID.
func GenerateRequestID() string {
	return uuid.NewString()
}

// WithRequestID injects a request ID into the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// GetRequestID retrieves the request ID from the context.
// Returns empty string if not found.
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// FromContext returns the global logger, tagged with the request ID when
// ctx carries one.
func FromContext(ctx context.Context) zerolog.Logger {
	if id := GetRequestID(ctx); id != "" {
		return log.Logger.With().Str("request_id", id).Logger()
	}
	return log.Logger
}
