// Package requestid attaches a per-HTTP-request correlation ID to
// context.Context, used by internal/adminapi's middleware chain.
package requestid

import (
	"context"

	"github.com/google/uuid"
)

type requestIDKey struct{}

// New generates a fresh request ID.
func New() string {
	return uuid.NewString()
}

// WithRequestID returns a copy of ctx carrying the given request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// FromContext extracts the request ID attached by WithRequestID, or "".
func FromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
