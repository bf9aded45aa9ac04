// Package trace carries correlation ids through a context.
package trace

import (
	"context"

	"github.com/google/uuid"
)

type (
	requestIDKey struct{}
	jobHandleKey struct{}
)

// NewRequestID generates a random UUID v4 request ID.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID returns a copy of ctx with the request ID attached.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID extracts the request ID from ctx. Returns "" if absent.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// WithJobHandle tags ctx with the orchestrator job it is working for.
func WithJobHandle(ctx context.Context, handle string) context.Context {
	return context.WithValue(ctx, jobHandleKey{}, handle)
}

func JobHandle(ctx context.Context) string {
	h, _ := ctx.Value(jobHandleKey{}).(string)
	return h
}
