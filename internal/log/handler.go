package log

import (
	"context"
	"log/slog"

	"github.com/ErlanBelekov/stockorder/internal/trace"
)

// ContextHandler wraps an slog.Handler and copies correlation ids
// (request_id, job_handle) from the context onto each record.
type ContextHandler struct {
	inner slog.Handler
}

func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := trace.RequestID(ctx); id != "" {
		r.AddAttrs(slog.String("request_id", id))
	}
	if handle := trace.JobHandle(ctx); handle != "" {
		r.AddAttrs(slog.String("job_handle", handle))
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
