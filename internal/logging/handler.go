package logging

import (
	"context"
	"log/slog"
)

// ContextHandler wraps an slog.Handler and enriches every record with
// whichever correlation identifiers are present on its context.
type ContextHandler struct {
	inner slog.Handler
}

// NewContextHandler returns a handler that enriches every record with
// context values (job_id, cron_job_id, node) before delegating to inner.
func NewContextHandler(inner slog.Handler) *ContextHandler {
	return &ContextHandler{inner: inner}
}

func (h *ContextHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if id := JobIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String("job_id", id))
	}
	if id := CronJobIDFromContext(ctx); id != "" {
		r.AddAttrs(slog.String("cron_job_id", id))
	}
	if name := NodeNameFromContext(ctx); name != "" {
		r.AddAttrs(slog.String("node", name))
	}
	return h.inner.Handle(ctx, r)
}

func (h *ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ContextHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *ContextHandler) WithGroup(name string) slog.Handler {
	return &ContextHandler{inner: h.inner.WithGroup(name)}
}
