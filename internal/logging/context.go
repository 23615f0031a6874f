// Package logging builds this daemon's *slog.Logger and carries job/
// operator identifiers through context.Context so every log line in a
// queue run or operator lifetime is automatically correlated.
package logging

import "context"

type jobIDKey struct{}
type cronJobIDKey struct{}
type nodeNameKey struct{}

// WithJobID returns a copy of ctx carrying a workshop job ID, to be
// attached to every log record emitted while that job is being worked.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

// JobIDFromContext extracts the job ID attached by WithJobID, or "".
func JobIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

// WithCronJobID returns a copy of ctx carrying a cron job ID.
func WithCronJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cronJobIDKey{}, id)
}

// CronJobIDFromContext extracts the cron job ID attached by
// WithCronJobID, or "".
func CronJobIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(cronJobIDKey{}).(string)
	return id
}

// WithNodeName returns a copy of ctx carrying this instance's node name.
func WithNodeName(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, nodeNameKey{}, name)
}

// NodeNameFromContext extracts the node name attached by WithNodeName,
// or "".
func NodeNameFromContext(ctx context.Context) string {
	name, _ := ctx.Value(nodeNameKey{}).(string)
	return name
}
