package shared

import (
	"context"

	"github.com/google/uuid"
)

// ctxKey namespaces the request-scoped identifiers systerd threads through
// the engine, the interceptors and the scheduler.
type ctxKey uint8

const (
	keyTrace ctxKey = iota
	keyClient
	keyTask
)

func stringValue(ctx context.Context, k ctxKey) string {
	s, _ := ctx.Value(k).(string)
	return s
}

// NewTraceID returns a fresh request trace id.
func NewTraceID() string { return uuid.NewString() }

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyTrace, id)
}

// TraceID returns the trace id on ctx, or "-" so log lines keep a stable column.
func TraceID(ctx context.Context) string {
	if id := stringValue(ctx, keyTrace); id != "" {
		return id
	}
	return "-"
}

// WithClientID tags ctx with the transport connection that issued the
// request ("stdio", "http", "sse:3").
func WithClientID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyClient, id)
}

// ClientID returns the transport connection id, or "".
func ClientID(ctx context.Context) string { return stringValue(ctx, keyClient) }

// WithTaskID marks ctx as running on behalf of a scheduled task.
func WithTaskID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyTask, id)
}

// TaskID returns the scheduled task id, or "" for interactive calls.
func TaskID(ctx context.Context) string { return stringValue(ctx, keyTask) }
