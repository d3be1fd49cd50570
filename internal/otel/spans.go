package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Span and metric attribute keys.
var (
	AttrMethod     = attribute.Key("systerd.rpc.method")
	AttrToolName   = attribute.Key("systerd.tool.name")
	AttrPermission = attribute.Key("systerd.tool.permission")
	AttrOutcome    = attribute.Key("systerd.outcome")
	AttrTaskID     = attribute.Key("systerd.task.id")
	AttrClientID   = attribute.Key("systerd.client.id")
)

func start(ctx context.Context, tracer trace.Tracer, kind trace.SpanKind, name string, attrs []attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

// StartSpan opens an internal span, used for tool execution and task runs.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindInternal, name, attrs)
}

// StartServerSpan opens the root span for one inbound JSON-RPC request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return start(ctx, tracer, trace.SpanKindServer, name, attrs)
}
