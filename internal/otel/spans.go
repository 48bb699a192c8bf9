package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for ctxvault spans.
var (
	AttrSessionID    = attribute.Key("ctxvault.session.id")
	AttrSessionKey   = attribute.Key("ctxvault.session.key")
	AttrCheckpointID = attribute.Key("ctxvault.checkpoint.id")
	AttrStrategy     = attribute.Key("ctxvault.recovery.strategy")
	AttrIntegrity    = attribute.Key("ctxvault.recovery.integrity")
	AttrService      = attribute.Key("ctxvault.degrade.service")
	AttrMode         = attribute.Key("ctxvault.degrade.mode")
	AttrSweep        = attribute.Key("ctxvault.lifecycle.sweep")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartClientSpan starts a span for an outbound call (store, cache).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
