package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type sessionIDKey struct{}
type sweepIDKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithSessionID attaches a session_id to the context.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey{}, sessionID)
}

// SessionID extracts session_id from context. Returns "" if absent.
func SessionID(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithSweepID attaches a sweep_id to the context so every session touched
// by one lifecycle sweep shares an identifier in logs and audit events.
func WithSweepID(ctx context.Context, sweepID string) context.Context {
	return context.WithValue(ctx, sweepIDKey{}, sweepID)
}

// SweepID extracts sweep_id from context. Returns "" if absent.
func SweepID(ctx context.Context) string {
	if v, ok := ctx.Value(sweepIDKey{}).(string); ok {
		return v
	}
	return ""
}
