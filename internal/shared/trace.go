package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type pulseKey struct{}

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

// WithPulseID attaches the id of the pulse currently being dispatched or
// executed, so store/executor log lines don't need it threaded explicitly.
func WithPulseID(ctx context.Context, pulseID int64) context.Context {
	return context.WithValue(ctx, pulseKey{}, pulseID)
}

// PulseID extracts the pulse id from context. Returns 0 if absent.
func PulseID(ctx context.Context) int64 {
	if v, ok := ctx.Value(pulseKey{}).(int64); ok {
		return v
	}
	return 0
}
