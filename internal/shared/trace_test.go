package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultPlaceholder(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	ctx = WithTraceID(ctx, "trace-123")
	if got := TraceID(ctx); got != "trace-123" {
		t.Fatalf("expected trace-123, got %q", got)
	}
}

func TestNewTraceID_NonEmpty(t *testing.T) {
	if NewTraceID() == "" {
		t.Fatal("expected non-empty trace id")
	}
	if NewTraceID() == NewTraceID() {
		t.Fatal("expected distinct trace ids across calls")
	}
}

func TestPulseID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := PulseID(ctx); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
	ctx = WithPulseID(ctx, 42)
	if got := PulseID(ctx); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
}
