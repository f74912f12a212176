package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.PulseDispatchDuration == nil {
		t.Error("PulseDispatchDuration is nil")
	}
	if m.PulseOutcomes == nil {
		t.Error("PulseOutcomes is nil")
	}
	if m.ActiveExecutions == nil {
		t.Error("ActiveExecutions is nil")
	}
	if m.SentinelAlertsSent == nil {
		t.Error("SentinelAlertsSent is nil")
	}
	if m.IngressRequests == nil {
		t.Error("IngressRequests is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
