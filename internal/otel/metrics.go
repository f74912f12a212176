package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the pulsed daemon's metric instruments.
type Metrics struct {
	PulseDispatchDuration metric.Float64Histogram
	PulseOutcomes         metric.Int64Counter
	ActiveExecutions      metric.Int64UpDownCounter
	SentinelAlertsSent    metric.Int64Counter
	IngressRequests       metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.PulseDispatchDuration, err = meter.Float64Histogram("pulsed.pulse.dispatch_duration",
		metric.WithDescription("Pulse execution duration in seconds, from dispatch to terminal state"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PulseOutcomes, err = meter.Int64Counter("pulsed.pulse.outcomes",
		metric.WithDescription("Terminal pulse outcomes, labeled by status"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveExecutions, err = meter.Int64UpDownCounter("pulsed.pulse.active",
		metric.WithDescription("Number of pulses currently executing"),
	)
	if err != nil {
		return nil, err
	}

	m.SentinelAlertsSent, err = meter.Int64Counter("pulsed.sentinel.alerts",
		metric.WithDescription("Sentinel alerts actually sent (post-cooldown)"),
	)
	if err != nil {
		return nil, err
	}

	m.IngressRequests, err = meter.Int64Counter("pulsed.ingress.requests",
		metric.WithDescription("HTTP Ingress requests, labeled by route and status"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
