// Package telemetry holds the OpenTelemetry instruments cadence records.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records cycle, action and admission outcomes.
type Metrics struct {
	cycles        metric.Int64Counter
	actions       metric.Int64Counter
	denials       metric.Int64Counter
	sessions      metric.Int64Counter
	cycleDuration metric.Float64Histogram
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.cycles, err = meter.Int64Counter("cadence.cycles.total",
		metric.WithDescription("Cycles finished, by outcome"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return nil, fmt.Errorf("cycles counter: %w", err)
	}

	m.actions, err = meter.Int64Counter("cadence.actions.total",
		metric.WithDescription("External actions performed, by class and outcome"),
		metric.WithUnit("{action}"),
	)
	if err != nil {
		return nil, fmt.Errorf("actions counter: %w", err)
	}

	m.denials, err = meter.Int64Counter("cadence.admission.denials.total",
		metric.WithDescription("Admission checks that halted a cycle, by reason"),
		metric.WithUnit("{denial}"),
	)
	if err != nil {
		return nil, fmt.Errorf("denials counter: %w", err)
	}

	m.sessions, err = meter.Int64Counter("cadence.session.acquires.total",
		metric.WithDescription("Browser context acquisitions, by result"),
		metric.WithUnit("{acquire}"),
	)
	if err != nil {
		return nil, fmt.Errorf("sessions counter: %w", err)
	}

	m.cycleDuration, err = meter.Float64Histogram("cadence.cycle.duration",
		metric.WithDescription("Wall-clock cycle duration"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 15, 30, 60, 300, 900, 1800),
	)
	if err != nil {
		return nil, fmt.Errorf("cycle duration histogram: %w", err)
	}
	return m, nil
}

// Global creates the instruments on the globally registered meter provider,
// which is a no-op until one is installed.
func Global() *Metrics {
	m, err := New(otel.Meter("github.com/fentz26/cadence"))
	if err != nil {
		// The global no-op meter never fails.
		panic(err)
	}
	return m
}

// CycleFinished records one cycle.
func (m *Metrics) CycleFinished(ctx context.Context, campaignID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("campaign", campaignID),
		attribute.String("outcome", outcome),
	)
	m.cycles.Add(ctx, 1, attrs)
	m.cycleDuration.Record(ctx, d.Seconds(), attrs)
}

// ActionPerformed records one external action.
func (m *Metrics) ActionPerformed(ctx context.Context, class, outcome string) {
	if m == nil {
		return
	}
	m.actions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("outcome", outcome),
	))
}

// AdmissionDenied records a halt caused by admission.
func (m *Metrics) AdmissionDenied(ctx context.Context, campaignID, reason string) {
	if m == nil {
		return
	}
	m.denials.Add(ctx, 1, metric.WithAttributes(
		attribute.String("campaign", campaignID),
		attribute.String("reason", reason),
	))
}

// SessionAcquired records an acquisition attempt.
func (m *Metrics) SessionAcquired(ctx context.Context, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "not_found"
	}
	m.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
