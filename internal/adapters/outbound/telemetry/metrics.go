package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/archon-research/stl-notional/internal/ports/outbound"
)

// Compile-time check that Metrics implements outbound.AggregatorMetrics
var _ outbound.AggregatorMetrics = (*Metrics)(nil)

// Metrics implements outbound.AggregatorMetrics using OpenTelemetry.
type Metrics struct {
	mutationLatency  metric.Float64Histogram
	mutations        metric.Int64Counter
	reconcileLatency metric.Float64Histogram
	reconciliations  metric.Int64Counter
	divergences      metric.Int64Counter
	divergenceSize   metric.Int64Histogram
	total            metric.Int64Gauge
}

// NewMetrics creates a metrics recorder on the global meter provider.
// meterName should typically be the package name or service name.
func NewMetrics(meterName string) (*Metrics, error) {
	return NewMetricsWithMeter(otel.Meter(meterName))
}

// NewMetricsWithMeter creates a metrics recorder on the given meter.
func NewMetricsWithMeter(meter metric.Meter) (*Metrics, error) {
	mutationLatency, err := meter.Float64Histogram(
		"order_mutation_duration_seconds",
		metric.WithDescription("Time taken to apply an order mutation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create order_mutation_duration_seconds histogram: %w", err)
	}

	mutations, err := meter.Int64Counter(
		"order_mutations_total",
		metric.WithDescription("Total number of order mutations by operation and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create order_mutations_total counter: %w", err)
	}

	reconcileLatency, err := meter.Float64Histogram(
		"reconciliation_duration_seconds",
		metric.WithDescription("Time taken by a reconciliation run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciliation_duration_seconds histogram: %w", err)
	}

	reconciliations, err := meter.Int64Counter(
		"reconciliations_total",
		metric.WithDescription("Total number of reconciliation runs by status"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create reconciliations_total counter: %w", err)
	}

	divergences, err := meter.Int64Counter(
		"total_divergences_total",
		metric.WithDescription("Total number of reconciliations that found the counter diverged"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create total_divergences_total counter: %w", err)
	}

	divergenceSize, err := meter.Int64Histogram(
		"total_divergence_minor_units",
		metric.WithDescription("Absolute size of detected divergences in minor units"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create total_divergence_minor_units histogram: %w", err)
	}

	total, err := meter.Int64Gauge(
		"order_notional_total_minor_units",
		metric.WithDescription("Latest known aggregate notional in minor units"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create order_notional_total_minor_units gauge: %w", err)
	}

	return &Metrics{
		mutationLatency:  mutationLatency,
		mutations:        mutations,
		reconcileLatency: reconcileLatency,
		reconciliations:  reconciliations,
		divergences:      divergences,
		divergenceSize:   divergenceSize,
		total:            total,
	}, nil
}

// RecordMutation records one coordinator call.
func (m *Metrics) RecordMutation(ctx context.Context, op outbound.TotalOperation, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("operation", string(op)),
		attribute.String("outcome", outcome),
	)
	m.mutationLatency.Record(ctx, duration.Seconds(), attrs)
	m.mutations.Add(ctx, 1, attrs)
}

// RecordReconciliation records one reconciliation run.
func (m *Metrics) RecordReconciliation(ctx context.Context, status string, duration time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.reconcileLatency.Record(ctx, duration.Seconds(), attrs)
	m.reconciliations.Add(ctx, 1, attrs)
}

// RecordDivergence records a detected divergence.
func (m *Metrics) RecordDivergence(ctx context.Context, diffMinor int64) {
	direction := "over"
	if diffMinor > 0 {
		direction = "under"
	}
	attrs := metric.WithAttributes(attribute.String("direction", direction))
	m.divergences.Add(ctx, 1, attrs)
	if diffMinor < 0 {
		diffMinor = -diffMinor
	}
	m.divergenceSize.Record(ctx, diffMinor, attrs)
}

// RecordTotal records the latest known total.
func (m *Metrics) RecordTotal(ctx context.Context, totalMinor int64) {
	m.total.Record(ctx, totalMinor)
}
