package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetrics holds OpenTelemetry latency instruments for the auth flows.
// Counters live in Metrics; these histograms are exported over OTLP.
type OTelMetrics struct {
	operationDuration metric.Float64Histogram
	storeDuration     metric.Float64Histogram
}

// NewOTelMetrics creates instruments on the global meter provider.
func NewOTelMetrics() (*OTelMetrics, error) {
	return NewOTelMetricsWithProvider(otel.GetMeterProvider())
}

// NewOTelMetricsWithProvider creates instruments on the given provider.
func NewOTelMetricsWithProvider(provider metric.MeterProvider) (*OTelMetrics, error) {
	meter := provider.Meter("github.com/platinummonkey/warden")

	m := &OTelMetrics{}
	var err error

	m.operationDuration, err = meter.Float64Histogram(
		"warden.operation.duration",
		metric.WithDescription("Duration of authentication operations"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create operation duration histogram: %w", err)
	}

	m.storeDuration, err = meter.Float64Histogram(
		"warden.store.duration",
		metric.WithDescription("Duration of shared store round trips"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store duration histogram: %w", err)
	}

	return m, nil
}

// RecordOperation records the latency of an auth operation such as login.
func (m *OTelMetrics) RecordOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("warden.operation", operation),
		attribute.Bool("error", err != nil),
	}
	m.operationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStoreOperation records the latency of a store round trip.
func (m *OTelMetrics) RecordStoreOperation(ctx context.Context, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("store.operation", operation),
		attribute.Bool("error", err != nil),
	}
	m.storeDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}
