package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collectHistogram(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Histogram[float64] {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				h, ok := m.Data.(metricdata.Histogram[float64])
				require.True(t, ok)
				return h
			}
		}
	}
	t.Fatalf("metric %s not collected", name)
	return metricdata.Histogram[float64]{}
}

func TestOTelMetrics_RecordOperation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewOTelMetricsWithProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordOperation(ctx, "login", 20*time.Millisecond, nil)
	m.RecordOperation(ctx, "login", 40*time.Millisecond, nil)
	m.RecordOperation(ctx, "login", 5*time.Millisecond, errors.New("locked"))

	h := collectHistogram(t, reader, "warden.operation.duration")
	require.Len(t, h.DataPoints, 2)

	counts := map[bool]uint64{}
	for _, dp := range h.DataPoints {
		op, _ := dp.Attributes.Value(attribute.Key("warden.operation"))
		assert.Equal(t, "login", op.AsString())
		failed, _ := dp.Attributes.Value(attribute.Key("error"))
		counts[failed.AsBool()] = dp.Count
	}
	assert.Equal(t, uint64(2), counts[false])
	assert.Equal(t, uint64(1), counts[true])
}

func TestOTelMetrics_RecordStoreOperation(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	m, err := NewOTelMetricsWithProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	require.NoError(t, err)

	m.RecordStoreOperation(context.Background(), "sessions.get", time.Millisecond, nil)

	h := collectHistogram(t, reader, "warden.store.duration")
	require.Len(t, h.DataPoints, 1)
	op, ok := h.DataPoints[0].Attributes.Value(attribute.Key("store.operation"))
	require.True(t, ok)
	assert.Equal(t, "sessions.get", op.AsString())
}

func TestOTelMetrics_NilReceiver(t *testing.T) {
	var m *OTelMetrics
	assert.NotPanics(t, func() {
		m.RecordOperation(context.Background(), "login", time.Millisecond, nil)
		m.RecordStoreOperation(context.Background(), "get", time.Millisecond, nil)
	})
}
