package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/trace/noop"
)

func setup(t *testing.T) (Recorder, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	rec, err := New(provider, noop.NewTracerProvider())
	require.NoError(t, err)
	return rec, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

func counterTotal(rm metricdata.ResourceMetrics, name string) int64 {
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}

func TestRecorder_Publish(t *testing.T) {
	rec, reader := setup(t)
	ctx := context.Background()

	_, end := rec.StartPublish(ctx, "message.received", "MESSAGE")
	end(nil)
	_, end = rec.StartPublish(ctx, "message.received", "MESSAGE")
	end(nil)
	_, end = rec.StartPublish(ctx, "custom.x", "CUSTOM")
	end(errors.New("rejected"))

	rm := collect(t, reader)
	assert.Equal(t, int64(2), counterTotal(rm, "eventbus.events.published"))
	assert.Equal(t, int64(1), counterTotal(rm, "eventbus.events.publish_errors"))
}

func TestRecorder_Delivery(t *testing.T) {
	rec, reader := setup(t)
	ctx := context.Background()

	rec.RecordDelivery(ctx, "message.received", "MESSAGE", OutcomeAcked, 5*time.Millisecond)
	rec.RecordDelivery(ctx, "message.received", "MESSAGE", OutcomeRetried, 7*time.Millisecond)
	rec.RecordDelivery(ctx, "message.received", "MESSAGE", OutcomeMalformed, 0)
	rec.RecordDeadLetter(ctx, "message.received")

	rm := collect(t, reader)
	assert.Equal(t, int64(3), counterTotal(rm, "eventbus.deliveries"))
	assert.Equal(t, int64(1), counterTotal(rm, "eventbus.dead_letters"))
}

func TestNoop(t *testing.T) {
	var rec Recorder = Noop{}
	ctx := context.Background()

	got, end := rec.StartPublish(ctx, "a.b", "X")
	assert.Equal(t, ctx, got)
	assert.NotPanics(t, func() {
		end(errors.New("x"))
		rec.RecordDelivery(ctx, "a.b", "X", OutcomeAcked, time.Second)
		rec.RecordDeadLetter(ctx, "a.b")
	})
}

func TestNewGlobal(t *testing.T) {
	rec, err := NewGlobal()
	require.NoError(t, err)
	assert.NotNil(t, rec)
}
