package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
)

func newTestTelemetry(t *testing.T) (*Telemetry, *metric.ManualReader) {
	t.Helper()
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	tel, err := FromProviders("spindle", "test", trace.NewTracerProvider(), mp)
	require.NoError(t, err)
	t.Cleanup(func() { tel.Shutdown(context.Background()) })
	return tel, reader
}

func collect(t *testing.T, reader *metric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	out := make(map[string]metricdata.Aggregation)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func TestInstanceTransition(t *testing.T) {
	tel, reader := newTestTelemetry(t)
	ctx := context.Background()

	tel.InstanceTransition(ctx, "ci", "build", "running", 0)
	tel.InstanceTransition(ctx, "ci", "build", "success", 3*time.Second)
	tel.InstanceTransition(ctx, "ci", "test", "skipped", 0)
	tel.RunFinished(ctx, "ci", "success")

	metrics := collect(t, reader)

	transitions, ok := metrics["spindle_instance_transitions"].(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range transitions.DataPoints {
		total += dp.Value
	}
	assert.EqualValues(t, 3, total)

	running, ok := metrics["spindle_instances_running"].(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, running.DataPoints, 1)
	assert.EqualValues(t, 0, running.DataPoints[0].Value)

	duration, ok := metrics["spindle_instance_duration_seconds"].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, duration.DataPoints, 1)
	assert.EqualValues(t, 1, duration.DataPoints[0].Count)

	assert.Contains(t, metrics, "spindle_runs_finished")
}

func TestRequestMiddleware(t *testing.T) {
	tel, reader := newTestTelemetry(t)

	r := chi.NewRouter()
	r.Use(tel.RequestInFlight(), tel.RequestDuration())
	r.Get("/runs/{run}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/abc", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	metrics := collect(t, reader)
	duration, ok := metrics["request_duration_millis"].(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, duration.DataPoints, 1)
	route, ok := duration.DataPoints[0].Attributes.Value("http.route")
	require.True(t, ok)
	assert.Equal(t, "/runs/{run}", route.AsString())
}
