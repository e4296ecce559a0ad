package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// route is the chi route pattern once routing is done, or the raw path.
func route(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func (t *Telemetry) requestAttrs(r *http.Request) []attribute.KeyValue {
	return []attribute.KeyValue{
		semconv.ServiceName(t.serviceName),
		semconv.HTTPMethod(r.Method),
		semconv.HTTPRoute(route(r)),
	}
}

func (t *Telemetry) RequestDuration() func(next http.Handler) http.Handler {
	const (
		metricNameRequestDurationMs = "request_duration_millis"
		metricUnitRequestDurationMs = "ms"
		metricDescRequestDurationMs = "Measures the latency of HTTP requests processed by the server, in milliseconds."
	)
	histogram, err := t.meter.Int64Histogram(
		metricNameRequestDurationMs,
		otelmetric.WithDescription(metricDescRequestDurationMs),
		otelmetric.WithUnit(metricUnitRequestDurationMs),
	)
	if err != nil {
		panic(fmt.Sprintf("unable to create %s histogram: %v", metricNameRequestDurationMs, err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// capture the start time of the request
			startTime := time.Now()

			// execute next http handler
			next.ServeHTTP(w, r)

			// record the request duration
			duration := time.Since(startTime)
			histogram.Record(
				r.Context(),
				duration.Milliseconds(),
				otelmetric.WithAttributes(t.requestAttrs(r)...),
			)
		})
	}
}

func (t *Telemetry) RequestInFlight() func(next http.Handler) http.Handler {
	const (
		metricNameRequestInFlight = "request_in_flight"
		metricDescRequestInFlight = "Measures the number of concurrent HTTP requests being processed by the server."
		metricUnitRequestInFlight = "1"
	)

	// counter to capture requests in flight
	counter, err := t.meter.Int64UpDownCounter(
		metricNameRequestInFlight,
		otelmetric.WithDescription(metricDescRequestInFlight),
		otelmetric.WithUnit(metricUnitRequestInFlight),
	)
	if err != nil {
		panic(fmt.Sprintf("unable to create %s counter: %v", metricNameRequestInFlight, err))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// the route is unknown until chi has routed the request
			attrs := otelmetric.WithAttributes(
				semconv.ServiceName(t.serviceName),
				semconv.HTTPMethod(r.Method),
			)

			counter.Add(r.Context(), 1, attrs)
			defer counter.Add(r.Context(), -1, attrs)

			next.ServeHTTP(w, r)
		})
	}
}
