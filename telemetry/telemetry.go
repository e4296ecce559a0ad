package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type Telemetry struct {
	tp *trace.TracerProvider
	mp *metric.MeterProvider

	meter  otelmetric.Meter
	tracer oteltrace.Tracer

	serviceName    string
	serviceVersion string

	engine *engineInstruments
}

func NewTelemetry(ctx context.Context, opts Options) (*Telemetry, error) {
	res := resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(opts.ServiceName),
		semconv.ServiceVersion(opts.ServiceVersion),
	)

	tp, err := NewTracerProvider(ctx, res, opts)
	if err != nil {
		return nil, err
	}

	mp, err := NewMeterProvider(ctx, res, opts)
	if err != nil {
		return nil, errors.Join(err, tp.Shutdown(ctx))
	}

	return FromProviders(opts.ServiceName, opts.ServiceVersion, tp, mp)
}

// FromProviders builds telemetry on existing providers.
func FromProviders(serviceName, serviceVersion string, tp *trace.TracerProvider, mp *metric.MeterProvider) (*Telemetry, error) {
	t := &Telemetry{
		tp: tp,
		mp: mp,

		meter:  mp.Meter(serviceName),
		tracer: tp.Tracer(serviceVersion),

		serviceName:    serviceName,
		serviceVersion: serviceVersion,
	}

	engine, err := newEngineInstruments(t.meter)
	if err != nil {
		return nil, err
	}
	t.engine = engine

	return t, nil
}

func (t *Telemetry) Meter() otelmetric.Meter {
	return t.meter
}

func (t *Telemetry) Tracer() oteltrace.Tracer {
	return t.tracer
}

func (t *Telemetry) TraceStart(ctx context.Context, name string) (context.Context, oteltrace.Span) {
	tracer := otel.Tracer(t.serviceName)
	return tracer.Start(ctx, name)
}

// Shutdown flushes and stops both providers.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return errors.Join(t.tp.Shutdown(ctx), t.mp.Shutdown(ctx))
}
