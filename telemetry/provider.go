package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
)

// Exporters
const (
	ExporterOTLP   = "otlp"
	ExporterStdout = "stdout"
)

type Options struct {
	ServiceName    string
	ServiceVersion string
	// Exporter is otlp or stdout.
	Exporter string
	// Endpoint of the otlp collector; empty uses the OTEL_EXPORTER_OTLP_*
	// environment.
	Endpoint string
	Insecure bool
	// MetricInterval is how often metrics are exported.
	MetricInterval time.Duration
}

func NewTracerProvider(ctx context.Context, res *resource.Resource, opts Options) (*trace.TracerProvider, error) {
	var exporter trace.SpanExporter
	var err error

	switch opts.Exporter {
	case ExporterStdout:
		exporter, err = stdouttrace.New()
	case ExporterOTLP, "":
		var grpcOpts []otlptracegrpc.Option
		if opts.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithEndpoint(opts.Endpoint))
		}
		if opts.Insecure {
			grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, grpcOpts...)
	default:
		return nil, fmt.Errorf("unknown exporter %q", opts.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s trace exporter: %w", opts.Exporter, err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter, trace.WithBatchTimeout(1*time.Second)),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp, nil
}

func NewMeterProvider(ctx context.Context, res *resource.Resource, opts Options) (*metric.MeterProvider, error) {
	var exporter metric.Exporter
	var err error

	switch opts.Exporter {
	case ExporterStdout:
		exporter, err = stdoutmetric.New()
	case ExporterOTLP, "":
		var grpcOpts []otlpmetricgrpc.Option
		if opts.Endpoint != "" {
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithEndpoint(opts.Endpoint))
		}
		if opts.Insecure {
			grpcOpts = append(grpcOpts, otlpmetricgrpc.WithInsecure())
		}
		exporter, err = otlpmetricgrpc.New(ctx, grpcOpts...)
	default:
		return nil, fmt.Errorf("unknown exporter %q", opts.Exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s metric exporter: %w", opts.Exporter, err)
	}

	interval := opts.MetricInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	mp := metric.NewMeterProvider(
		metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(interval))),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(mp)
	return mp, nil
}
