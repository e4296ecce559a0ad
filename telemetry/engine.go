package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

type engineInstruments struct {
	transitions otelmetric.Int64Counter
	duration    otelmetric.Float64Histogram
	running     otelmetric.Int64UpDownCounter
	runs        otelmetric.Int64Counter
}

func newEngineInstruments(meter otelmetric.Meter) (*engineInstruments, error) {
	transitions, err := meter.Int64Counter(
		"spindle_instance_transitions",
		otelmetric.WithDescription("Job instance state transitions, by resulting state."),
		otelmetric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"spindle_instance_duration_seconds",
		otelmetric.WithDescription("Wall-clock time of finished job instances."),
		otelmetric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	running, err := meter.Int64UpDownCounter(
		"spindle_instances_running",
		otelmetric.WithDescription("Job instances currently running."),
		otelmetric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter(
		"spindle_runs_finished",
		otelmetric.WithDescription("Finished runs, by verdict."),
		otelmetric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &engineInstruments{
		transitions: transitions,
		duration:    duration,
		running:     running,
		runs:        runs,
	}, nil
}

// InstanceTransition records an instance entering status. Elapsed is
// the time spent running, zero for instances that never ran.
func (t *Telemetry) InstanceTransition(ctx context.Context, workflow, job, status string, elapsed time.Duration) {
	attrs := otelmetric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("job", job),
	)
	withStatus := otelmetric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("job", job),
		attribute.String("status", status),
	)

	t.engine.transitions.Add(ctx, 1, withStatus)

	switch status {
	case "running":
		t.engine.running.Add(ctx, 1, attrs)
	case "success", "failed", "cancelled":
		if elapsed > 0 {
			t.engine.running.Add(ctx, -1, attrs)
			t.engine.duration.Record(ctx, elapsed.Seconds(), withStatus)
		}
	}
}

func (t *Telemetry) RunFinished(ctx context.Context, workflow, status string) {
	t.engine.runs.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("workflow", workflow),
		attribute.String("status", status),
	))
}
