package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records stageflow metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordPass records a completed or aborted propagation pass.
	RecordPass(ctx context.Context, root string, success bool, duration time.Duration, dispatched int)

	// RecordStageDispatch records one dispatch of a stage.
	RecordStageDispatch(ctx context.Context, stage string)

	// RecordListenerError records a listener failure.
	RecordListenerError(ctx context.Context, stage, phase string)

	// RecordSuppressedState records a state update stored during an active pass.
	RecordSuppressedState(ctx context.Context, stage string)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	passRuns       metric.Int64Counter
	passLatency    metric.Float64Histogram
	passDispatches metric.Int64Histogram
	stageDispatch  metric.Int64Counter
	listenerErrors metric.Int64Counter
	suppressed     metric.Int64Counter
}

// newOtelMetrics creates a new OTel metrics instance.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter("stageflow")

	passRuns, err := meter.Int64Counter("stageflow.pass.runs",
		metric.WithDescription("Number of propagation passes"),
	)
	if err != nil {
		return nil, err
	}

	passLatency, err := meter.Float64Histogram("stageflow.pass.latency_ms",
		metric.WithDescription("Propagation pass latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	passDispatches, err := meter.Int64Histogram("stageflow.pass.dispatches",
		metric.WithDescription("Stage dispatches per propagation pass"),
	)
	if err != nil {
		return nil, err
	}

	stageDispatch, err := meter.Int64Counter("stageflow.stage.dispatches",
		metric.WithDescription("Number of stage dispatches"),
	)
	if err != nil {
		return nil, err
	}

	listenerErrors, err := meter.Int64Counter("stageflow.listener.errors",
		metric.WithDescription("Number of listener failures"),
	)
	if err != nil {
		return nil, err
	}

	suppressed, err := meter.Int64Counter("stageflow.state.suppressed",
		metric.WithDescription("State updates stored during an active pass"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		passRuns:       passRuns,
		passLatency:    passLatency,
		passDispatches: passDispatches,
		stageDispatch:  stageDispatch,
		listenerErrors: listenerErrors,
		suppressed:     suppressed,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder binds to the global OTel meter provider current at the
// time of the call. Configure the provider before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := newOtelMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordPass records a propagation pass.
func (m *otelMetrics) RecordPass(ctx context.Context, root string, success bool, duration time.Duration, dispatched int) {
	attrs := metric.WithAttributes(
		attribute.String("root_stage", root),
		attribute.Bool("success", success),
	)
	m.passRuns.Add(ctx, 1, attrs)
	m.passLatency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
	m.passDispatches.Record(ctx, int64(dispatched), attrs)
}

// RecordStageDispatch records a stage dispatch.
func (m *otelMetrics) RecordStageDispatch(ctx context.Context, stage string) {
	m.stageDispatch.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}

// RecordListenerError records a listener failure.
func (m *otelMetrics) RecordListenerError(ctx context.Context, stage, phase string) {
	m.listenerErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("phase", phase),
	))
}

// RecordSuppressedState records a suppressed propagation.
func (m *otelMetrics) RecordSuppressedState(ctx context.Context, stage string) {
	m.suppressed.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", stage)))
}
