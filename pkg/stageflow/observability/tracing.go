package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope of stageflow spans.
const tracerName = "stageflow"

// tracer returns the stageflow tracer of the current global provider.
func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// SpanManager handles trace span lifecycle.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartPassSpan starts a span for a whole propagation pass.
	StartPassSpan(ctx context.Context, flowID, passID, root string) (context.Context, trace.Span)

	// StartStageSpan starts a span for one stage dispatch.
	// The stage span should be a child of the pass span.
	StartStageSpan(ctx context.Context, stage string, visit int) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// AddSpanEvent adds an event to the current span in context.
	AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

// otelSpanManager implements SpanManager using OpenTelemetry.
type otelSpanManager struct{}

// NewSpanManager returns a SpanManager that uses OpenTelemetry.
//
// The span manager uses the global OTel tracer provider. Configure the provider
// before calling this function:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetTracerProvider(yourProvider)
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// StartPassSpan starts a span for a propagation pass.
func (m *otelSpanManager) StartPassSpan(ctx context.Context, flowID, passID, root string) (context.Context, trace.Span) {
	return StartPassSpan(ctx, flowID, passID, root)
}

// StartStageSpan starts a span for a stage dispatch.
func (m *otelSpanManager) StartStageSpan(ctx context.Context, stage string, visit int) (context.Context, trace.Span) {
	return StartStageSpan(ctx, stage, visit)
}

// EndSpanWithError completes a span, optionally recording an error.
func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	EndSpanWithError(span, err)
}

// AddSpanEvent adds an event to the current span.
func (m *otelSpanManager) AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	AddSpanEvent(ctx, name, attrs...)
}

// Convenience functions that operate on the global tracer.

// StartPassSpan starts a span for a propagation pass.
// Uses the global OTel tracer.
func StartPassSpan(ctx context.Context, flowID, passID, root string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "stageflow.pass",
		trace.WithAttributes(
			attribute.String("flow.id", flowID),
			attribute.String("pass.id", passID),
			attribute.String("pass.root", root),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStageSpan starts a span for a stage dispatch.
// Uses the global OTel tracer.
func StartStageSpan(ctx context.Context, stage string, visit int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "stageflow.stage."+stage,
		trace.WithAttributes(
			attribute.String("stage.name", stage),
			attribute.Int("stage.visit", visit),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndSpanWithError completes a span, optionally recording an error.
func EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// AddSpanEvent adds an event to the current span in context.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span == nil || !span.IsRecording() {
		return
	}
	span.AddEvent(name, trace.WithAttributes(attrs...))
}
