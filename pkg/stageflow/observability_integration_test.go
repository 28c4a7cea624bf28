package stageflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
)

func TestSetState_WithLogger(t *testing.T) {
	h := newTestLogHandler()
	f := mustNew(t, []StageDescriptor{Stage("a"), Stage("b", "a")},
		WithLogger(slog.New(h)), WithFlowID("editor"))

	require.NoError(t, f.SetState("a", 1))

	starts := h.recordsWithMsg("propagation pass starting")
	require.Len(t, starts, 1)
	assert.Equal(t, "editor", starts[0]["flow_id"])
	assert.Equal(t, "a", starts[0]["root_stage"])
	passID := starts[0]["pass_id"]
	assert.NotEmpty(t, passID)

	dispatches := h.recordsWithMsg("stage dispatching")
	require.Len(t, dispatches, 2)
	assert.Equal(t, "a", dispatches[0]["stage"])
	assert.Equal(t, "b", dispatches[1]["stage"])
	assert.Equal(t, "DEBUG", dispatches[0]["level"])
	assert.Equal(t, passID, dispatches[1]["pass_id"])

	completes := h.recordsWithMsg("propagation pass completed")
	require.Len(t, completes, 1)
	assert.Equal(t, float64(2), completes[0]["stages_dispatched"])
	assert.Equal(t, passID, completes[0]["pass_id"])
	assert.Contains(t, completes[0], "duration_ms")
}

func TestSetState_WithLogger_Error(t *testing.T) {
	h := newTestLogHandler()
	f := mustNew(t, []StageDescriptor{Stage("a"), Stage("b", "a")}, WithLogger(slog.New(h)))
	f.On("b", func(Event) error { return errors.New("layout broke") })

	require.Error(t, f.SetState("a", 1))

	failed := h.recordsWithMsg("propagation pass failed")
	require.Len(t, failed, 1)
	assert.Equal(t, "ERROR", failed[0]["level"])
	assert.Equal(t, "b", failed[0]["last_stage"])
	assert.Equal(t, "listener b: layout broke", failed[0]["error"])
	assert.Empty(t, h.recordsWithMsg("propagation pass completed"))
}

func TestSetState_WithLogger_Suppressed(t *testing.T) {
	h := newTestLogHandler()
	f := mustNew(t, []StageDescriptor{Stage("a"), Stage("b")}, WithLogger(slog.New(h)))
	f.On("a", func(e Event) error { return e.Flow.SetState("b", 2) })

	require.NoError(t, f.SetState("a", 1))

	suppressed := h.recordsWithMsg("state stored during active pass")
	require.Len(t, suppressed, 1)
	assert.Equal(t, "b", suppressed[0]["stage"])
	assert.Equal(t, h.recordsWithMsg("propagation pass starting")[0]["pass_id"], suppressed[0]["pass_id"])
	assert.Len(t, h.recordsWithMsg("propagation pass starting"), 1)
}

func TestEvent_Logger(t *testing.T) {
	h := newTestLogHandler()
	f := mustNew(t, []StageDescriptor{Stage("a")}, WithLogger(slog.New(h)), WithFlowID("editor"))

	var passID string
	f.On("a", func(e Event) error {
		passID = e.PassID
		e.Logger().Info("listener ran")
		return nil
	})
	require.NoError(t, f.SetState("a", 1))

	records := h.recordsWithMsg("listener ran")
	require.Len(t, records, 1)
	assert.Equal(t, "editor", records[0]["flow_id"])
	assert.Equal(t, passID, records[0]["pass_id"])
}

func TestSetState_WithoutObservability(t *testing.T) {
	// Nothing configured: no logger, noop metrics and spans.
	f := mustNew(t, editorStages())
	assert.NoError(t, f.SetState("document", "x"))

	f = mustNew(t, editorStages(), WithMetrics(true), WithTracing(true))
	assert.NoError(t, f.SetState("document", "x"), "no providers configured")

	f = mustNew(t, editorStages(), WithMetrics(true), WithMetrics(false), WithTracing(false))
	assert.NoError(t, f.SetState("document", "x"))
}

func TestSetState_WithMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	original := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(original)
		_ = provider.Shutdown(context.Background())
	})

	f := mustNew(t, diamondStages(), WithMetrics(true))
	f.On("a", func(e Event) error { return e.Flow.SetState("c", "x") })
	require.NoError(t, f.SetState("a", 1))

	f.On("c", func(Event) error { return errors.New("nope") })
	require.Error(t, f.SetState("a", 2))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	sums := map[string]map[attribute.Distinct]int64{}
	points := map[string][]metricdata.DataPoint[int64]{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				sums[m.Name] = map[attribute.Distinct]int64{}
				for _, dp := range sum.DataPoints {
					sums[m.Name][dp.Attributes.Equivalent()] = dp.Value
				}
				points[m.Name] = sum.DataPoints
			}
		}
	}

	stageSet := func(stage string) attribute.Distinct {
		set := attribute.NewSet(attribute.String("stage", stage))
		return set.Equivalent()
	}
	passSet := func(success bool) attribute.Distinct {
		set := attribute.NewSet(attribute.String("root_stage", "a"), attribute.Bool("success", success))
		return set.Equivalent()
	}

	assert.Equal(t, int64(1), sums["stageflow.pass.runs"][passSet(true)])
	assert.Equal(t, int64(1), sums["stageflow.pass.runs"][passSet(false)])

	// First pass: a b c d d. Second pass stops in c.
	assert.Equal(t, int64(2), sums["stageflow.stage.dispatches"][stageSet("a")])
	assert.Equal(t, int64(2), sums["stageflow.stage.dispatches"][stageSet("d")])
	assert.Equal(t, int64(2), sums["stageflow.state.suppressed"][stageSet("c")])

	errSet := attribute.NewSet(attribute.String("phase", "main"), attribute.String("stage", "c"))
	assert.Equal(t, int64(1), sums["stageflow.listener.errors"][errSet.Equivalent()])
	assert.Len(t, points["stageflow.listener.errors"], 1)
}

func TestSetState_WithTracing(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	})

	f := mustNew(t, []StageDescriptor{Stage("a"), Stage("b", "a")}, WithTracing(true), WithFlowID("editor"))

	var listenerSpan trace.SpanContext
	f.On("b", func(e Event) error {
		listenerSpan = trace.SpanContextFromContext(e.Ctx)
		return nil
	})
	require.NoError(t, f.SetState("a", 1))

	spans := exporter.GetSpans()
	require.Len(t, spans, 3)

	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		byName[s.Name] = s
	}
	pass, ok := byName["stageflow.pass"]
	require.True(t, ok)
	assert.Equal(t, codes.Ok, pass.Status.Code)

	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range pass.Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, "editor", attrs["flow.id"].AsString())
	assert.Equal(t, "a", attrs["pass.root"].AsString())

	for _, name := range []string{"stageflow.stage.a", "stageflow.stage.b"} {
		stage, ok := byName[name]
		require.True(t, ok, name)
		assert.Equal(t, pass.SpanContext.SpanID(), stage.Parent.SpanID())
		require.Len(t, stage.Events, 3)
		assert.Equal(t, "phase.before", stage.Events[0].Name)
		assert.Equal(t, "phase.main", stage.Events[1].Name)
		assert.Equal(t, "phase.after", stage.Events[2].Name)
	}
	assert.Equal(t, byName["stageflow.stage.b"].SpanContext.SpanID(), listenerSpan.SpanID())
}

func TestSetState_WithTracing_Error(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	original := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(original)
		_ = tp.Shutdown(context.Background())
	})

	f := mustNew(t, []StageDescriptor{Stage("a")}, WithTracing(true))
	f.After("a", func(Event) error { return errors.New("after failed") })
	require.Error(t, f.SetState("a", 1))

	for _, s := range exporter.GetSpans() {
		assert.Equal(t, codes.Error, s.Status.Code, s.Name)
	}
}

// busCollector gathers every event published on a bus.
type busCollector struct {
	mu     sync.Mutex
	events []event.Event
}

func (c *busCollector) Handle(_ context.Context, evt event.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, evt)
	return nil
}

func (c *busCollector) get() []event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.Event(nil), c.events...)
}

func TestSetState_WithEventBus(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	var c busCollector
	_, err := bus.SubscribeAll(&c)
	require.NoError(t, err)

	f := mustNew(t, []StageDescriptor{Stage("a"), Stage("b", "a")}, WithEventBus(bus), WithFlowID("editor"))
	var passID string
	f.On("a", func(e Event) error { passID = e.PassID; return nil })
	require.NoError(t, f.SetState("a", 1))

	require.Eventually(t, func() bool { return len(c.get()) == 3 }, time.Second, 5*time.Millisecond)

	events := c.get()
	var types []string
	for _, evt := range events {
		types = append(types, evt.Type())
		assert.Equal(t, passID, evt.CorrelationID())
		assert.Equal(t, "editor", evt.Source())
	}
	assert.Equal(t, []string{EventStageDispatched, EventStageDispatched, EventPassCompleted}, types)

	dispatched, ok := events[1].Data().(StageDispatched)
	require.True(t, ok)
	assert.Equal(t, StageDispatched{FlowID: "editor", PassID: passID, Root: "a", Stage: "b", Visit: 1}, dispatched)

	completed, ok := events[2].Data().(PassCompleted)
	require.True(t, ok)
	assert.Equal(t, 2, completed.Dispatched)
}

func TestSetState_WithEventBus_Failed(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	defer bus.Close()

	var c busCollector
	_, err := bus.Subscribe([]string{EventPassFailed}, &c)
	require.NoError(t, err)

	f := mustNew(t, diamondStages(), WithEventBus(bus), WithMaxDispatches(2))
	require.ErrorIs(t, f.SetState("a", 1), ErrDispatchLimit)

	require.Eventually(t, func() bool { return len(c.get()) == 1 }, time.Second, 5*time.Millisecond)
	failed, ok := c.get()[0].Data().(PassFailed)
	require.True(t, ok)
	assert.Equal(t, "a", failed.Root)
	assert.Equal(t, "b", failed.LastStage)
	assert.Equal(t, 2, failed.Dispatched)
	assert.Contains(t, failed.Error, "exceeded maximum stage dispatches (2)")
}

func TestSetState_WithEventBus_Closed(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	require.NoError(t, bus.Close())

	h := newTestLogHandler()
	f := mustNew(t, []StageDescriptor{Stage("a")}, WithEventBus(bus), WithLogger(slog.New(h)))
	require.NoError(t, f.SetState("a", 1), "publish errors never fail a pass")

	warnings := h.recordsWithMsg("event publish failed")
	require.Len(t, warnings, 2)
	assert.Equal(t, EventStageDispatched, warnings[0]["event_type"])
	assert.Equal(t, EventPassCompleted, warnings[1]["event_type"])
}
