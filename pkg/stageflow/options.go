package stageflow

import (
	"log/slog"

	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
	"github.com/randalmurphal/stageflow/pkg/stageflow/observability"
)

// flowConfig holds configuration for a Flow.
type flowConfig struct {
	flowID        string
	value         any
	deduplicate   bool
	maxDispatches int

	logger         *slog.Logger
	metricsEnabled bool
	metrics        observability.MetricsRecorder
	tracingEnabled bool
	spans          observability.SpanManager
	bus            event.Bus
}

// defaultFlowConfig returns the default Flow configuration.
func defaultFlowConfig() flowConfig {
	return flowConfig{
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
	}
}

// Option configures a Flow.
type Option func(*flowConfig)

// WithFlowID sets the identifier used in logs, spans, events and
// snapshots. Default: a random UUID.
func WithFlowID(id string) Option {
	return func(c *flowConfig) {
		c.flowID = id
	}
}

// WithValue attaches an opaque host value, available to listeners
// through Event.Flow.Value(). The Flow never interprets it.
func WithValue(v any) Option {
	return func(c *flowConfig) {
		c.value = v
	}
}

// WithDeduplication makes a pass dispatch each stage at most once.
// Default: false
//
// Without it, a stage reachable from the root along k distinct
// dependency paths is dispatched k times in one pass.
//
// Example:
//
//	flow, err := stageflow.New(stages, stageflow.WithDeduplication(true))
func WithDeduplication(enabled bool) Option {
	return func(c *flowConfig) {
		c.deduplicate = enabled
	}
}

// WithMaxDispatches caps the stage dispatches of a single pass.
// Default: 0 (unlimited)
//
// A pass reaching the cap is aborted with a DispatchLimitError. This
// guards against the exponential dispatch counts dense diamond lattices
// produce without deduplication.
func WithMaxDispatches(n int) Option {
	return func(c *flowConfig) {
		if n >= 0 {
			c.maxDispatches = n
		}
	}
}

// WithLogger sets the logger for pass and dispatch events.
// Default: nil (no logging)
//
// Example:
//
//	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
//	flow, err := stageflow.New(stages, stageflow.WithLogger(logger))
func WithLogger(logger *slog.Logger) Option {
	return func(c *flowConfig) {
		c.logger = logger
	}
}

// WithMetrics enables OpenTelemetry metrics collection.
// Default: false
//
// When enabled, records:
//   - stageflow.pass.runs: counter of passes (by root stage and success)
//   - stageflow.pass.latency_ms: histogram of pass latency
//   - stageflow.pass.dispatches: histogram of dispatches per pass
//   - stageflow.stage.dispatches: counter of dispatches by stage
//   - stageflow.listener.errors: counter of listener failures
//   - stageflow.state.suppressed: counter of state stored during a pass
//
// Configure the global meter provider before creating the Flow:
//
//	otel.SetMeterProvider(yourProvider)
func WithMetrics(enabled bool) Option {
	return func(c *flowConfig) {
		c.metricsEnabled = enabled
		if enabled {
			c.metrics = observability.NewMetricsRecorder()
		} else {
			c.metrics = observability.NoopMetrics{}
		}
	}
}

// WithTracing enables OpenTelemetry tracing.
// Default: false
//
// When enabled, creates spans:
//   - stageflow.pass: parent span for each propagation pass
//   - stageflow.stage.<name>: child span for each stage dispatch
//
// Listeners receive the stage span context in Event.Ctx.
func WithTracing(enabled bool) Option {
	return func(c *flowConfig) {
		c.tracingEnabled = enabled
		if enabled {
			c.spans = observability.NewSpanManager()
		} else {
			c.spans = observability.NoopSpanManager{}
		}
	}
}

// WithEventBus publishes dispatch and pass events to bus.
// Default: nil (no events)
//
// Published types are EventStageDispatched, EventPassCompleted and
// EventPassFailed, correlated by pass ID. Publishing is best effort: a
// failed publish is logged and never fails the pass.
func WithEventBus(bus event.Bus) Option {
	return func(c *flowConfig) {
		c.bus = bus
	}
}
