// Package observability provides structured logging, metrics, and tracing
// for stageflow propagation passes.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds flow context to a logger.
// Returns a new logger with flow_id and pass_id fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "editor", "3f2c...")
//	enriched.Info("layout recomputed") // includes flow_id, pass_id
func EnrichLogger(logger *slog.Logger, flowID, passID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("flow_id", flowID),
		slog.String("pass_id", passID),
	)
}

// LogPassStart logs the start of a propagation pass.
func LogPassStart(logger *slog.Logger, passID, root string) {
	if logger == nil {
		return
	}
	logger.Info("propagation pass starting",
		slog.String("pass_id", passID),
		slog.String("root_stage", root),
	)
}

// LogPassComplete logs successful pass completion.
func LogPassComplete(logger *slog.Logger, passID, root string, durationMs float64, dispatched int) {
	if logger == nil {
		return
	}
	logger.Info("propagation pass completed",
		slog.String("pass_id", passID),
		slog.String("root_stage", root),
		slog.Float64("duration_ms", durationMs),
		slog.Int("stages_dispatched", dispatched),
	)
}

// LogPassError logs an aborted pass.
func LogPassError(logger *slog.Logger, passID, root string, err error, durationMs float64, lastStage string) {
	if logger == nil {
		return
	}
	logger.Error("propagation pass failed",
		slog.String("pass_id", passID),
		slog.String("root_stage", root),
		slog.String("error", err.Error()),
		slog.Float64("duration_ms", durationMs),
		slog.String("last_stage", lastStage),
	)
}

// LogStageDispatch logs a stage dispatch. visit counts dispatches of the
// same stage within one pass, starting at 1.
func LogStageDispatch(logger *slog.Logger, passID, stage string, visit int) {
	if logger == nil {
		return
	}
	logger.Debug("stage dispatching",
		slog.String("pass_id", passID),
		slog.String("stage", stage),
		slog.Int("visit", visit),
	)
}

// LogStateSuppressed logs a state update recorded during an active pass
// without starting a new one.
func LogStateSuppressed(logger *slog.Logger, stage, activePassID string) {
	if logger == nil {
		return
	}
	logger.Debug("state stored during active pass",
		slog.String("stage", stage),
		slog.String("pass_id", activePassID),
	)
}

// LogPublishError logs a failed event bus publish (non-fatal).
func LogPublishError(logger *slog.Logger, eventType string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event publish failed",
		slog.String("event_type", eventType),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
