package stageflow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/randalmurphal/stageflow/pkg/stageflow/config"
)

// FromConfig compiles the stages of a flow document and returns a Flow
// with the document's settings applied. opts are applied after the
// settings, so they take precedence.
//
//	cfg, err := config.FromFile("flow.yaml")
//	if err != nil {
//	    return err
//	}
//	flow, err := stageflow.FromConfig(cfg, stageflow.WithLogger(logger))
func FromConfig(cfg config.Config, opts ...Option) (*Flow, error) {
	defs, err := cfg.Stages()
	if err != nil {
		return nil, fmt.Errorf("load stages: %w", err)
	}

	stages := make([]StageDescriptor, 0, len(defs))
	for _, d := range defs {
		stages = append(stages, StageDescriptor{Name: d.Name, Requires: d.Requires})
	}

	base, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(stages, append(base, opts...)...)
}

// OptionsFromConfig translates the flow_id key and the settings section
// into Options. A log_level setting enables logging through the handler
// of slog.Default(), filtered at that level. That handler still applies
// its own minimum, so a WithLogger option is needed for debug output.
func OptionsFromConfig(cfg config.Config) ([]Option, error) {
	s := cfg.Settings()

	var opts []Option
	if id := cfg.FlowID(); id != "" {
		opts = append(opts, WithFlowID(id))
	}
	opts = append(opts,
		WithDeduplication(s.Deduplicate),
		WithMetrics(s.Metrics),
		WithTracing(s.Tracing),
	)
	if s.MaxDispatches < 0 {
		return nil, fmt.Errorf("settings.max_dispatches: must be >= 0, got %d", s.MaxDispatches)
	}
	opts = append(opts, WithMaxDispatches(s.MaxDispatches))

	if cfg.Section(config.KeySettings).Has("log_level") {
		var level slog.Level
		if err := level.UnmarshalText([]byte(s.LogLevel)); err != nil {
			return nil, fmt.Errorf("settings.log_level: %w", err)
		}
		opts = append(opts, WithLogger(slog.New(&levelHandler{
			level:   level,
			handler: slog.Default().Handler(),
		})))
	}
	return opts, nil
}

// levelHandler raises the minimum level of a wrapped handler.
type levelHandler struct {
	level   slog.Leveler
	handler slog.Handler
}

func (h *levelHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level.Level() && h.handler.Enabled(ctx, level)
}

func (h *levelHandler) Handle(ctx context.Context, r slog.Record) error {
	return h.handler.Handle(ctx, r)
}

func (h *levelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithAttrs(attrs)}
}

func (h *levelHandler) WithGroup(name string) slog.Handler {
	return &levelHandler{level: h.level, handler: h.handler.WithGroup(name)}
}
