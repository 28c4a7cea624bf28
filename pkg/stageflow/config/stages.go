package config

import (
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// ErrNoStages indicates a document without a stages list.
var ErrNoStages = errors.New("config has no stages list")

// StageDef is one entry of the stages list.
//
// In a document a stage is either a bare name or a mapping:
//
//	stages:
//	  - document
//	  - name: layout
//	    requires: [document, selection]
type StageDef struct {
	Name     string   `mapstructure:"name"`
	Requires []string `mapstructure:"requires"`
}

// Settings are the optional flow settings under the settings key.
type Settings struct {
	Deduplicate   bool
	Metrics       bool
	Tracing       bool
	MaxDispatches int
	LogLevel      string
}

// Stages decodes the stages list in declaration order. Unknown keys in a
// stage mapping are rejected.
func (c Config) Stages() ([]StageDef, error) {
	raw, ok := c.data[KeyStages]
	if !ok {
		return nil, ErrNoStages
	}
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("stages: expected a list, got %T", raw)
	}

	defs := make([]StageDef, 0, len(items))
	for i, item := range items {
		if name, ok := item.(string); ok {
			defs = append(defs, StageDef{Name: name})
			continue
		}

		var def StageDef
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			ErrorUnused: true,
			Result:      &def,
		})
		if err != nil {
			return nil, fmt.Errorf("stages[%d]: %w", i, err)
		}
		if err := decoder.Decode(item); err != nil {
			return nil, fmt.Errorf("stages[%d]: %w", i, err)
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// Settings reads the settings section. Missing keys keep their zero value
// except LogLevel, which defaults to "info".
func (c Config) Settings() Settings {
	s := c.Section(KeySettings)
	return Settings{
		Deduplicate:   s.Bool("deduplicate", false),
		Metrics:       s.Bool("metrics", false),
		Tracing:       s.Bool("tracing", false),
		MaxDispatches: s.Int("max_dispatches", 0),
		LogLevel:      s.String("log_level", "info"),
	}
}
