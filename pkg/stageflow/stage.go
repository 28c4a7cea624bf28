package stageflow

import "strings"

// StageDescriptor declares a stage and the stages it requires.
//
// A stage runs after, and is re-triggered by, every stage it requires.
type StageDescriptor struct {
	Name     string
	Requires []string
}

// Stage is shorthand for building a StageDescriptor.
//
//	stageflow.Compile([]stageflow.StageDescriptor{
//	    stageflow.Stage("document"),
//	    stageflow.Stage("selection", "document"),
//	    stageflow.Stage("layout", "selection"),
//	})
func Stage(name string, requires ...string) StageDescriptor {
	return StageDescriptor{Name: name, Requires: requires}
}

// Phase is one of the three dispatch steps for a stage within a pass.
type Phase int

const (
	// PhaseBefore runs before the stage's own listeners.
	PhaseBefore Phase = iota
	// PhaseMain runs the stage's own listeners with its stored state.
	PhaseMain
	// PhaseAfter runs once all main listeners completed.
	PhaseAfter
)

const (
	beforePrefix = "before:"
	afterPrefix  = "after:"
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseBefore:
		return "before"
	case PhaseMain:
		return "main"
	case PhaseAfter:
		return "after"
	default:
		return "unknown"
	}
}

// EventName returns the listener event name for a stage in this phase:
// "before:<stage>", "<stage>" or "after:<stage>".
func (p Phase) EventName(stage string) string {
	switch p {
	case PhaseBefore:
		return beforePrefix + stage
	case PhaseAfter:
		return afterPrefix + stage
	default:
		return stage
	}
}

// ParseEventName splits a listener event name into its stage and phase.
func ParseEventName(event string) (string, Phase) {
	if stage, ok := strings.CutPrefix(event, beforePrefix); ok {
		return stage, PhaseBefore
	}
	if stage, ok := strings.CutPrefix(event, afterPrefix); ok {
		return stage, PhaseAfter
	}
	return event, PhaseMain
}
