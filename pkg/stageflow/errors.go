package stageflow

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for graph compilation.
var (
	// ErrCyclicDependency indicates the stage set contains a dependency cycle.
	ErrCyclicDependency = errors.New("cyclic dependency")

	// ErrUnknownStage indicates a stage name that is not part of the graph.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrEmptyStageName indicates a stage descriptor without a name.
	ErrEmptyStageName = errors.New("stage name cannot be empty")

	// ErrDuplicateStage indicates two descriptors share a name.
	ErrDuplicateStage = errors.New("duplicate stage")

	// ErrInvalidStageName indicates a name that collides with listener
	// event prefixes or contains whitespace.
	ErrInvalidStageName = errors.New("invalid stage name")
)

// Sentinel errors for state propagation.
var (
	// ErrStateNotMergeable indicates UpdateState was called on a stage whose
	// stored state is not a map[string]any.
	ErrStateNotMergeable = errors.New("stored state is not mergeable")

	// ErrDispatchLimit indicates a pass exceeded the configured dispatch limit.
	ErrDispatchLimit = errors.New("exceeded maximum stage dispatches")

	// ErrFlowing indicates an operation that is not allowed during a pass.
	ErrFlowing = errors.New("flow is propagating")
)

// CyclicDependencyError reports a dependency cycle found during compilation.
//
// Stage is set when the cycle was hit while walking from a root stage.
// It is empty when the cycle is only detected afterwards, because no root
// reaches it. Path always holds one witness cycle, in dependency order:
// each element is required by the next, and the first and last are equal.
type CyclicDependencyError struct {
	Stage string
	Path  []string
}

// Error implements the error interface.
func (e *CyclicDependencyError) Error() string {
	var b strings.Builder
	if e.Stage != "" {
		fmt.Fprintf(&b, "detected cyclic dependency for stage %s", e.Stage)
	} else {
		b.WriteString("cyclic dependencies found")
	}
	if len(e.Path) > 0 {
		b.WriteString(": ")
		b.WriteString(strings.Join(e.Path, " -> "))
	}
	return b.String()
}

// Unwrap returns ErrCyclicDependency for errors.Is support.
func (e *CyclicDependencyError) Unwrap() error {
	return ErrCyclicDependency
}

// UnknownStageError reports a reference to a stage absent from the graph.
type UnknownStageError struct {
	// Stage is the name that could not be resolved.
	Stage string
	// RequiredBy is the declaring stage when the name came from a requires list.
	RequiredBy string
}

// Error implements the error interface.
func (e *UnknownStageError) Error() string {
	if e.RequiredBy != "" {
		return fmt.Sprintf("unknown stage %s (required by %s)", e.Stage, e.RequiredBy)
	}
	return fmt.Sprintf("unknown stage %s", e.Stage)
}

// Unwrap returns ErrUnknownStage for errors.Is support.
func (e *UnknownStageError) Unwrap() error {
	return ErrUnknownStage
}

// ListenerError wraps an error returned by a listener during a pass.
type ListenerError struct {
	// Event is the event name the listener was registered for.
	Event string
	// Stage is the stage being dispatched.
	Stage string
	// Phase is the dispatch phase.
	Phase Phase
	// Err is the error returned by the listener.
	Err error
}

// Error implements the error interface.
func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %s: %v", e.Event, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *ListenerError) Unwrap() error {
	return e.Err
}

// PanicError captures a panic raised by a listener.
type PanicError struct {
	// Event is the event name the listener was registered for.
	Event string
	// Value is the value passed to panic().
	Value any
	// Stack is the stack trace at the point of panic.
	Stack string
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("listener %s panicked: %v", e.Event, e.Value)
}

// DispatchLimitError is returned when a pass dispatches more stages than
// allowed by WithMaxDispatches.
type DispatchLimitError struct {
	Max       int
	Root      string
	LastStage string
}

// Error implements the error interface.
func (e *DispatchLimitError) Error() string {
	return fmt.Sprintf("exceeded maximum stage dispatches (%d) in pass from %s at stage %s", e.Max, e.Root, e.LastStage)
}

// Unwrap returns ErrDispatchLimit for errors.Is support.
func (e *DispatchLimitError) Unwrap() error {
	return ErrDispatchLimit
}
