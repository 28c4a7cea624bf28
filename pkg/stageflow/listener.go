package stageflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/randalmurphal/stageflow/pkg/stageflow/observability"
)

// Listener reacts to one dispatch phase of a stage.
// A non-nil error aborts the current pass.
type Listener func(e Event) error

// Event is what a Listener receives.
type Event struct {
	// Ctx carries the caller's context, plus the stage span when tracing is enabled.
	Ctx context.Context
	// Flow is the dispatching Flow. Listeners may call back into it.
	Flow *Flow
	// Name is the event name the listener was registered for.
	Name string
	// Stage is the stage being dispatched.
	Stage string
	// Phase is the dispatch phase.
	Phase Phase
	// State is the stage's stored state, read when the main phase starts.
	// Always nil for PhaseBefore and PhaseAfter.
	State any
	// PassID identifies the propagation pass.
	PassID string
}

// Logger returns the Flow's logger enriched with flow_id and pass_id, or
// nil when the Flow has no logger.
func (e Event) Logger() *slog.Logger {
	if e.Flow == nil {
		return nil
	}
	return observability.EnrichLogger(e.Flow.cfg.logger, e.Flow.cfg.flowID, e.PassID)
}

// Subscription is a registered listener. Use Unsubscribe (or Flow.Off)
// to remove it.
type Subscription struct {
	flow     *Flow
	event    string
	listener Listener
	removed  atomic.Bool
}

// Event returns the event name the listener is registered for.
func (s *Subscription) Event() string {
	return s.event
}

// Unsubscribe removes the listener. A listener removed during a pass is
// not invoked again, even if its phase is already being dispatched.
// Returns false if it was already removed.
func (s *Subscription) Unsubscribe() bool {
	if s == nil || !s.removed.CompareAndSwap(false, true) {
		return false
	}

	f := s.flow
	f.mu.Lock()
	defer f.mu.Unlock()

	subs := f.listeners[s.event]
	if i := slices.Index(subs, s); i >= 0 {
		// Fresh slice: an in-flight emit may still hold the old one.
		f.listeners[s.event] = slices.Delete(slices.Clone(subs), i, i+1)
	}
	if len(f.listeners[s.event]) == 0 {
		delete(f.listeners, s.event)
	}
	return true
}

// On registers a listener for an event name: "before:<stage>", "<stage>"
// or "after:<stage>". Listeners for one event run in registration order.
//
// On panics if the event names a stage the graph does not declare, or if
// listener is nil.
func (f *Flow) On(eventName string, listener Listener) *Subscription {
	stage, _ := ParseEventName(eventName)
	if !f.graph.Has(stage) {
		panic(fmt.Sprintf("stageflow: On(%q): %v", eventName, &UnknownStageError{Stage: stage}))
	}
	if listener == nil {
		panic(fmt.Sprintf("stageflow: On(%q): nil listener", eventName))
	}

	sub := &Subscription{flow: f, event: eventName, listener: listener}

	f.mu.Lock()
	defer f.mu.Unlock()
	// Append to a fresh slice for the same reason Unsubscribe does.
	f.listeners[eventName] = append(slices.Clip(f.listeners[eventName]), sub)
	return sub
}

// Before registers a listener for the before phase of stage.
func (f *Flow) Before(stage string, listener Listener) *Subscription {
	return f.On(PhaseBefore.EventName(stage), listener)
}

// After registers a listener for the after phase of stage.
func (f *Flow) After(stage string, listener Listener) *Subscription {
	return f.On(PhaseAfter.EventName(stage), listener)
}

// Off removes a listener. Equivalent to sub.Unsubscribe().
func (f *Flow) Off(sub *Subscription) bool {
	if sub == nil || sub.flow != f {
		return false
	}
	return sub.Unsubscribe()
}

// ListenerCount returns the number of listeners registered for eventName.
func (f *Flow) ListenerCount(eventName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.listeners[eventName])
}

// listenersFor returns the current listeners of an event. Caller holds f.mu.
// The returned slice is never mutated in place.
func (f *Flow) listenersFor(eventName string) []*Subscription {
	return f.listeners[eventName]
}
