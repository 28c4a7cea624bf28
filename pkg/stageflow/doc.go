/*
Package stageflow provides dependency-ordered state propagation between
named stages.

# Overview

A stage is a named slot of state. Stages declare the stages they require,
and the set is compiled once into an immutable Graph with a deterministic
topological order. A Flow binds a Graph to stored state and listeners:
setting the state of one stage dispatches that stage and then every stage
depending on it, breadth-first along the dependency edges.

Typical uses are editor-like pipelines where a document change must
recompute a selection, then a layout, and so on, always in the same order.

# Basic Usage

	flow, err := stageflow.New([]stageflow.StageDescriptor{
	    stageflow.Stage("document"),
	    stageflow.Stage("selection", "document"),
	    stageflow.Stage("layout", "document", "selection"),
	})
	if err != nil {
	    log.Fatal(err) // cycle, unknown requirement, duplicate name
	}

	flow.On("layout", func(e stageflow.Event) error {
	    doc, _ := e.Flow.State("document")
	    fmt.Println("relayout", doc, e.State)
	    return nil
	})

	if err := flow.SetState("document", "hello"); err != nil {
	    log.Fatal(err)
	}

# Dispatch Phases

Each dispatch of a stage emits three events, each to its own listeners in
registration order:

	before:<stage>   no payload
	<stage>          payload is the stage's stored state
	after:<stage>    no payload

The main payload is read when the main phase starts, so a before listener
may compute and store the stage's state for the main listeners to see.

# Propagation Rules

  - At most one pass runs per Flow. SetState during a pass (from a
    listener or another goroutine) stores the value without starting a
    new pass; stages later in the current pass observe it.
  - A stage reachable from the root along k paths is dispatched k times
    per pass. WithDeduplication(true) dispatches each stage once.
  - The first listener error or panic aborts the pass. SetState returns
    it as a ListenerError or PanicError; queued stages are dropped.
  - WithMaxDispatches bounds the dispatches of a pass.

# Observability

WithLogger, WithMetrics and WithTracing enable slog logging and
OpenTelemetry metrics and spans; see the observability package. With
WithEventBus the Flow publishes dispatch and pass events to an event.Bus.

# Persistence

SaveSnapshot and RestoreSnapshot persist stored state through a
snapshot.Store (in-memory or SQLite). Flow definitions themselves are not
persisted; config.FromFile and FromConfig load them from YAML or JSON.

# Thread Safety

A Graph is immutable and may be shared by any number of Flows. A Flow is
safe for concurrent use; listeners run without any Flow lock held.
*/
package stageflow
