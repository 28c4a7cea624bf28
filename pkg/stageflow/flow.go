package stageflow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/stageflow/pkg/stageflow/event"
	"github.com/randalmurphal/stageflow/pkg/stageflow/observability"
)

// Flow propagates state changes through a compiled Graph.
//
// Setting the state of a stage starts a propagation pass: the stage and
// every stage depending on it are dispatched breadth-first, each through
// its before, main and after listeners. At most one pass is active per
// Flow. State set while a pass is active is stored but starts no pass of
// its own; listeners further down the current pass observe it.
//
// Flow is safe for concurrent use. Listeners run with no lock held and may
// call back into the Flow.
type Flow struct {
	graph  *Graph
	cfg    flowConfig
	logger *slog.Logger // cfg.logger with flow_id, nil when logging is off

	mu        sync.Mutex
	state     map[string]any
	listeners map[string][]*Subscription
	flowing   bool
	passID    string
}

// New compiles stages and returns a Flow over them.
func New(stages []StageDescriptor, opts ...Option) (*Flow, error) {
	g, err := Compile(stages)
	if err != nil {
		return nil, err
	}
	return NewFromGraph(g, opts...), nil
}

// NewFromGraph returns a Flow over an already compiled graph. Any number
// of Flows may share one Graph.
func NewFromGraph(g *Graph, opts ...Option) *Flow {
	if g == nil {
		panic("stageflow: NewFromGraph: nil graph")
	}

	cfg := defaultFlowConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.flowID == "" {
		cfg.flowID = uuid.NewString()
	}

	var logger *slog.Logger
	if cfg.logger != nil {
		logger = cfg.logger.With(slog.String("flow_id", cfg.flowID))
	}

	return &Flow{
		graph:     g,
		cfg:       cfg,
		logger:    logger,
		state:     make(map[string]any, g.Len()),
		listeners: make(map[string][]*Subscription),
	}
}

// Graph returns the compiled graph.
func (f *Flow) Graph() *Graph {
	return f.graph
}

// ID returns the flow identifier.
func (f *Flow) ID() string {
	return f.cfg.flowID
}

// Value returns the host value given with WithValue.
func (f *Flow) Value() any {
	return f.cfg.value
}

// StageNames returns all stage names in compiled topological order.
func (f *Flow) StageNames() []string {
	return f.graph.StageNames()
}

// State returns the stored state of a stage. The boolean is false if the
// stage has never been set (or was reset by RestoreSnapshot).
func (f *Flow) State(name string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.state[name]
	return v, ok
}

// States returns a copy of all stored state.
func (f *Flow) States() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return maps.Clone(f.state)
}

// IsFlowing reports whether a propagation pass is active.
func (f *Flow) IsFlowing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flowing
}

// SetState is SetStateContext with context.Background().
func (f *Flow) SetState(name string, value any) error {
	return f.SetStateContext(context.Background(), name, value)
}

// SetStateContext stores value as the state of stage name and propagates
// the change.
//
// Outside a pass, it runs a pass rooted at name and returns once the pass
// finished. The error is the first listener failure (ListenerError or
// PanicError), a DispatchLimitError, or ctx.Err() when ctx is cancelled
// between dispatches. Inside a pass (from a listener, or from another
// goroutine while one runs) the value is stored and nil is returned.
//
// A value stored that way only reaches the stages the running pass still
// dispatches. A goroutine that needs its change propagated must not
// overlap passes: it serializes its calls with the pass owner, or calls
// SetState again once IsFlowing reports false.
func (f *Flow) SetStateContext(ctx context.Context, name string, value any) error {
	return f.store(ctx, name, func(any) (any, error) { return value, nil })
}

// UpdateState is UpdateStateContext with context.Background().
func (f *Flow) UpdateState(name string, partial map[string]any) error {
	return f.UpdateStateContext(context.Background(), name, partial)
}

// UpdateStateContext shallow-merges partial into the stored state of
// stage name and propagates the change like SetStateContext.
//
// The stored state must be a map[string]any or unset; unset counts as an
// empty map. The stored map is never mutated: a merged copy replaces it,
// so states handed to earlier listeners stay unchanged. Any other stored
// type yields ErrStateNotMergeable.
func (f *Flow) UpdateStateContext(ctx context.Context, name string, partial map[string]any) error {
	return f.store(ctx, name, func(prev any) (any, error) {
		var merged map[string]any
		switch current := prev.(type) {
		case nil:
			merged = make(map[string]any, len(partial))
		case map[string]any:
			merged = maps.Clone(current)
		default:
			return nil, fmt.Errorf("%w: stage %s holds %T", ErrStateNotMergeable, name, prev)
		}
		maps.Copy(merged, partial)
		return merged, nil
	})
}

// store applies update to the stored state of name under the lock, then
// either starts a pass or, when one is active, records the suppression.
func (f *Flow) store(ctx context.Context, name string, update func(prev any) (any, error)) error {
	if ctx == nil {
		ctx = context.Background()
	}

	f.mu.Lock()
	if !f.graph.Has(name) {
		f.mu.Unlock()
		return &UnknownStageError{Stage: name}
	}
	next, err := update(f.state[name])
	if err != nil {
		f.mu.Unlock()
		return err
	}
	f.state[name] = next

	if f.flowing {
		activePass := f.passID
		f.mu.Unlock()
		observability.LogStateSuppressed(f.logger, name, activePass)
		f.cfg.metrics.RecordSuppressedState(ctx, name)
		return nil
	}

	passID := uuid.NewString()
	f.flowing = true
	f.passID = passID
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.flowing = false
		f.passID = ""
		f.mu.Unlock()
	}()

	return f.propagate(ctx, name, passID)
}

// pass is the bookkeeping of one propagation pass.
type pass struct {
	id         string
	root       string
	dispatched int
	lastStage  string
	visits     map[string]int
}

// propagate runs one pass rooted at root. The caller owns the flowing flag.
func (f *Flow) propagate(ctx context.Context, root, passID string) (passErr error) {
	logger := f.logger
	elapsed := observability.TimedOperation()
	startTime := time.Now()

	observability.LogPassStart(logger, passID, root)

	ctx, span := f.cfg.spans.StartPassSpan(ctx, f.cfg.flowID, passID, root)
	defer func() {
		f.cfg.spans.EndSpanWithError(span, passErr)
	}()

	p := &pass{id: passID, root: root, visits: make(map[string]int)}
	passErr = f.runQueue(ctx, logger, p)

	durationMs := elapsed()
	f.cfg.metrics.RecordPass(ctx, root, passErr == nil, time.Since(startTime), p.dispatched)

	if passErr != nil {
		observability.LogPassError(logger, passID, root, passErr, durationMs, p.lastStage)
		f.publish(ctx, logger, passID, EventPassFailed, PassFailed{
			FlowID:     f.cfg.flowID,
			PassID:     passID,
			Root:       root,
			LastStage:  p.lastStage,
			Dispatched: p.dispatched,
			DurationMs: durationMs,
			Error:      passErr.Error(),
		})
		return passErr
	}

	observability.LogPassComplete(logger, passID, root, durationMs, p.dispatched)
	f.publish(ctx, logger, passID, EventPassCompleted, PassCompleted{
		FlowID:     f.cfg.flowID,
		PassID:     passID,
		Root:       root,
		Dispatched: p.dispatched,
		DurationMs: durationMs,
	})
	return nil
}

// runQueue drains the FIFO queue of one pass. Each dispatched stage
// appends its dependents at the back, so a stage reachable along several
// paths is queued once per path.
func (f *Flow) runQueue(ctx context.Context, logger *slog.Logger, p *pass) error {
	var seen map[string]bool
	if f.cfg.deduplicate {
		seen = make(map[string]bool)
	}

	queue := []string{p.root}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]

		if seen != nil {
			if seen[name] {
				continue
			}
			seen[name] = true
		}

		if !f.graph.Has(name) {
			return &UnknownStageError{Stage: name}
		}

		if err := ctx.Err(); err != nil {
			return fmt.Errorf("pass from %s cancelled before stage %s: %w", p.root, name, err)
		}

		if limit := f.cfg.maxDispatches; limit > 0 && p.dispatched >= limit {
			return &DispatchLimitError{Max: limit, Root: p.root, LastStage: p.lastStage}
		}

		p.dispatched++
		p.visits[name]++
		p.lastStage = name

		if err := f.dispatch(ctx, logger, p, name); err != nil {
			return err
		}

		queue = append(queue, f.graph.dependents(name)...)
	}
	return nil
}

// dispatch runs the before, main and after phases of one stage.
func (f *Flow) dispatch(ctx context.Context, logger *slog.Logger, p *pass, name string) error {
	visit := p.visits[name]
	observability.LogStageDispatch(logger, p.id, name, visit)
	f.cfg.metrics.RecordStageDispatch(ctx, name)

	stageCtx, span := f.cfg.spans.StartStageSpan(ctx, name, visit)

	for _, phase := range [...]Phase{PhaseBefore, PhaseMain, PhaseAfter} {
		invoked, err := f.emit(stageCtx, p.id, name, phase)
		if err != nil {
			f.cfg.metrics.RecordListenerError(ctx, name, phase.String())
			f.cfg.spans.EndSpanWithError(span, err)
			return err
		}
		f.cfg.spans.AddSpanEvent(stageCtx, "phase."+phase.String(), attribute.Int("listeners", invoked))
	}
	f.cfg.spans.EndSpanWithError(span, nil)

	f.publish(ctx, logger, p.id, EventStageDispatched, StageDispatched{
		FlowID: f.cfg.flowID,
		PassID: p.id,
		Root:   p.root,
		Stage:  name,
		Visit:  visit,
	})
	return nil
}

// emit invokes the listeners of one phase in registration order and
// returns how many ran. The main phase payload is read once, after the
// before phase completed.
func (f *Flow) emit(ctx context.Context, passID, stage string, phase Phase) (int, error) {
	eventName := phase.EventName(stage)

	f.mu.Lock()
	subs := f.listenersFor(eventName)
	var state any
	if phase == PhaseMain {
		state = f.state[stage]
	}
	f.mu.Unlock()

	invoked := 0
	for _, sub := range subs {
		if sub.removed.Load() {
			continue
		}
		invoked++
		e := Event{
			Ctx:    ctx,
			Flow:   f,
			Name:   eventName,
			Stage:  stage,
			Phase:  phase,
			State:  state,
			PassID: passID,
		}
		if err := invoke(sub.listener, e); err != nil {
			return invoked, err
		}
	}
	return invoked, nil
}

// invoke calls a listener. A returned error becomes a ListenerError, a
// panic a PanicError.
func invoke(l Listener, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{
				Event: e.Name,
				Value: r,
				Stack: string(debug.Stack()),
			}
		}
	}()
	if err := l(e); err != nil {
		return &ListenerError{Event: e.Name, Stage: e.Stage, Phase: e.Phase, Err: err}
	}
	return nil
}

// publish sends an observational event to the configured bus.
// Failures are logged and otherwise ignored.
func (f *Flow) publish(ctx context.Context, logger *slog.Logger, passID, eventType string, payload any) {
	if f.cfg.bus == nil {
		return
	}
	evt := event.NewAny(eventType, f.cfg.flowID, payload, event.WithCorrelationID(passID))
	if err := f.cfg.bus.Publish(ctx, evt); err != nil {
		observability.LogPublishError(logger, eventType, err)
	}
}
