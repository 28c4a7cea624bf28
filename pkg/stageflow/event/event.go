// Package event provides the observational event stream of a stageflow Flow.
//
// Listeners registered on a Flow are the synchronous propagation mechanism.
// The event package is a side channel: a Flow configured with
// stageflow.WithEventBus publishes one event per stage dispatch and one per
// finished pass, which subscribers consume asynchronously.
//
//   - Event interface with correlation and causation tracking
//   - BaseEvent[T] for typed payloads
//   - Bus and LocalBus for pub/sub fan-out distribution
//
// Events of one pass share a correlation ID (the pass ID), so subscribers
// can group dispatches by the change that caused them.
package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the core interface for all events in the system.
// Events are immutable once created.
type Event interface {
	// Identity
	ID() string     // Unique event identifier
	Type() string   // Event type (e.g., "stageflow.stage.dispatched")
	Source() string // Event source (the flow ID)

	// Correlation
	CorrelationID() string // Groups related events, e.g. one pass
	CausationID() string   // ID of event that directly caused this one

	// Metadata
	Timestamp() time.Time // When the event occurred
	Version() int         // Schema version for evolution

	// Payload
	Data() any         // Strongly-typed payload
	DataBytes() []byte // Serialized payload for transport
}

// Metadata contains common event metadata fields.
type Metadata struct {
	EventID       string    `json:"id"`
	EventType     string    `json:"type"`
	EventSource   string    `json:"source"`
	CorrelationID string    `json:"correlation_id"`
	CausationID   string    `json:"causation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	SchemaVersion int       `json:"schema_version"`
}

// BaseEvent provides a generic event implementation.
// T is the payload type for type-safe access.
type BaseEvent[T any] struct {
	Meta    Metadata `json:"metadata"`
	Payload T        `json:"payload"`

	cachedBytes []byte
}

// ID returns the unique event identifier.
func (e *BaseEvent[T]) ID() string { return e.Meta.EventID }

// Type returns the event type.
func (e *BaseEvent[T]) Type() string { return e.Meta.EventType }

// Source returns the event source.
func (e *BaseEvent[T]) Source() string { return e.Meta.EventSource }

// CorrelationID returns the correlation ID.
func (e *BaseEvent[T]) CorrelationID() string { return e.Meta.CorrelationID }

// CausationID returns the ID of the event that caused this one.
func (e *BaseEvent[T]) CausationID() string { return e.Meta.CausationID }

// Timestamp returns when the event occurred.
func (e *BaseEvent[T]) Timestamp() time.Time { return e.Meta.Timestamp }

// Version returns the schema version.
func (e *BaseEvent[T]) Version() int { return e.Meta.SchemaVersion }

// Data returns the event payload.
func (e *BaseEvent[T]) Data() any { return e.Payload }

// TypedData returns the strongly-typed payload.
func (e *BaseEvent[T]) TypedData() T { return e.Payload }

// DataBytes returns the serialized payload.
// The result is cached for efficiency.
func (e *BaseEvent[T]) DataBytes() []byte {
	if e.cachedBytes == nil {
		// Best effort - errors are ignored for interface compliance
		e.cachedBytes, _ = json.Marshal(e.Payload)
	}
	return e.cachedBytes
}

// EventOption configures event creation.
type EventOption func(*eventConfig)

type eventConfig struct {
	id            string
	correlationID string
	causationID   string
	timestamp     time.Time
	version       int
}

// WithEventID sets a specific event ID (default: auto-generated UUID).
func WithEventID(id string) EventOption {
	return func(cfg *eventConfig) {
		cfg.id = id
	}
}

// WithCorrelationID sets the correlation ID.
func WithCorrelationID(id string) EventOption {
	return func(cfg *eventConfig) {
		cfg.correlationID = id
	}
}

// WithCausationID sets the ID of the causing event.
func WithCausationID(id string) EventOption {
	return func(cfg *eventConfig) {
		cfg.causationID = id
	}
}

// WithTimestamp sets a specific timestamp (default: time.Now()).
func WithTimestamp(t time.Time) EventOption {
	return func(cfg *eventConfig) {
		cfg.timestamp = t
	}
}

// WithSchemaVersion sets the schema version.
func WithSchemaVersion(v int) EventOption {
	return func(cfg *eventConfig) {
		cfg.version = v
	}
}

// New creates a new event with the given type, source, and payload.
func New[T any](eventType, source string, payload T, opts ...EventOption) *BaseEvent[T] {
	cfg := &eventConfig{
		id:        uuid.New().String(),
		timestamp: time.Now(),
		version:   1,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	// If no correlation ID, use event ID as the root
	if cfg.correlationID == "" {
		cfg.correlationID = cfg.id
	}

	return &BaseEvent[T]{
		Meta: Metadata{
			EventID:       cfg.id,
			EventType:     eventType,
			EventSource:   source,
			CorrelationID: cfg.correlationID,
			CausationID:   cfg.causationID,
			Timestamp:     cfg.timestamp,
			SchemaVersion: cfg.version,
		},
		Payload: payload,
	}
}

// NewAny creates a new event with an untyped (any) payload.
func NewAny(eventType, source string, payload any, opts ...EventOption) *BaseEvent[any] {
	return New(eventType, source, payload, opts...)
}

// Handler processes events delivered by a Bus.
type Handler interface {
	// Handle processes an event.
	Handle(ctx context.Context, evt Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, evt Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, evt Event) error {
	return f(ctx, evt)
}
