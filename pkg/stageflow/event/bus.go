package event

import (
	"context"
	"slices"
	"strconv"
	"sync"
)

// Bus distributes events to subscribers.
type Bus interface {
	// Publish sends an event to every matching subscriber.
	Publish(ctx context.Context, evt Event) error

	// Subscribe registers a handler for the given event types.
	Subscribe(types []string, handler Handler) (Subscription, error)

	// SubscribeAll registers a handler for every event type.
	SubscribeAll(handler Handler) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription is a registered handler.
type Subscription interface {
	// ID returns the subscription identifier passed to OnDrop and OnError.
	ID() string

	// Unsubscribe removes the subscription. Safe to call more than once.
	Unsubscribe()
}

// BusConfig configures a LocalBus.
type BusConfig struct {
	// BufferSize is the number of events queued per subscription.
	// Default: 256
	BufferSize int

	// MaxSubscribers limits the number of live subscriptions.
	// Default: 0 (unlimited)
	MaxSubscribers int

	// NonBlocking makes Publish drop events for subscribers whose buffer
	// is full instead of waiting.
	// Default: false
	NonBlocking bool

	// OnDrop is called for every event dropped in non-blocking mode.
	OnDrop func(evt Event, subscriberID string)

	// OnError is called when a handler returns an error.
	OnError func(evt Event, subscriberID string, err error)
}

// DefaultBusConfig provides reasonable defaults.
var DefaultBusConfig = BusConfig{
	BufferSize: 256,
}

// LocalBus is an in-process Bus. Each subscription is drained by its own
// goroutine: one subscriber sees events in publish order, and Publish
// enqueues to subscribers in the order they subscribed.
type LocalBus struct {
	config BusConfig

	mu      sync.RWMutex
	subs    []*subscription // subscription order
	lastID  int64
	closed  bool
	closeCh chan struct{}
}

// Compile-time interface check.
var _ Bus = (*LocalBus)(nil)

// NewBus creates a LocalBus.
func NewBus(config BusConfig) *LocalBus {
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBusConfig.BufferSize
	}
	return &LocalBus{
		config:  config,
		closeCh: make(chan struct{}),
	}
}

// Publish enqueues evt for every subscriber whose types match. In blocking
// mode it waits for buffer space and returns ctx.Err() on cancellation.
func (b *LocalBus) Publish(ctx context.Context, evt Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return &EventError{Event: evt, Message: "publish", Err: ErrBusClosed}
	}
	var targets []*subscription
	for _, sub := range b.subs {
		if sub.matches(evt.Type()) {
			targets = append(targets, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if err := b.deliver(ctx, sub, evt); err != nil {
			return err
		}
	}
	return nil
}

func (b *LocalBus) deliver(ctx context.Context, sub *subscription, evt Event) error {
	if b.config.NonBlocking {
		select {
		case sub.events <- evt:
		default:
			if b.config.OnDrop != nil {
				b.config.OnDrop(evt, sub.id)
			}
		}
		return nil
	}

	select {
	case sub.events <- evt:
		return nil
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-b.closeCh:
		return &EventError{Event: evt, Message: "bus closed during publish", Err: ErrBusClosed}
	}
}

// Subscribe registers handler for the given event types. An empty list
// subscribes to nothing; use SubscribeAll for every type.
func (b *LocalBus) Subscribe(types []string, handler Handler) (Subscription, error) {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return b.subscribe(set, handler)
}

// SubscribeAll registers handler for every event type.
func (b *LocalBus) SubscribeAll(handler Handler) (Subscription, error) {
	return b.subscribe(nil, handler)
}

func (b *LocalBus) subscribe(types map[string]bool, handler Handler) (*subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBusClosed
	}
	if b.config.MaxSubscribers > 0 && len(b.subs) >= b.config.MaxSubscribers {
		return nil, ErrTooManySubscribers
	}

	b.lastID++
	sub := &subscription{
		id:      "sub-" + strconv.FormatInt(b.lastID, 10),
		types:   types,
		handler: handler,
		events:  make(chan Event, b.config.BufferSize),
		done:    make(chan struct{}),
		bus:     b,
	}
	b.subs = append(b.subs, sub)

	go sub.run()
	return sub, nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *LocalBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close shuts down the bus. Events still buffered are discarded. Calling
// Close again is a no-op.
func (b *LocalBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closeCh)

	for _, sub := range b.subs {
		sub.stop()
	}
	b.subs = nil
	return nil
}

func (b *LocalBus) remove(sub *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := slices.Index(b.subs, sub); i >= 0 {
		b.subs = slices.Delete(b.subs, i, i+1)
	}
}

type subscription struct {
	id       string
	types    map[string]bool // nil matches every type
	handler  Handler
	events   chan Event
	done     chan struct{}
	stopOnce sync.Once
	bus      *LocalBus
}

func (s *subscription) matches(eventType string) bool {
	return s.types == nil || s.types[eventType]
}

func (s *subscription) run() {
	for {
		select {
		case evt := <-s.events:
			if err := s.handler.Handle(context.Background(), evt); err != nil && s.bus.config.OnError != nil {
				s.bus.config.OnError(evt, s.id, err)
			}
		case <-s.done:
			return
		}
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

func (s *subscription) ID() string { return s.id }

func (s *subscription) Unsubscribe() {
	s.bus.remove(s)
	s.stop()
}
