// Package events provides the in-process publish/subscribe bus for swarm
// notifications and a bridge that mirrors them onto NATS.
package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/blackms/hivemind-go/internal/shared"
)

// Handler is a function that handles events.
type Handler func(event shared.Event)

// Subscription is a channel-based subscriber. Events that do not fit in
// the buffer are dropped and counted.
type Subscription struct {
	id    uint64
	types map[shared.EventType]bool
	ch    chan shared.Event
	C     <-chan shared.Event
}

func (s *Subscription) wants(t shared.EventType) bool {
	return s.types[shared.EventAll] || s.types[t]
}

// EventBus provides a publish-subscribe event system using Go channels.
type EventBus struct {
	mu         sync.RWMutex
	subs       map[uint64]*Subscription
	handlers   map[uint64]handlerEntry
	nextID     uint64
	bufferSize int
	closed     bool
	dropped    atomic.Int64
	emitted    atomic.Int64
}

type handlerEntry struct {
	eventType shared.EventType
	fn        Handler
}

// Option configures the EventBus.
type Option func(*EventBus)

// WithBufferSize sets the channel buffer size.
func WithBufferSize(size int) Option {
	return func(eb *EventBus) {
		eb.bufferSize = size
	}
}

// New creates a new EventBus.
func New(opts ...Option) *EventBus {
	eb := &EventBus{
		subs:       make(map[uint64]*Subscription),
		handlers:   make(map[uint64]handlerEntry),
		bufferSize: 256,
	}
	for _, opt := range opts {
		opt(eb)
	}
	return eb
}

// Subscribe returns a subscription receiving the given event types, or
// every event when none are given.
func (eb *EventBus) Subscribe(types ...shared.EventType) *Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if len(types) == 0 {
		types = []shared.EventType{shared.EventAll}
	}
	eb.nextID++
	ch := make(chan shared.Event, eb.bufferSize)
	sub := &Subscription{id: eb.nextID, types: make(map[shared.EventType]bool, len(types)), ch: ch, C: ch}
	for _, t := range types {
		sub.types[t] = true
	}
	if eb.closed {
		close(ch)
		return sub
	}
	eb.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes the subscription and closes its channel.
func (eb *EventBus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if _, ok := eb.subs[sub.id]; ok {
		delete(eb.subs, sub.id)
		close(sub.ch)
	}
}

// On registers a handler for events of the given type (EventAll for every
// event) and returns an id for Off. Handlers run synchronously on the
// emitting goroutine and must not block.
func (eb *EventBus) On(eventType shared.EventType, handler Handler) uint64 {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.handlers[eb.nextID] = handlerEntry{eventType: eventType, fn: handler}
	return eb.nextID
}

// Off removes a handler registered with On.
func (eb *EventBus) Off(id uint64) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	delete(eb.handlers, id)
}

// Emit publishes an event to all subscribers and handlers.
func (eb *EventBus) Emit(event shared.Event) {
	if event.Timestamp == 0 {
		event.Timestamp = shared.Now()
	}

	eb.mu.RLock()
	if eb.closed {
		eb.mu.RUnlock()
		return
	}
	for _, sub := range eb.subs {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			eb.dropped.Add(1)
		}
	}
	var fns []Handler
	for _, h := range eb.handlers {
		if h.eventType == shared.EventAll || h.eventType == event.Type {
			fns = append(fns, h.fn)
		}
	}
	eb.mu.RUnlock()

	eb.emitted.Add(1)
	for _, fn := range fns {
		fn(event)
	}
}

// EmitWithContext publishes an event unless ctx is already done.
func (eb *EventBus) EmitWithContext(ctx context.Context, event shared.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	eb.Emit(event)
	return nil
}

// Stats returns emitted and dropped counts.
func (eb *EventBus) Stats() (emitted, dropped int64) {
	return eb.emitted.Load(), eb.dropped.Load()
}

// Close closes all subscriber channels and stops the event bus.
func (eb *EventBus) Close() {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	if eb.closed {
		return
	}
	eb.closed = true
	for id, sub := range eb.subs {
		close(sub.ch)
		delete(eb.subs, id)
	}
	eb.handlers = make(map[uint64]handlerEntry)
}

// ============================================================================
// Helper Functions
// ============================================================================

// Scoped returns a Publisher that stamps every event with swarmID.
func (eb *EventBus) Scoped(swarmID string) shared.Publisher {
	return scoped{bus: eb, swarmID: swarmID}
}

type scoped struct {
	bus     *EventBus
	swarmID string
}

func (s scoped) Emit(event shared.Event) {
	if event.SwarmID == "" {
		event.SwarmID = s.swarmID
	}
	s.bus.Emit(event)
}

// Emit is a convenience for publishers that may be nil.
func Emit(p shared.Publisher, eventType shared.EventType, payload map[string]interface{}) {
	if p == nil {
		return
	}
	p.Emit(shared.Event{Type: eventType, Timestamp: shared.Now(), Payload: payload})
}
