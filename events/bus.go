// Package events is the notification sink of the acquisition layer.
//
// Components publish FrameLoaded, FrameLoadFailed and TimePointChanged
// events to a Bus; consumers subscribe and receive a Subscription handle
// for deterministic unsubscribe. Delivery is synchronous and advisory:
// a panicking handler is logged and skipped, never surfaced to the publisher.
package events

import (
	"slices"
	"sync"

	"github.com/justapithecus/framefetch/log"
	"github.com/justapithecus/framefetch/types"
)

// Publisher accepts events. A nil Publisher is never called; use Publish.
type Publisher interface {
	Publish(event types.Event)
}

// Publish sends event to p when p is non-nil.
func Publish(p Publisher, event types.Event) {
	if p != nil {
		p.Publish(event)
	}
}

// Handler receives events.
type Handler func(event types.Event)

// Bus is an in-process publish/subscribe event sink. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]subscriber
	logger   *log.Logger
}

type subscriber struct {
	eventType types.EventType // empty matches every type
	handler   Handler
}

// Subscription is the handle returned by Subscribe.
type Subscription struct {
	bus  *Bus
	id   uint64
	once sync.Once
}

// NewBus creates a bus. logger may be nil.
func NewBus(logger *log.Logger) *Bus {
	return &Bus{
		handlers: make(map[uint64]subscriber),
		logger:   logger,
	}
}

// Subscribe registers h for events of eventType. An empty eventType
// subscribes to every event.
func (b *Bus) Subscribe(eventType types.EventType, h Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[id] = subscriber{eventType: eventType, handler: h}
	return &Subscription{bus: b, id: id}
}

// SubscribeAll registers h for every event.
func (b *Bus) SubscribeAll(h Handler) *Subscription {
	return b.Subscribe("", h)
}

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.handlers, s.id)
		s.bus.mu.Unlock()
	})
}

// Publish delivers event to every matching handler in subscription order.
func (b *Bus) Publish(event types.Event) {
	b.mu.RLock()
	ids := make([]uint64, 0, len(b.handlers))
	for id, sub := range b.handlers {
		if sub.eventType == "" || sub.eventType == event.Type {
			ids = append(ids, id)
		}
	}
	subs := make([]Handler, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		subs = append(subs, b.handlers[id].handler)
	}
	b.mu.RUnlock()

	for _, h := range subs {
		b.deliver(h, event)
	}
}

func (b *Bus) deliver(h Handler, event types.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", map[string]any{
				"event_type": string(event.Type),
				"panic":      r,
			})
		}
	}()
	h(event)
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers)
}

// Verify Bus implements Publisher.
var _ Publisher = (*Bus)(nil)
