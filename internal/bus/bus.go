// Package bus implements the in-process event channel that decouples the
// transport and offline layers from their consumers.
package bus

import (
	"log/slog"
	"sync"
)

// Handler receives the payload published under a subscribed event name.
type Handler func(payload any)

// Interceptor inspects or rewrites an event at emit time. Returning false
// drops the event before it reaches any subscriber. Interceptors run in the
// order given at construction.
type Interceptor func(name string, payload any) (string, any, bool)

type subscription struct {
	id int
	fn Handler
}

// Bus is a named-event publish/subscribe channel. Event names are opaque
// strings; emitting an event with no subscribers is not an error.
type Bus struct {
	interceptors []Interceptor

	mu       sync.RWMutex
	nextID   int
	handlers map[string][]subscription
}

// New creates a Bus with the given interceptor chain.
func New(interceptors ...Interceptor) *Bus {
	return &Bus{
		interceptors: interceptors,
		handlers:     make(map[string][]subscription),
	}
}

// On registers a handler for an event name and returns an unsubscribe
// function. Unsubscribing twice is safe.
func (b *Bus) On(name string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], subscription{id: id, fn: h})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[name]
		for i, s := range subs {
			if s.id == id {
				b.handlers[name] = append(subs[:i:i], subs[i+1:]...)
				break
			}
		}
		if len(b.handlers[name]) == 0 {
			delete(b.handlers, name)
		}
	}
}

// Emit publishes an event to all handlers subscribed under its (possibly
// interceptor-rewritten) name. Handlers run synchronously in registration
// order; they must not block.
func (b *Bus) Emit(name string, payload any) {
	for _, ic := range b.interceptors {
		var ok bool
		name, payload, ok = ic(name, payload)
		if !ok {
			slog.Debug("Event dropped by interceptor", "event", name)
			return
		}
	}

	b.mu.RLock()
	subs := b.handlers[name]
	// Snapshot so handlers may subscribe or unsubscribe during dispatch.
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	b.mu.RUnlock()

	for _, s := range snapshot {
		s.fn(payload)
	}
}

// LoggingInterceptor returns an interceptor that records every emitted
// event at debug level.
func LoggingInterceptor(logger *slog.Logger) Interceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return func(name string, payload any) (string, any, bool) {
		logger.Debug("Event emitted", "event", name)
		return name, payload, true
	}
}
