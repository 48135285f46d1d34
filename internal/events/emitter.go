// Package events provides a typed multi-subscriber publish/subscribe emitter.
package events

import "sync"

// Subscription identifies one registered handler. The zero value is never returned by On.
type Subscription struct {
	topic string
	id    uint64
}

type entry[E any] struct {
	id      uint64
	handler func(E)
}

// Emitter fans events out to every handler registered for a topic.
// Handlers run synchronously on the goroutine calling Emit, in registration order.
type Emitter[E any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]entry[E]
}

func NewEmitter[E any]() *Emitter[E] {
	return &Emitter[E]{handlers: make(map[string][]entry[E])}
}

// On registers handler for topic and returns a subscription to pass to Off.
func (e *Emitter[E]) On(topic string, handler func(E)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.handlers[topic] = append(e.handlers[topic], entry[E]{id: e.nextID, handler: handler})
	return Subscription{topic: topic, id: e.nextID}
}

// Off removes a subscription. Removing twice, or removing an unknown subscription, is a no-op.
func (e *Emitter[E]) Off(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()
	current := e.handlers[sub.topic]
	for i, h := range current {
		if h.id != sub.id {
			continue
		}
		next := make([]entry[E], 0, len(current)-1)
		next = append(next, current[:i]...)
		next = append(next, current[i+1:]...)
		if len(next) == 0 {
			delete(e.handlers, sub.topic)
		} else {
			e.handlers[sub.topic] = next
		}
		return
	}
}

// Emit delivers event to the handlers of topic that were registered when Emit was called.
func (e *Emitter[E]) Emit(topic string, event E) {
	e.mu.RLock()
	snapshot := e.handlers[topic]
	e.mu.RUnlock()

	for _, h := range snapshot {
		h.handler(event)
	}
}

// Count returns the number of handlers registered for topic.
func (e *Emitter[E]) Count(topic string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[topic])
}

// Reset drops every subscription.
func (e *Emitter[E]) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = make(map[string][]entry[E])
}
