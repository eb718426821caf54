// Package event provides a synchronous in-process pub/sub bus used for
// readiness, lock, and phase notifications between engine components.
package event

import (
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Handler is a function that handles a published event.
type Handler func(Event)

// subscription pairs a handler with its registration id.
type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a synchronous pub/sub event bus. Components publish typed
// events; handlers run on the publisher's goroutine in registration
// order. Publishers must not hold their own mutexes while publishing:
// handlers are allowed to call back into the publishing component.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Type][]subscription
	nextID atomic.Uint64
}

// Wildcard subscribes a handler to every event type.
const Wildcard Type = "*"

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[Type][]subscription)}
}

// Subscribe registers a handler for one event type and returns an id
// usable with Unsubscribe. Subscribe with Wildcard to observe all events.
func (b *Bus) Subscribe(t Type, handler Handler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID.Add(1)
	b.subs[t] = append(b.subs[t], subscription{id: id, handler: handler})
	return id
}

// Unsubscribe removes a subscription by id. Returns true if it existed.
func (b *Bus) Unsubscribe(id uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for t, subs := range b.subs {
		for i, sub := range subs {
			if sub.id == id {
				b.subs[t] = append(subs[:i], subs[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Publish dispatches an event to its type's handlers, then to wildcard
// handlers. A panicking handler is recovered and logged so one bad
// subscriber cannot block delivery to the rest.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	specific := make([]subscription, len(b.subs[ev.Type]))
	copy(specific, b.subs[ev.Type])
	wildcard := make([]subscription, len(b.subs[Wildcard]))
	copy(wildcard, b.subs[Wildcard])
	b.mu.RUnlock()

	for _, sub := range specific {
		b.safeCall(sub.handler, ev)
	}
	for _, sub := range wildcard {
		b.safeCall(sub.handler, ev)
	}
}

// safeCall invokes a handler, recovering and logging any panic.
func (b *Bus) safeCall(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("ERROR: event handler panicked for %s: %v\n%s", ev.Type, r, debug.Stack())
		}
	}()
	handler(ev)
}

// SubscriptionCount returns the number of active subscriptions.
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subs {
		n += len(subs)
	}
	return n
}
