// Package events implements the typed event bus fanning lifecycle events out
// to connected clients.
package events

import (
	"sync"
)

// Event is one bus message. Name is the wire event name (e.g.
// "session:created"); Data is the JSON-serializable payload.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data"`
}

// Subscriber receives events on a buffered channel. A subscriber that falls
// behind loses events rather than blocking publishers.
type Subscriber struct {
	C      chan Event
	bus    *Bus
	closed bool
}

// Bus delivers every published event to every live subscriber. Events for one
// sid are observed in publish order because Publish holds the lock while
// enqueueing to each channel in turn.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscriber {
	if buffer <= 0 {
		buffer = 256
	}
	sub := &Subscriber{C: make(chan Event, buffer), bus: b}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish enqueues the event to every subscriber. A full subscriber channel
// drops the event for that subscriber only.
func (b *Bus) Publish(name string, data any) {
	ev := Event{Name: name, Data: data}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.C <- ev:
		default:
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close unregisters the subscriber and closes its channel. Calling it again
// is a no-op; later publishes no longer reach it.
func (s *Subscriber) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	delete(s.bus.subs, s)
	close(s.C)
}
