// Package events fans change events out to in-process subscribers.
package events

import (
	"log/slog"
	"sync"

	"github.com/oemwatch/oemwatch/internal/models"
)

const subscriberBuffer = 64

// Bus is a non-blocking publish/subscribe hub for change events. Notify never
// blocks the publisher: a subscriber that falls behind loses events and the
// drop is logged.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[int]chan models.ChangeEvent
	nextID int
	closed bool
}

func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		logger: logger.With("component", "event-bus"),
		subs:   make(map[int]chan models.ChangeEvent),
	}
}

// Notify publishes an event to every subscriber.
func (b *Bus) Notify(event models.ChangeEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warn("subscriber lagging, event dropped", "subscriber", id, "event", event.EventType)
		}
	}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release the channel.
func (b *Bus) Subscribe() (<-chan models.ChangeEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan models.ChangeEvent, subscriberBuffer)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close drops all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
