package pipeline

import (
	"sync"
)

// EventBus fans delivered defect events out to local observers
// (MQTT mirror, live feed). Publishing never blocks the caller.
type EventBus struct {
	subscribers map[chan *DefectEvent]bool
	mu          sync.RWMutex
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[chan *DefectEvent]bool),
	}
}

// SubscribeChannel returns a buffered channel that receives events.
// Events are dropped for this subscriber while its channel is full.
// The returned function unsubscribes and closes the channel.
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *DefectEvent, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *DefectEvent, bufferSize)

	b.mu.Lock()
	b.subscribers[ch] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[ch]; ok {
			delete(b.subscribers, ch)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends an event to all subscribers
func (b *EventBus) Publish(event *DefectEvent) {
	if event == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Channel full, skip this event
		}
	}
}

// Close unsubscribes all subscribers and closes their channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, ch)
	}
}
