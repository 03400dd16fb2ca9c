package events

import (
	"fmt"
	"log"
	"sync"
	"time"
)

// MemoryBus is the in-process Bus used by default and in tests. Each
// subscriber gets a buffered channel drained by its own goroutine; a full
// buffer drops the event for that subscriber rather than stalling the core.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[string]chan Event
	done   chan struct{}
	closed bool
}

const subscriberBuffer = 256

// NewMemoryBus creates an in-process event bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs: make(map[string]chan Event),
		done: make(chan struct{}),
	}
}

// Publish fans the event out to all subscribers without blocking.
func (b *MemoryBus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			log.Printf("[EventBus] Dropping %s event for slow subscriber %s", event.Type, id)
		}
	}
}

// Subscribe registers a handler under a unique subscriber ID.
func (b *MemoryBus) Subscribe(id string, handler func(Event)) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}
	if _, exists := b.subs[id]; exists {
		return fmt.Errorf("subscriber %s already registered", id)
	}

	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = ch

	go func() {
		for {
			select {
			case event, ok := <-ch:
				if !ok {
					return
				}
				handler(event)
			case <-b.done:
				return
			}
		}
	}()
	return nil
}

// Unsubscribe removes a subscriber.
func (b *MemoryBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Close shuts down the bus and all subscriber goroutines.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	return nil
}
