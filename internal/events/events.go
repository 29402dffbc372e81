// Package events provides a publish-subscribe bus for environment and fork
// lifecycle notifications.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies a specific event category.
type EventType string

// Environment lifecycle events, published by the kernel.
const (
	EnvCreated   EventType = "ENV_CREATED"
	EnvRunnable  EventType = "ENV_RUNNABLE"
	EnvDestroyed EventType = "ENV_DESTROYED"
	PageFault    EventType = "PAGE_FAULT"
)

// Fork events, published by the fork library.
const (
	ForkStarted    EventType = "FORK_STARTED"
	ForkCompleted  EventType = "FORK_COMPLETED"
	ForkFailed     EventType = "FORK_FAILED"
	ForkRolledBack EventType = "FORK_ROLLED_BACK"
	PageReplicated EventType = "PAGE_REPLICATED"
	FaultResolved  EventType = "FAULT_RESOLVED"
	FaultFatal     EventType = "FAULT_FATAL"
)

// Event carries data from a published event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]string
}

// HandlerFunc processes an event.
type HandlerFunc func(Event)

type subscription struct {
	id      uint64
	handler HandlerFunc
}

// Bus is the central event dispatcher. It is safe for concurrent use, and a
// nil *Bus drops everything published to it.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]subscription
	nextID uint64
	logger *slog.Logger
}

// NewBus creates a new event bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[EventType][]subscription),
		logger: logger,
	}
}

// Subscribe registers a handler for the given event types and returns an ID
// usable with Unsubscribe.
func (b *Bus) Subscribe(handler HandlerFunc, types ...EventType) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	for _, t := range types {
		b.subs[t] = append(b.subs[t], subscription{id: id, handler: handler})
	}
	return id
}

// Unsubscribe removes every registration made under id.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for eventType, subs := range b.subs {
		kept := subs[:0]
		for _, s := range subs {
			if s.id != id {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(b.subs, eventType)
		} else {
			b.subs[eventType] = kept
		}
	}
}

// Publish dispatches an event to all subscribers of its type, synchronously
// and in registration order. A panicking handler is recovered and logged;
// remaining handlers still execute.
func (b *Bus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subs[event.Type]
	if len(subs) == 0 {
		b.mu.RUnlock()
		return
	}
	handlers := make([]subscription, len(subs))
	copy(handlers, subs)
	b.mu.RUnlock()

	for _, s := range handlers {
		b.safeCall(s.handler, event)
	}
}

func (b *Bus) safeCall(handler HandlerFunc, event Event) {
	defer func() {
		if r := recover(); r != nil && b.logger != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"panic", r,
			)
		}
	}()
	handler(event)
}

// SubscriberCount returns the number of subscribers for an event type.
func (b *Bus) SubscriberCount(eventType EventType) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventType])
}
