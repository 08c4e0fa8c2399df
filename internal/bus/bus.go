// Package bus provides the in-process publish/subscribe event bus shared
// by the merge engine, the encryption migration engine, and the status
// aggregator. Delivery is fire-and-forget with no ordering guarantee
// across listeners; tests inject the same concrete bus deterministically.
package bus

import (
	"sync"
)

// Event names published on the bus.
const (
	EventEncryptionIndexError = "encryption.index_error"
	EventMigrationCompleted   = "encryption.migration_completed"
	EventMigrationProgress    = "migration.progress"
	EventUserDataReady        = "user.data_ready"
	EventSyncQueueCleared     = "sync.queue_cleared"
)

// Publisher is the write side of the bus.
type Publisher interface {
	Publish(event string, payload any)
}

// Handler receives a published payload. Handlers must not block; the bus
// invokes them inline on the publisher's goroutine.
type Handler func(payload any)

// Bus is a minimal in-process pub/sub implementation.
type Bus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[string]map[int]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{handlers: make(map[string]map[int]Handler)}
}

// Subscribe registers a handler for the named event and returns an
// unsubscribe function. Unsubscribing twice is harmless.
func (b *Bus) Subscribe(event string, fn Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers[event] == nil {
		b.handlers[event] = make(map[int]Handler)
	}
	id := b.nextID
	b.nextID++
	b.handlers[event][id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[event], id)
	}
}

// Publish delivers payload to every handler subscribed to event.
// Handlers registered mid-publish see only subsequent events.
func (b *Bus) Publish(event string, payload any) {
	b.mu.RLock()
	fns := make([]Handler, 0, len(b.handlers[event]))
	for _, fn := range b.handlers[event] {
		fns = append(fns, fn)
	}
	b.mu.RUnlock()

	for _, fn := range fns {
		fn(payload)
	}
}

// IndexErrorEvent is the payload for EventEncryptionIndexError.
type IndexErrorEvent struct {
	Collection string
	UserID     string
	Message    string
	ConsoleURL string
}

// MigrationCompletedEvent is the payload for EventMigrationCompleted.
type MigrationCompletedEvent struct {
	UserID string
	Status string // "success" or "partial"
}
