// Package events provides a synchronous publish/subscribe surface for
// balancer lifecycle events. Consumers (the proxy layer, dashboards)
// subscribe to event types without coupling to the balancer internals.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event kind.
type Type string

const (
	// TypeInstanceAdded is emitted when an instance joins a service pool.
	TypeInstanceAdded Type = "instanceAdded"

	// TypeInstanceRemoved is emitted when an instance leaves a service pool.
	TypeInstanceRemoved Type = "instanceRemoved"

	// TypeInstanceHealthChanged is emitted when an instance's health
	// transitions to a different value. No-op transitions do not emit.
	TypeInstanceHealthChanged Type = "instanceHealthChanged"

	// TypeHealthCheck is emitted for every health probe, success or failure.
	TypeHealthCheck Type = "healthCheck"
)

// InstanceRef identifies an instance within a service.
type InstanceRef struct {
	ID     string
	Host   string
	Port   int
	Weight int
}

// HealthCheckResult describes the outcome of a single health probe.
type HealthCheckResult struct {
	InstanceID string
	Healthy    bool
	StatusCode int
	Duration   time.Duration
	Err        string
}

// Event is a single balancer lifecycle event. Only the fields relevant
// to the event type are populated.
type Event struct {
	Type        Type
	ServiceName string
	Instance    *InstanceRef
	InstanceID  string
	NewHealth   string
	Result      *HealthCheckResult
	Timestamp   time.Time
}

// Handler processes a published event. Handlers run synchronously on the
// publisher's goroutine and must not block.
type Handler func(Event)

// Bus is a process-wide synchronous event bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[Type]map[string]Handler
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[Type]map[string]Handler),
	}
}

// Subscribe registers a handler for the given event type and returns a
// subscription ID that can be used to unsubscribe.
func (b *Bus) Subscribe(t Type, h Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.NewString()
	if b.subs[t] == nil {
		b.subs[t] = make(map[string]Handler)
	}
	b.subs[t][id] = h
	return id
}

// Unsubscribe removes a subscription. Unknown IDs are ignored.
func (b *Bus) Unsubscribe(t Type, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if handlers, ok := b.subs[t]; ok {
		delete(handlers, id)
	}
}

// Publish delivers the event to all subscribers of its type, synchronously
// and in unspecified order. The timestamp is filled in if unset.
func (b *Bus) Publish(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[e.Type]))
	for _, h := range b.subs[e.Type] {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(e)
	}
}

// SubscriberCount returns the number of subscribers for the given type.
func (b *Bus) SubscriberCount(t Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[t])
}
