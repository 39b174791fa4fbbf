package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Worker lifecycle events.
	EventWorkerCreated    EventType = "worker.created"
	EventWorkerStarted    EventType = "worker.started"
	EventWorkerStopped    EventType = "worker.stopped"
	EventWorkerRestarted  EventType = "worker.restarted"
	EventWorkerRemoved    EventType = "worker.removed"
	EventWorkerStatus     EventType = "worker.status"
	EventWorkerDegraded   EventType = "worker.health.degraded"
	EventHeartbeatLost    EventType = "worker.heartbeat.lost"

	// Pool events.
	EventPoolCreated EventType = "pool.created"
	EventPoolScaled  EventType = "pool.scaled"

	// Backend / router events.
	EventCircuitOpened    EventType = "backend.circuit.opened"
	EventCircuitClosed    EventType = "backend.circuit.closed"
	EventBackendDown      EventType = "backend.down"
	EventBackendRecovered EventType = "backend.recovered"
	EventFallbackUsed     EventType = "backend.fallback"

	// Cache events.
	EventCacheEvicted EventType = "cache.evicted"
	EventCacheExpired EventType = "cache.expired"

	// Handle pool events.
	EventHandlePoolExhausted EventType = "handlepool.exhausted"
	EventHandlePoolDrained   EventType = "handlepool.drained"

	// Task events.
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskCancelled EventType = "task.cancelled"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Subject   string          `json:"subject,omitempty"` // worker/backend/pool identity
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides fire-and-forget publish/subscribe for lifecycle events.
// Delivery is best-effort.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
