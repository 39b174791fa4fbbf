// Package eventbus is the in-process pub/sub fabric for fleet lifecycle
// events. Delivery is fan-out, one goroutine per handler, best effort.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"fleetd/internal/domain"
)

// matchAll is the internal subscription key for handlers that want every
// event regardless of type.
const matchAll domain.EventType = "*"

type listener struct {
	seq uint64
	fn  domain.EventHandler
}

// Bus fans events out to registered listeners. Use New; the zero value has
// no subscription table.
type Bus struct {
	mu       sync.RWMutex
	subs     map[domain.EventType][]listener
	seq      atomic.Uint64
	inflight sync.WaitGroup
	closed   atomic.Bool
	logger   *slog.Logger
}

var _ domain.EventBus = (*Bus)(nil)

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		subs:   make(map[domain.EventType][]listener),
		logger: logger,
	}
}

// Publish delivers the event to subscribers of its type and to wildcard
// subscribers. Each handler runs in its own goroutine; a panicking handler
// is recovered and logged so it cannot take down the publisher.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	targets := make([]listener, 0, len(b.subs[event.Type])+len(b.subs[matchAll]))
	targets = append(targets, b.subs[event.Type]...)
	targets = append(targets, b.subs[matchAll]...)
	b.mu.RUnlock()

	for _, l := range targets {
		b.inflight.Add(1)
		go b.deliver(ctx, event, l.fn)
	}
}

func (b *Bus) deliver(ctx context.Context, event domain.Event, fn domain.EventHandler) {
	defer b.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(event.Type),
				"panic", r,
			)
		}
	}()
	fn(ctx, event)
}

// Subscribe registers a handler for a single event type and returns its
// unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every published event and
// returns its unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(matchAll, handler)
}

func (b *Bus) add(key domain.EventType, handler domain.EventHandler) func() {
	l := listener{seq: b.seq.Add(1), fn: handler}
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], l)
	b.mu.Unlock()
	return func() { b.remove(key, l.seq) }
}

// remove is idempotent; calling an unsubscribe function twice is harmless.
func (b *Bus) remove(key domain.EventType, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, l := range subs {
		if l.seq == seq {
			b.subs[key] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

// Close stops accepting new publishes and waits for in-flight handlers to
// finish. Safe to call more than once.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.inflight.Wait()
}
