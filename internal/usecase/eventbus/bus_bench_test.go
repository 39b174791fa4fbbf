package eventbus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"fleetd/internal/domain"
)

func benchEvent() domain.Event {
	return domain.Event{
		Type:      domain.EventWorkerStarted,
		Timestamp: time.Now(),
		Subject:   "worker-bench",
	}
}

func BenchmarkPublishOneSubscriber(b *testing.B) {
	bus := New(slog.Default())
	bus.Subscribe(domain.EventWorkerStarted, func(_ context.Context, _ domain.Event) {})
	ev := benchEvent()
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, ev)
	}
	bus.Close()
}

func BenchmarkPublishTenSubscribers(b *testing.B) {
	bus := New(slog.Default())
	for i := 0; i < 10; i++ {
		bus.Subscribe(domain.EventWorkerStarted, func(_ context.Context, _ domain.Event) {})
	}
	ev := benchEvent()
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, ev)
	}
	bus.Close()
}

func BenchmarkPublishNoSubscribers(b *testing.B) {
	bus := New(slog.Default())
	ev := benchEvent()
	ctx := context.Background()

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		bus.Publish(ctx, ev)
	}
	bus.Close()
}

func BenchmarkPublishParallel(b *testing.B) {
	bus := New(slog.Default())
	bus.Subscribe(domain.EventWorkerStarted, func(_ context.Context, _ domain.Event) {})
	ev := benchEvent()

	b.ResetTimer()
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		for pb.Next() {
			bus.Publish(ctx, ev)
		}
	})
	bus.Close()
}

func BenchmarkSubscribeUnsubscribe(b *testing.B) {
	bus := New(slog.Default())
	handler := func(_ context.Context, _ domain.Event) {}

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		unsub := bus.Subscribe(domain.EventWorkerStarted, handler)
		unsub()
	}
}
