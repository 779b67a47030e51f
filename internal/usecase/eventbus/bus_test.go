package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"callbridge/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType, callID string) domain.Event {
	return domain.Event{Type: t, CallID: callID, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventCallError, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventCallError {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventCallError, "c1"))
	bus.Publish(context.Background(), newEvent(domain.EventCallEnded, "c1"))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventCallStarted, "c1"))
	bus.Publish(context.Background(), newEvent(domain.EventMediaInitFailed, "c1"))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestPublishOrderPerSubscriber(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var seen []string
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		mu.Lock()
		seen = append(seen, e.CallID)
		mu.Unlock()
	})

	want := []string{"a", "b", "c", "d", "e"}
	for _, id := range want {
		bus.Publish(context.Background(), newEvent(domain.EventCallStarted, id))
	}
	bus.Close()

	if len(seen) != len(want) {
		t.Fatalf("got %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("got %v, want %v", seen, want)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	defer bus.Close()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventCallEnded, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})
	unsub()
	unsub() // second call is a no-op

	bus.Publish(context.Background(), newEvent(domain.EventCallEnded, "c1"))
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 0 {
		t.Fatalf("expected no delivery after unsub, got %d", got.Load())
	}
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventCallError, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventCallError, "c1"))
		}()
	}
	wg.Wait()
	bus.Close()

	if got.Load() != 100 {
		t.Fatalf("expected 100, got %d", got.Load())
	}
}

func TestFullQueueDrops(t *testing.T) {
	bus := NewWithQueue(slog.Default(), 1)

	release := make(chan struct{})
	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		<-release
		got.Add(1)
	})

	// The first event is taken by the worker, the second fills the queue.
	bus.Publish(context.Background(), newEvent(domain.EventCallError, "1"))
	time.Sleep(20 * time.Millisecond)
	bus.Publish(context.Background(), newEvent(domain.EventCallError, "2"))
	bus.Publish(context.Background(), newEvent(domain.EventCallError, "3"))

	close(release)
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2 delivered, got %d", got.Load())
	}
	if bus.Dropped() != 1 {
		t.Fatalf("expected 1 dropped, got %d", bus.Dropped())
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	// First subscriber panics
	bus.Subscribe(domain.EventCallError, func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	// Second subscriber should still fire
	bus.Subscribe(domain.EventCallError, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventCallError, "c1"))
	bus.Publish(context.Background(), newEvent(domain.EventCallError, "c1"))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2 (second handler), got %d", got.Load())
	}
}

func TestCanceledContextStillDelivers(t *testing.T) {
	bus := newTestBus()

	var errSeen atomic.Value
	bus.SubscribeAll(func(ctx context.Context, _ domain.Event) {
		errSeen.Store(ctx.Err() == nil)
	})

	ctx, cancel := context.WithCancel(context.Background())
	bus.Publish(ctx, newEvent(domain.EventCallEnded, "c1"))
	cancel()
	bus.Close()

	if ok, _ := errSeen.Load().(bool); !ok {
		t.Fatal("handler context should not inherit the publisher's cancellation")
	}
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventCallEnded, func(_ context.Context, _ domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventCallEnded, "c1"))
	bus.Close() // should block until the handler finishes
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected handler to have run, got %d", got.Load())
	}

	// After close, new publishes and subscriptions are no-ops.
	bus.Publish(context.Background(), newEvent(domain.EventCallEnded, "c1"))
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })()
	time.Sleep(20 * time.Millisecond)
	if got.Load() != 1 {
		t.Fatalf("expected no delivery after close, got %d", got.Load())
	}
}
