package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"callbridge/internal/domain"
)

// DefaultQueueSize bounds how many events may wait for one subscriber.
const DefaultQueueSize = 256

type subscription struct {
	id        uint64
	eventType domain.EventType // empty for all-event subscribers
	handler   domain.EventHandler
	queue     chan queued
}

type queued struct {
	ctx   context.Context
	event domain.Event
}

// Bus is an in-process, goroutine-safe event bus. Each subscriber has its
// own worker, so a subscriber sees events in publish order and a slow
// subscriber never delays the others.
type Bus struct {
	mu        sync.RWMutex
	subs      map[uint64]*subscription
	nextID    atomic.Uint64
	queueSize int
	logger    *slog.Logger
	wg        sync.WaitGroup
	closed    bool
	dropped   atomic.Uint64
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return NewWithQueue(logger, DefaultQueueSize)
}

// NewWithQueue creates an event bus whose subscribers buffer up to size events.
func NewWithQueue(logger *slog.Logger, size int) *Bus {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Bus{
		subs:      make(map[uint64]*subscription),
		queueSize: size,
		logger:    logger,
	}
}

// Publish enqueues event for every matching subscriber. A subscriber whose
// queue is full misses the event.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs {
		if sub.eventType != "" && sub.eventType != event.Type {
			continue
		}
		select {
		case sub.queue <- queued{ctx: context.WithoutCancel(ctx), event: event}:
		default:
			b.dropped.Add(1)
			b.logger.Warn("event subscriber queue full, dropping event",
				"event", string(event.Type),
				"call_id", event.CallID,
			)
		}
	}
}

// Dropped reports how many deliveries were skipped because a queue was full.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(eventType, handler)
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add("", handler)
}

func (b *Bus) add(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := &subscription{
		id:        b.nextID.Add(1),
		eventType: eventType,
		handler:   handler,
		queue:     make(chan queued, b.queueSize),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return func() {}
	}
	b.subs[sub.id] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(sub)

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[sub.id]; ok {
			delete(b.subs, sub.id)
			close(sub.queue)
		}
	}
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for q := range sub.queue {
		b.deliver(sub, q)
	}
}

func (b *Bus) deliver(sub *subscription, q queued) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(q.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(q.ctx, q.event)
}

// Close prevents new publishes and waits until every queued event has
// been handled. Close is idempotent.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.queue)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
