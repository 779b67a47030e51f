package call

import (
	"sync"

	"callbridge/internal/domain"
)

// eventQueue is an unbounded FIFO between a session and the single reader
// of its Events channel, so emitting never blocks on a slow consumer.
// finish appends the terminal event; after that pushes are ignored and the
// channel closes once drained.
type eventQueue struct {
	mu       sync.Mutex
	cond     *sync.Cond
	items    []domain.SessionEvent
	finished bool
	out      chan domain.SessionEvent
}

func newEventQueue() *eventQueue {
	q := &eventQueue{out: make(chan domain.SessionEvent)}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

func (q *eventQueue) push(ev domain.SessionEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return false
	}
	q.items = append(q.items, ev)
	q.cond.Signal()
	return true
}

func (q *eventQueue) finish(ev domain.SessionEvent) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return
	}
	q.items = append(q.items, ev)
	q.finished = true
	q.cond.Signal()
}

func (q *eventQueue) pump() {
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.finished {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			close(q.out)
			return
		}
		ev := q.items[0]
		q.items[0] = domain.SessionEvent{}
		q.items = q.items[1:]
		q.mu.Unlock()

		q.out <- ev
	}
}
