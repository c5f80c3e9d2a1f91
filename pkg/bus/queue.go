package bus

import (
	"sync"
	"time"
)

// PendingQueue buffers events that arrive before the bridge is ready to
// process them. It is an unbounded FIFO: events are never dropped and never
// reordered, regardless of which platform they came from.
type PendingQueue struct {
	mu     sync.Mutex
	events []Event
	closed bool
}

func NewPendingQueue() *PendingQueue {
	return &PendingQueue{}
}

// Push appends an event, stamping its enqueue time. Returns false if the
// queue has been closed (drained); callers should then process directly.
func (q *PendingQueue) Push(ev Event) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	ev.EnqueuedAt = time.Now()
	q.events = append(q.events, ev)
	return true
}

// Drain closes the queue and returns all buffered events in arrival order.
// After Drain, Push returns false forever; a second Drain returns nil.
func (q *PendingQueue) Drain() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	events := q.events
	q.events = nil
	return events
}

// Len reports the number of buffered events.
func (q *PendingQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
