package reconcile

import (
	"sync"

	"github.com/roach88/homebase/internal/ir"
)

// EventQueue is a thread-safe FIFO of remote change events.
//
// Subscription streams for several kinds enqueue into one queue from their
// own goroutines; a single applier (Engine.Run) dequeues. The queue is
// unbounded so a slow applier never stalls a websocket reader.
//
// A buffered signal channel (size 1) enables context-aware waiting.
type EventQueue struct {
	mu     sync.Mutex
	events []ir.ChangeEvent
	closed bool
	signal chan struct{}
}

// NewEventQueue creates an empty event queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{
		events: make([]ir.ChangeEvent, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds an event to the back of the queue.
// Returns false if the queue is closed.
func (q *EventQueue) Enqueue(e ir.ChangeEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	q.events = append(q.events, e)

	// Non-blocking: the buffer of 1 coalesces multiple signals
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue removes and returns the front event without blocking.
// Returns false if the queue is empty.
func (q *EventQueue) TryDequeue() (ir.ChangeEvent, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return ir.ChangeEvent{}, false
	}

	e := q.events[0]
	// Release the record map for GC
	q.events[0] = ir.ChangeEvent{}

	if len(q.events) == 1 {
		q.events = q.events[:0]
	} else {
		q.events = q.events[1:]
	}

	return e, true
}

// Wait returns a channel that signals when events may be available.
// The channel is closed when the queue is closed.
//
//	select {
//	case <-ctx.Done():
//	    return ctx.Err()
//	case <-q.Wait():
//	    // TryDequeue
//	}
func (q *EventQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Close signals that no more events will be enqueued and wakes waiters.
// Events already queued can still be dequeued.
func (q *EventQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}

// Closed reports whether Close was called.
func (q *EventQueue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}
