package engine

import (
	"context"
	"sync"
)

// Queue is an unbounded FIFO of events. Producers never block; a single consumer
// waits on Ready and drains with Pop.
type Queue struct {
	mu     sync.Mutex
	events []Event
	ready  chan struct{}
}

// NewQueue creates an empty event queue.
func NewQueue() *Queue {
	return &Queue{
		events: make([]Event, 0, 16),
		ready:  make(chan struct{}, 1),
	}
}

// Push appends an event and wakes the consumer.
func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	q.events = append(q.events, ev)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Pop removes the oldest event, or returns false when the queue is empty.
func (q *Queue) Pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.events) == 0 {
		return Event{}, false
	}
	ev := q.events[0]
	q.events[0] = Event{}
	q.events = q.events[1:]
	return ev, true
}

// Ready is signalled after every Push. It may fire once for several pushes.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Wait blocks until an event is available or ctx is done.
func (q *Queue) Wait(ctx context.Context) (Event, error) {
	for {
		if ev, ok := q.Pop(); ok {
			return ev, nil
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-q.ready:
		}
	}
}

// Clear drops all pending events and returns how many were dropped.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.events)
	q.events = q.events[:0]
	return n
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
