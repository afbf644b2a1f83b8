package remote

import (
	"context"
	"sync"
)

// EventQueue is the Queue transports fill from their reader goroutine.
// Push never blocks: the connection reader must keep draining replies
// while a handler waits on one, and the debuggee stays stopped until a
// handler resumes it, which bounds the backlog in practice.
type EventQueue struct {
	mu     sync.Mutex
	sets   []*EventSet
	closed bool
	err    error
	wake   chan struct{}
}

var _ Queue = (*EventQueue)(nil)

func NewEventQueue() *EventQueue {
	return &EventQueue{wake: make(chan struct{}, 1)}
}

// Push appends set. Sets pushed after Close are dropped.
func (q *EventQueue) Push(set *EventSet) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.sets = append(q.sets, set)
	q.mu.Unlock()
	q.signal()
}

// Close ends the stream. Queued sets are still handed out, after which
// Remove returns err, or (nil, nil) when err is nil.
func (q *EventQueue) Close(err error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.err = err
	q.mu.Unlock()
	q.signal()
}

// Len is the number of sets waiting to be removed.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.sets)
}

func (q *EventQueue) Remove(ctx context.Context) (*EventSet, error) {
	for {
		q.mu.Lock()
		if len(q.sets) > 0 {
			set := q.sets[0]
			q.sets[0] = nil
			q.sets = q.sets[1:]
			q.mu.Unlock()
			return set, nil
		}
		if q.closed {
			err := q.err
			q.mu.Unlock()
			// let other readers observe the close too
			q.signal()
			return nil, err
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *EventQueue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}
