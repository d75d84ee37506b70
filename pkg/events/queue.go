package events

import (
	"context"
)

// Queue is a bounded FIFO of messages. Put and Get are the suspension points
// of every agent task; both observe ctx cancellation.
type Queue struct {
	name string
	ch   chan *Message
}

// NewQueue creates a queue holding up to size messages
func NewQueue(name string, size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{name: name, ch: make(chan *Message, size)}
}

// Name returns the queue name
func (q *Queue) Name() string {
	return q.name
}

// Put enqueues msg, blocking while the queue is full
func (q *Queue) Put(ctx context.Context, msg *Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPut enqueues msg without blocking and reports whether it was accepted
func (q *Queue) TryPut(msg *Message) bool {
	select {
	case q.ch <- msg:
		return true
	default:
		return false
	}
}

// Get dequeues the next message, blocking while the queue is empty
func (q *Queue) Get(ctx context.Context) (*Message, error) {
	select {
	case msg := <-q.ch:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// C exposes the receive side for select loops
func (q *Queue) C() <-chan *Message {
	return q.ch
}

// Len returns the number of queued messages
func (q *Queue) Len() int {
	return len(q.ch)
}
