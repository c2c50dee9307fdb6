// Package mq implements the ordered, blocking message queue used between the
// analyzer goroutine, the consumer workers and any client.
package mq

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Pop and Push once the queue has been closed and,
// for Pop, fully drained.
var ErrClosed = errors.New("mq: queue closed")

// Type tags a message payload. Values are defined by the protocol on top.
type Type uint32

// Message is a type-tagged payload. Ownership moves to whoever pops it.
type Message struct {
	Type    Type
	Payload any
}

// Queue is an unbounded FIFO of messages safe for many producers and many
// readers. Nothing pushed is ever dropped: after Close, readers still get
// every pending item before ErrClosed.
type Queue struct {
	mu     sync.Mutex
	items  []Message
	head   int
	closed bool
	wake   chan struct{} // closed and replaced on every state change
}

// New returns an empty open queue.
func New() *Queue {
	return &Queue{wake: make(chan struct{})}
}

// Push enqueues payload tagged with typ.
func (q *Queue) Push(typ Type, payload any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, Message{Type: typ, Payload: payload})
	q.signalLocked()
	return nil
}

// Pop blocks until a message is available, the queue is closed and empty,
// or ctx ends.
func (q *Queue) Pop(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		if msg, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return msg, nil
		}
		if q.closed {
			q.mu.Unlock()
			return Message{}, ErrClosed
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// TryPop returns the next message without blocking.
func (q *Queue) TryPop() (Message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

// Len reports the number of pending messages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) - q.head
}

// Close marks the queue closed and wakes every blocked reader. Close is
// idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.signalLocked()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Drain removes every pending message and hands each one to dispose, in
// queue order. It returns the number of messages drained. dispose may be nil.
func (q *Queue) Drain(dispose func(Message)) int {
	q.mu.Lock()
	pending := append([]Message(nil), q.items[q.head:]...)
	q.items = q.items[:0]
	q.head = 0
	q.mu.Unlock()

	if dispose != nil {
		for _, msg := range pending {
			dispose(msg)
		}
	}
	return len(pending)
}

func (q *Queue) popLocked() (Message, bool) {
	if q.head >= len(q.items) {
		return Message{}, false
	}
	msg := q.items[q.head]
	q.items[q.head] = Message{}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	} else if q.head > 64 && q.head*2 > len(q.items) {
		n := copy(q.items, q.items[q.head:])
		q.items = q.items[:n]
		q.head = 0
	}
	return msg, true
}

func (q *Queue) signalLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}
