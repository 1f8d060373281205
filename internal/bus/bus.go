// Package bus carries scheduler events from producers (heartbeat timer,
// HTTP API, CLI) to the single agent consumer.
package bus

import (
	"context"
	"errors"
	"time"
)

// DefaultCapacity is the number of events buffered before Push blocks.
const DefaultCapacity = 100

// ErrClosed is returned by Push after Close.
var ErrClosed = errors.New("event queue closed")

// Event is a unit of work for the scheduler. The set of implementations is
// closed: Heartbeat and HumanInput.
type Event interface {
	EventName() string
	event()
}

// Heartbeat is the periodic self-wake.
type Heartbeat struct {
	At time.Time `json:"at"`
}

// HumanInput is a message from an operator.
type HumanInput struct {
	ID           string    `json:"id"`
	Text         string    `json:"text"`
	ReplyChannel string    `json:"reply_channel,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
}

func (Heartbeat) EventName() string  { return "heartbeat" }
func (HumanInput) EventName() string { return "human_input" }

func (Heartbeat) event()  {}
func (HumanInput) event() {}

// Queue is a FIFO of events with any number of producers.
type Queue struct {
	ch     chan Event
	closed chan struct{}
}

// NewQueue creates a queue buffering up to capacity events.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{
		ch:     make(chan Event, capacity),
		closed: make(chan struct{}),
	}
}

// Push enqueues ev, blocking while the queue is full.
func (q *Queue) Push(ctx context.Context, ev Event) error {
	select {
	case <-q.closed:
		return ErrClosed
	default:
	}
	switch e := ev.(type) {
	case Heartbeat:
		if e.At.IsZero() {
			e.At = time.Now()
			ev = e
		}
	case HumanInput:
		if e.ReceivedAt.IsZero() {
			e.ReceivedAt = time.Now()
			ev = e
		}
	}
	select {
	case q.ch <- ev:
		return nil
	case <-q.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop blocks until an event is available or ctx is cancelled. Once the
// queue is closed and drained Pop returns ErrClosed.
func (q *Queue) Pop(ctx context.Context) (Event, error) {
	select {
	case ev := <-q.ch:
		return ev, nil
	case <-q.closed:
		select {
		case ev := <-q.ch:
			return ev, nil
		default:
			return nil, ErrClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Len returns the number of pending events.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close rejects further pushes. Pending events can still be popped.
func (q *Queue) Close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}
