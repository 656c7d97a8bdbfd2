package broadcast

import (
	"fmt"
	"sync"
)

// QueueSink is a bounded outbound queue for one connection. A transport goroutine drains C.
type QueueSink struct {
	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func NewQueueSink(size int) *QueueSink {
	if size <= 0 {
		size = 1
	}
	return &QueueSink{ch: make(chan []byte, size)}
}

// Deliver enqueues the event payload without blocking.
func (q *QueueSink) Deliver(ev Event) error {
	return q.Enqueue(ev.Payload)
}

// Enqueue adds a message that is not tied to a vehicle, such as an ack.
func (q *QueueSink) Enqueue(msg []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrSinkClosed
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return fmt.Errorf("%w: send queue full", ErrDeliveryFailed)
	}
}

func (q *QueueSink) C() <-chan []byte { return q.ch }

// Close stops further enqueues and closes C. Safe to call more than once.
func (q *QueueSink) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}
