package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrQueueClosed is returned by Push and Pop on a closed queue
var ErrQueueClosed = errors.New("queue closed")

// Policy decides what Push does when the queue is full
type Policy int

const (
	// DropOldest evicts the oldest message and counts the drop
	DropOldest Policy = iota
	// Block waits for room until the push context expires
	Block
)

// Queue is a bounded FIFO between a subscription callback and a consumer loop
type Queue struct {
	mu       sync.Mutex
	items    []*Message
	capacity int
	policy   Policy
	dropped  int64
	closed   bool
	notEmpty chan struct{}
	notFull  chan struct{}
	done     chan struct{}
}

// NewQueue creates a queue holding at most capacity messages
func NewQueue(capacity int, policy Policy) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		items:    make([]*Message, 0, capacity),
		capacity: capacity,
		policy:   policy,
		notEmpty: make(chan struct{}, 1),
		notFull:  make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push appends msg according to the queue policy
func (q *Queue) Push(ctx context.Context, msg *Message) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return ErrQueueClosed
		}
		if len(q.items) < q.capacity {
			q.items = append(q.items, msg)
			q.mu.Unlock()
			signal(q.notEmpty)
			return nil
		}
		if q.policy == DropOldest {
			q.items[0] = nil
			q.items = append(q.items[1:], msg)
			q.dropped++
			q.mu.Unlock()
			signal(q.notEmpty)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.notFull:
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// TryPop removes the oldest message without waiting
func (q *Queue) TryPop() (*Message, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	msg := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	remaining := len(q.items)
	q.mu.Unlock()

	signal(q.notFull)
	if remaining > 0 {
		signal(q.notEmpty)
	}
	return msg, true
}

// Pop waits for the next message
func (q *Queue) Pop(ctx context.Context) (*Message, error) {
	for {
		if msg, ok := q.TryPop(); ok {
			return msg, nil
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, ErrQueueClosed
		}
		select {
		case <-q.notEmpty:
		case <-q.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Ready fires when a message may be available. Drain with TryPop.
func (q *Queue) Ready() <-chan struct{} {
	return q.notEmpty
}

// Len returns the number of queued messages
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many messages DropOldest has evicted
func (q *Queue) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close wakes all waiters. Queued messages stay available to TryPop.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
