package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errIdle is returned by pop when no fragment arrived within the timeout.
var errIdle = errors.New("pipeline: idle timeout")

// queue is an unbounded FIFO of text fragments with a single consumer.
// push never blocks; pop blocks until a fragment, the timeout or ctx cancellation.
type queue struct {
	mu     sync.Mutex
	items  []string
	closed bool
	ready  chan struct{}
}

func newQueue() *queue {
	return &queue{ready: make(chan struct{}, 1)}
}

// push appends a fragment. It reports false once the queue has been closed.
func (q *queue) push(fragment string) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fragment)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *queue) pop(ctx context.Context, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			fragment := q.items[0]
			q.items[0] = ""
			q.items = q.items[1:]
			q.mu.Unlock()
			return fragment, nil
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-timer.C:
			return "", errIdle
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (q *queue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
