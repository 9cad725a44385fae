// Package memory provides the bounded in-process fire queue.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/JakeFAU/prl-harvester/internal/harvest"
)

// ErrFull is returned by TryEnqueue when the queue has no free slot.
var ErrFull = errors.New("queue full")

// ErrClosed is returned once the queue has been closed.
var ErrClosed = errors.New("queue closed")

// Queue is a bounded in-memory queue of fires.
type Queue struct {
	ch      chan harvest.Fire
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	return &Queue{
		ch: make(chan harvest.Fire, capacity),
	}
}

// TryEnqueue pushes a fire without waiting. Cron fires must never block, so
// there is no waiting variant.
func (q *Queue) TryEnqueue(fire harvest.Fire) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- fire:
		return nil
	default:
		return ErrFull
	}
}

// Dequeue pops the next fire, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (harvest.Fire, error) {
	select {
	case <-ctx.Done():
		return harvest.Fire{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case fire, ok := <-q.ch:
		if !ok {
			return harvest.Fire{}, ErrClosed
		}
		return fire, nil
	}
}

// Len reports the number of queued fires.
func (q *Queue) Len() int {
	return len(q.ch)
}

// Close closes the underlying channel. Fires still queued are drained by
// Dequeue until it reports ErrClosed.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
