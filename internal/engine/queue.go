package engine

import (
	"sync"

	"github.com/roach88/lmsync/internal/model"
)

// triggerQueue is a thread-safe FIFO of resource keys waiting for a sync.
//
// A key already waiting is not queued twice: one run drains everything
// pending for it. Features enqueue from any goroutine while Engine.Run
// dequeues.
//
// The queue uses a channel for signaling to enable context-aware waiting
// in the Run loop.
type triggerQueue struct {
	mu     sync.Mutex
	keys   []model.ResourceKey
	queued map[model.ResourceKey]bool
	closed bool
	signal chan struct{} // Signals key availability (buffered, size 1)
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{
		keys:   make([]model.ResourceKey, 0, 16),
		queued: make(map[model.ResourceKey]bool),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue adds key to the back of the queue.
// Returns false if the queue is closed. Enqueuing a key that is already
// waiting succeeds without adding it again.
func (q *triggerQueue) Enqueue(key model.ResourceKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.queued[key] {
		return true
	}

	q.keys = append(q.keys, key)
	q.queued[key] = true

	// Signal availability (non-blocking - buffer of 1 coalesces multiple signals)
	select {
	case q.signal <- struct{}{}:
	default:
	}

	return true
}

// TryDequeue attempts to dequeue without blocking.
// Returns (ResourceKey{}, false) if the queue is empty.
func (q *triggerQueue) TryDequeue() (model.ResourceKey, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.keys) == 0 {
		return model.ResourceKey{}, false
	}

	key := q.keys[0]
	delete(q.queued, key)

	if len(q.keys) == 1 {
		q.keys = q.keys[:0]
	} else {
		q.keys = q.keys[1:]
	}

	return key, true
}

// Wait returns a channel that signals when keys may be available.
// The channel is closed by Close.
func (q *triggerQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the current queue length.
func (q *triggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.keys)
}

// Close signals that no more keys will be enqueued.
// Wakes any blocked waiters by closing the signal channel.
func (q *triggerQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}

	q.closed = true
	close(q.signal)
}
