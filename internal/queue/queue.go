// Package queue provides the deduplicating work queue that sits between
// discovery and the worker pool.
//
// A key is tracked from the moment it is admitted until [Queue.Release] is
// called, whether the item is still waiting or already being processed.
// While tracked, the same key cannot be admitted again.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/jpalmerr/simrunner/internal/metrics"
	"github.com/jpalmerr/simrunner/internal/work"
)

// Queue is a FIFO of work items with in-flight deduplication.
//
// All methods are safe for concurrent use. Admission, dequeue and release
// are serialized by a single mutex, so membership checks never race with
// each other.
type Queue struct {
	mu      sync.Mutex
	tracked map[string]struct{}
	items   []work.Item
	closed  bool
	metrics *metrics.Metrics

	// ready holds at most one pending wake-up for blocked consumers.
	ready chan struct{}
}

// New creates an empty [Queue] publishing its depth to m. A nil m gets a
// private, unregistered set.
func New(m *metrics.Metrics) *Queue {
	if m == nil {
		m = metrics.New()
	}
	return &Queue{
		tracked: make(map[string]struct{}),
		metrics: m,
		ready:   make(chan struct{}, 1),
	}
}

// TryEnqueue admits item unless its key is already tracked or the queue is
// closed. It reports whether the item was admitted.
func (q *Queue) TryEnqueue(item work.Item) bool {
	key := item.Key()

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if _, exists := q.tracked[key]; exists {
		q.mu.Unlock()
		return false
	}
	q.tracked[key] = struct{}{}
	q.items = append(q.items, item)
	q.publishLocked()
	q.mu.Unlock()

	q.signal()
	return true
}

// Dequeue removes the oldest waiting item, blocking for up to timeout.
//
// It returns false when nothing arrived in time or ctx was cancelled; the
// caller is expected to loop. The dequeued key stays tracked until
// [Queue.Release].
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (work.Item, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items[0] = work.Item{}
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.publishLocked()
			q.mu.Unlock()

			// pass the wake-up on so another consumer sees the remainder
			if more {
				q.signal()
			}
			return item, true
		}
		q.mu.Unlock()

		select {
		case <-q.ready:
		case <-timer.C:
			return work.Item{}, false
		case <-ctx.Done():
			return work.Item{}, false
		}
	}
}

// Release stops tracking key. Releasing an unknown key is a no-op.
func (q *Queue) Release(key string) {
	q.mu.Lock()
	delete(q.tracked, key)
	q.publishLocked()
	q.mu.Unlock()
}

// Tracked reports whether key is queued or in flight.
func (q *Queue) Tracked(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tracked[key]
	return ok
}

// Keys returns a snapshot of all tracked keys. Order is not guaranteed.
func (q *Queue) Keys() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := make([]string, 0, len(q.tracked))
	for k := range q.tracked {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of items waiting for a worker.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// InFlight returns the number of tracked keys, waiting or being processed.
func (q *Queue) InFlight() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tracked)
}

// Close stops admission. Items already waiting can still be dequeued and
// tracked keys can still be released. Close is idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

// Drain removes every waiting item and releases its key, returning the
// removed items. Items already handed to a worker are unaffected.
func (q *Queue) Drain() []work.Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := q.items
	q.items = nil
	for _, item := range drained {
		delete(q.tracked, item.Key())
	}
	q.publishLocked()
	return drained
}

func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *Queue) publishLocked() {
	q.metrics.TrackedItems.Set(float64(len(q.tracked)))
	q.metrics.QueueDepth.Set(float64(len(q.items)))
}
