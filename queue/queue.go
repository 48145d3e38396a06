// Package queue provides the blocking priority queue that feeds the worker
// pool. Three strict priority classes; insertion order within a class.
package queue

import (
	"sync"

	"github.com/valkyriedata/shardfs"
)

// Queue is a multi-producer/multi-consumer blocking queue ordered by
// [shardfs.Priority] with FIFO order inside each class. The zero value is
// not usable; call [New].
type Queue[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	// one FIFO slice per priority class, indexed by Priority
	classes [3][]T
	closed  bool
}

// New returns an empty open queue.
func New[T any]() *Queue[T] {
	q := &Queue[T]{}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Push inserts item under the given priority and wakes one waiter.
// After Shutdown it returns false without inserting.
func (q *Queue[T]) Push(item T, pri shardfs.Priority) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.classes[pri] = append(q.classes[pri], item)
	q.mu.Unlock()

	q.notEmpty.Signal()
	return true
}

// Pop blocks until an item is available or the queue is shut down and
// drained. The second return is false only for the closed sentinel.
func (q *Queue[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.emptyLocked() && !q.closed {
		q.notEmpty.Wait()
	}
	if q.emptyLocked() {
		// closed and drained
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// TryPop is the non-blocking variant of Pop. The second return is false
// when the queue is currently empty.
func (q *Queue[T]) TryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.emptyLocked() {
		var zero T
		return zero, false
	}
	return q.popLocked(), true
}

// Shutdown closes the queue and wakes all waiters. Idempotent. Items
// already queued continue to be delivered until the queue drains, after
// which every Pop returns the closed sentinel.
func (q *Queue[T]) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	q.notEmpty.Broadcast()
}

// Len returns the number of queued items across all classes.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, c := range q.classes {
		n += len(c)
	}
	return n
}

func (q *Queue[T]) emptyLocked() bool {
	return len(q.classes[0]) == 0 && len(q.classes[1]) == 0 && len(q.classes[2]) == 0
}

// popLocked removes the head of the highest non-empty class.
func (q *Queue[T]) popLocked() T {
	for pri := range q.classes {
		c := q.classes[pri]
		if len(c) == 0 {
			continue
		}
		item := c[0]
		// shift; nil the slot so the backing array does not pin the item
		var zero T
		c[0] = zero
		q.classes[pri] = c[1:]
		if len(q.classes[pri]) == 0 {
			// reset so the backing array can be reclaimed
			q.classes[pri] = nil
		}
		return item
	}
	panic("queue: popLocked on empty queue")
}
