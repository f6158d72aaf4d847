// Package buffer provides an unbounded queue used to hand events from emitter
// listeners to iterator consumers.
package buffer

import (
	"sync"
)

// Queue decouples a producer that must never block from a consumer reading a channel.
//
//	q := buffer.NewQueue[Item]()
//	go produce(q) // q.Push(...) never blocks; q.Close() when done
//	for item := range q.Receive() {
//	    ...
//	}
//
// A consumer that stops reading early calls Abandon, which releases the internal
// goroutine and discards whatever is still queued.
type Queue[T any] struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     []T
	closed    bool
	abandoned chan struct{}
	abandon   sync.Once
	out       chan T
}

// NewQueue creates an empty queue and starts its forwarding goroutine.
func NewQueue[T any]() *Queue[T] {
	q := &Queue[T]{
		abandoned: make(chan struct{}),
		out:       make(chan T),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.forward()
	return q
}

func (q *Queue[T]) forward() {
	defer close(q.out)
	for {
		item, ok := q.next()
		if !ok {
			return
		}
		select {
		case q.out <- item:
		case <-q.abandoned:
			return
		}
	}
}

// next pops the head of the queue, waiting while it is empty and open.
func (q *Queue[T]) next() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		var zero T
		return zero, false
	}

	item := q.items[0]
	var zero T
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// Push appends item. It never blocks; pushes after Close are dropped.
func (q *Queue[T]) Push(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

// Receive returns the consumer channel. It is closed once the queue is closed and
// drained, or abandoned.
func (q *Queue[T]) Receive() <-chan T {
	return q.out
}

// Close stops accepting items. Items already queued are still delivered.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.cond.Broadcast()
}

// Abandon closes the queue and drops undelivered items.
func (q *Queue[T]) Abandon() {
	q.abandon.Do(func() { close(q.abandoned) })

	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	q.Close()
}

// Len returns the number of items not yet handed to the consumer channel.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
