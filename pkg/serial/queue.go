// Package serial provides an in-process FIFO mutual exclusion primitive.
//
// A Queue hands out a single Baton at a time, strictly in the order requests
// were made. The holder passes the baton on by calling Release exactly once.
// Unlike sync.Mutex, the baton is not tied to a goroutine: it may be released
// from a callback long after the acquiring function returned.
package serial

import (
	"context"
	"fmt"
	"sync"
)

// Queue is a FIFO mutex. The zero value is ready to use.
type Queue struct {
	mu      sync.Mutex
	held    bool
	waiters []*waiter
	name    string
}

type waiter struct {
	ready     chan struct{}
	cancelled bool
}

// Baton is the release handle given to the current holder of a Queue.
type Baton struct {
	q        *Queue
	mu       sync.Mutex
	released bool
}

// New creates a named queue. The name only appears in panic messages.
func New(name string) *Queue {
	return &Queue{name: name}
}

// Run enqueues fn. It is invoked on its own goroutine once every earlier
// request has released the baton. fn must arrange for Release to be called
// exactly once.
func (q *Queue) Run(fn func(b *Baton)) {
	w := q.enqueue()
	go func() {
		if w != nil {
			<-w.ready
		}
		fn(&Baton{q: q})
	}()
}

// Acquire blocks until the caller holds the baton or ctx is done.
func (q *Queue) Acquire(ctx context.Context) (*Baton, error) {
	w := q.enqueue()
	if w == nil {
		return &Baton{q: q}, nil
	}

	select {
	case <-w.ready:
		return &Baton{q: q}, nil
	case <-ctx.Done():
	}

	q.mu.Lock()
	select {
	case <-w.ready:
		// Handed over concurrently with cancellation; pass it on.
		q.mu.Unlock()
		(&Baton{q: q}).Release()
	default:
		w.cancelled = true
		q.mu.Unlock()
	}
	return nil, ctx.Err()
}

// Len returns the number of requests waiting behind the current holder.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, w := range q.waiters {
		if !w.cancelled {
			n++
		}
	}
	return n
}

// enqueue grants the baton immediately (returning nil) or appends a waiter.
func (q *Queue) enqueue() *waiter {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.held {
		q.held = true
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	q.waiters = append(q.waiters, w)
	return w
}

// handoff passes the baton to the next live waiter, or marks the queue free.
func (q *Queue) handoff() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.waiters) > 0 {
		w := q.waiters[0]
		q.waiters[0] = nil
		q.waiters = q.waiters[1:]
		if w.cancelled {
			continue
		}
		close(w.ready)
		return
	}
	q.held = false
}

// Release passes the baton to the next waiter. Releasing twice panics.
func (b *Baton) Release() {
	b.mu.Lock()
	if b.released {
		b.mu.Unlock()
		panic(fmt.Sprintf("serial: baton for queue %q released twice", b.q.name))
	}
	b.released = true
	b.mu.Unlock()

	b.q.handoff()
}
