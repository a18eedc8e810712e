// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
)

// Scheduler is a process-wide bounded-concurrency admission queue with a
// priority hint: higher priority runs first, FIFO within equal priority.
// It serializes only admission — once a task is dispatched it runs
// concurrently with the others up to the configured budget.
type Scheduler struct {
	concurrency int

	mu      sync.Mutex
	cond    *sync.Cond
	pending schedQueue
	running int
	closed  bool
	seq     int64

	// counter is the monotonically incrementing value C7 reads via Next()
	// to drive the tarball/metadata priority-rotation policy.
	counter atomic.Uint64
}

// NewScheduler constructs a Scheduler with the given concurrency budget.
// A non-positive concurrency defaults to 16, matching spec.md's default
// networkConcurrency.
func NewScheduler(concurrency int) *Scheduler {
	if concurrency <= 0 {
		concurrency = 16
	}
	s := &Scheduler{concurrency: concurrency}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Next returns the next value of the scheduler's monotonic counter, used by
// the Fetch Coordinator's priority-rotation policy (spec.md §4.7).
func (s *Scheduler) Next() uint64 { return s.counter.Add(1) }

type schedItem struct {
	priority int
	seq      int64
	ctx      context.Context
	run      func()
	drop     func(error)
}

type schedQueue []*schedItem

func (q schedQueue) Len() int { return len(q) }
func (q schedQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority // higher priority first
	}
	return q[i].seq < q[j].seq // FIFO within equal priority
}
func (q schedQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *schedQueue) Push(x any)        { *q = append(*q, x.(*schedItem)) }
func (q *schedQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Submit admits task when a slot is free, honoring priority, and returns a
// Future for its result. If ctx is canceled before task starts running, the
// item is removed from the queue without ever running and the Future is
// rejected with ctx's error.
func Submit[T any](s *Scheduler, ctx context.Context, priority int, task func(context.Context) (T, error)) *Future[T] {
	c := NewCompletable[T]()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		c.Reject(context.Canceled)
		return c.Future()
	}
	s.seq++
	item := &schedItem{priority: priority, seq: s.seq, ctx: ctx}
	item.run = func() {
		v, err := task(ctx)
		if err != nil {
			c.Reject(err)
		} else {
			c.Resolve(v)
		}
	}
	item.drop = func(err error) { c.Reject(err) }
	heap.Push(&s.pending, item)
	s.cond.Signal()
	s.mu.Unlock()
	go s.dispatchLoop()
	return c.Future()
}

// dispatchLoop attempts to admit one pending item if a slot is free. It is
// safe to invoke redundantly; only one admission happens per call, and a
// new goroutine is spawned on every Submit so progress is always made.
func (s *Scheduler) dispatchLoop() {
	s.mu.Lock()
	for {
		if s.closed && len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		if s.running >= s.concurrency || len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		item := heap.Pop(&s.pending).(*schedItem)
		if item.ctx != nil && item.ctx.Err() != nil {
			// Dropped before admission: never runs, its Future is
			// rejected with the context's error.
			item.drop(item.ctx.Err())
			continue
		}
		s.running++
		s.mu.Unlock()
		func() {
			defer func() {
				s.mu.Lock()
				s.running--
				s.cond.Broadcast()
				s.mu.Unlock()
				// A slot just freed: try to admit whatever is next.
				go s.dispatchLoop()
			}()
			item.run()
		}()
		return
	}
}

// Close stops accepting new submissions. It does not interrupt tasks
// already admitted; callers that need to wait for drain should poll Idle.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Idle reports whether there is no running or pending work.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running == 0 && len(s.pending) == 0
}
