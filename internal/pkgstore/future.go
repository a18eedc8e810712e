// Copyright 2025 Google LLC
// SPDX-License-Identifier: Apache-2.0

package pkgstore

import (
	"context"
	"sync"
)

// Future is a read-only handle to a value that settles exactly once,
// successfully or with an error. It is the Go analogue of the
// explicit {promise, resolve, reject} triple described in the design notes:
// a Completable is constructed and handed out as a Future before the work
// that will settle it has even started.
type Future[T any] struct {
	done chan struct{}
	val  *T
	err  error
}

// Completable is the writer side of a Future. Settle methods are safe to
// call from any goroutine; only the first call has an effect.
type Completable[T any] struct {
	fut  *Future[T]
	once sync.Once
}

// NewCompletable creates a Completable and its associated Future, ready to
// be handed to a caller before any work has started.
func NewCompletable[T any]() *Completable[T] {
	return &Completable[T]{fut: &Future[T]{done: make(chan struct{})}}
}

// Future returns the read-only handle backed by this Completable.
func (c *Completable[T]) Future() *Future[T] { return c.fut }

// Resolve settles the future successfully. Only the first call (Resolve or
// Reject) has an effect.
func (c *Completable[T]) Resolve(v T) {
	c.once.Do(func() {
		c.fut.val = &v
		close(c.fut.done)
	})
}

// Reject settles the future with an error. Only the first call (Resolve or
// Reject) has an effect.
func (c *Completable[T]) Reject(err error) {
	c.once.Do(func() {
		c.fut.err = err
		close(c.fut.done)
	})
}

// Settled reports whether the future has already settled.
func (c *Completable[T]) Settled() bool {
	select {
	case <-c.fut.done:
		return true
	default:
		return false
	}
}

// NewSettledFuture returns a Future that is already resolved with v, used
// when a caller pre-supplies a value (e.g. a caller-provided manifest).
func NewSettledFuture[T any](v T) *Future[T] {
	c := NewCompletable[T]()
	c.Resolve(v)
	return c.Future()
}

// Await blocks until the future settles or ctx is canceled, whichever comes
// first.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.done:
		if f.err != nil {
			return zero, f.err
		}
		return *f.val, nil
	}
}

// Done returns a channel that is closed once the future has settled, for
// callers that want to select across multiple futures.
func (f *Future[T]) Done() <-chan struct{} { return f.done }
