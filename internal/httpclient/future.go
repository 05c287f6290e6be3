// File: internal/httpclient/future.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Future[T] is a minimal, cloneable, single-resolution future: Go has no
// native Future/Waker type, so this mirrors the teacher's mutex-guarded
// shared-state idiom (reactor/epoll_reactor.go's callback registries)
// rather than reaching for golang.org/x/sync/errgroup, which barrier-joins
// a fixed goroutine set and cannot expose one resolvable value a deferred
// closure polls without blocking the reactor thread.

package httpclient

import "sync"

// Future is resolved exactly once, from the reactor thread, and may be
// awaited from any goroutine via Wait or polled without blocking via
// TryGet.
type Future[T any] struct {
	mu       sync.Mutex
	cond     *sync.Cond
	done     bool
	value    T
	err      error
}

func newFuture[T any]() *Future[T] {
	f := &Future[T]{}
	f.cond = sync.NewCond(&f.mu)
	return f
}

func (f *Future[T]) resolve(value T, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.done {
		return
	}
	f.value = value
	f.err = err
	f.done = true
	f.cond.Broadcast()
}

// TryGet returns the resolved value without blocking, reporting whether
// it was ready.
func (f *Future[T]) TryGet() (T, error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value, f.err, f.done
}

// Wait blocks the calling goroutine until the future resolves.
func (f *Future[T]) Wait() (T, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for !f.done {
		f.cond.Wait()
	}
	return f.value, f.err
}
