// File: internal/deferral/deferral.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-connection deferral inbox per spec.md §4.9: a dual FIFO of
// callbacks and futures, mutex-guarded, with an optional max-queue
// bound enforced as a ServerFault, woken via the connection's
// companion Waker. Backed by github.com/eapache/queue's ring-buffer
// FIFO instead of a hand-rolled slice, matching the teacher's
// task-queue choice in go.mod.

//go:build linux

package deferral

import (
	"sync"

	"github.com/eapache/queue"

	"github.com/momentics/enclavehttp/api"
	"github.com/momentics/enclavehttp/internal/waker"
)

// Callback is a closure scheduled to run back on the owning Connection.
type Callback func()

// FutureSpawn is an async task spawned against the owning Connection's
// executor handle.
type FutureSpawn func()

// Inbox is one connection's dual FIFO of deferred work.
type Inbox struct {
	mu          sync.Mutex
	callbacks   *queue.Queue
	futures     *queue.Queue
	maxCallback int
	maxFuture   int
	waker       *waker.Waker
}

// New creates an empty Inbox bound to waker, with optional queue
// maxima (0 means unbounded).
func New(w *waker.Waker, maxCallback, maxFuture int) *Inbox {
	return &Inbox{
		callbacks:   queue.New(),
		futures:     queue.New(),
		maxCallback: maxCallback,
		maxFuture:   maxFuture,
		waker:       w,
	}
}

// Defer enqueues cb and triggers the waker. Returns ServerFault if the
// callback queue is at its configured maximum.
func (i *Inbox) Defer(cb Callback) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.maxCallback > 0 && i.callbacks.Length() >= i.maxCallback {
		return api.NewKindError(api.KindServerFault, "deferral callback queue full")
	}
	i.callbacks.Add(cb)
	return i.waker.Trigger()
}

// Spawn enqueues a future spawn and triggers the waker. Returns
// ServerFault if the future queue is at its configured maximum.
func (i *Inbox) Spawn(fs FutureSpawn) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.maxFuture > 0 && i.futures.Length() >= i.maxFuture {
		return api.NewKindError(api.KindServerFault, "deferral future queue full")
	}
	i.futures.Add(fs)
	return i.waker.Trigger()
}

// TakePending clears the waker and atomically swaps out both queues,
// returning their contents for the Connection to run.
func (i *Inbox) TakePending() ([]Callback, []FutureSpawn) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.waker.Clear()

	cbs := make([]Callback, 0, i.callbacks.Length())
	for i.callbacks.Length() > 0 {
		cbs = append(cbs, i.callbacks.Remove().(Callback))
	}
	fss := make([]FutureSpawn, 0, i.futures.Length())
	for i.futures.Length() > 0 {
		fss = append(fss, i.futures.Remove().(FutureSpawn))
	}
	return cbs, fss
}

// Close releases the inbox's waker.
func (i *Inbox) Close() error {
	return i.waker.Close()
}
