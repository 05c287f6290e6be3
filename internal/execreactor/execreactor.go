// File: internal/execreactor/execreactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Cooperative task scheduler per spec.md §4.8, grounded on
// original_source/reactor/exec.rs's ExecReactor/Task (ArcWake self-wake
// via ReactorWaker). Go has no user-space Future/Waker trait and no
// reactor-thread-driven generator primitive, so this module parks a
// real goroutine per spawned task and uses only the waker/token pair to
// signal the *reactor* that a result is ready to drain -- keeping the
// reactor thread itself free of blocking calls while preserving the
// token-addressable wake contract the spec requires, per
// SPEC_FULL.md's Executor Reactor module note.

//go:build linux

package execreactor

import (
	"sync"
	"time"

	"github.com/momentics/enclavehttp/internal/waker"
	"github.com/momentics/enclavehttp/pool"
)

// Registrar is the epoll-registration surface the reactor needs from
// its owning coreserver; kept minimal and package-local so any
// concrete epoll wrapper exposing these methods satisfies it without
// coupling to internal/httpclient's wider Registrar.
type Registrar interface {
	RegisterRead(fd int, token uint64) error
	Deregister(fd int) error
}

// Fn is the work a spawned task performs off the reactor thread.
type Fn func() (any, error)

type task struct {
	token    uint64
	waker    *waker.Waker
	deadline time.Time
	result   any
	err      error
	done     bool
}

// taskPool recycles task structs across Spawn/Ready cycles instead of
// allocating one per call, backed by pool.SyncPool's generic sync.Pool
// wrapper.
var taskPool = pool.NewSyncPool(func() *task { return &task{} })

func resetTask(t *task, token uint64, w *waker.Waker, deadline time.Time) *task {
	t.token = token
	t.waker = w
	t.deadline = deadline
	t.result = nil
	t.err = nil
	t.done = false
	return t
}

// Reactor is the Executor Reactor: a task map keyed by token within the
// executor's assigned token range, plus a rolling next-id.
type Reactor struct {
	mu        sync.Mutex
	registrar Registrar
	tasks     map[uint64]*task
	nextToken uint64
}

// New creates a Reactor whose task tokens are allocated from tokenBase
// upward.
func New(registrar Registrar, tokenBase uint64) *Reactor {
	return &Reactor{registrar: registrar, tasks: make(map[uint64]*task), nextToken: tokenBase}
}

// Spawn allocates a token, registers a dedicated waker for the task at
// level-triggered readable interest, and starts fn on its own
// goroutine. The goroutine signals completion by triggering the
// task's waker -- self-wake on spawn's eventual completion, mirroring
// exec.rs's "set readiness" on enqueue.
func (r *Reactor) Spawn(fn Fn, deadline time.Time) (uint64, error) {
	w, err := waker.New()
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	token := r.nextToken
	r.nextToken++
	t := resetTask(taskPool.Get(), token, w, deadline)
	r.tasks[token] = t
	r.mu.Unlock()

	if err := r.registrar.RegisterRead(w.FD(), token); err != nil {
		r.mu.Lock()
		delete(r.tasks, token)
		r.mu.Unlock()
		_ = w.Close()
		return 0, err
	}

	go func() {
		value, ferr := fn()
		r.mu.Lock()
		t.result, t.err, t.done = value, ferr, true
		r.mu.Unlock()
		_ = w.Trigger()
	}()

	return token, nil
}

// Ready pops the task named by token, clears its waker, and returns its
// result. Per §4.8, a task only appears ready once its goroutine has
// completed and triggered the waker, so Ready never blocks.
func (r *Reactor) Ready(token uint64) (any, error, bool) {
	r.mu.Lock()
	t, ok := r.tasks[token]
	if !ok || !t.done {
		r.mu.Unlock()
		return nil, nil, false
	}
	delete(r.tasks, token)
	r.mu.Unlock()

	t.waker.Clear()
	_ = r.registrar.Deregister(t.waker.FD())
	_ = t.waker.Close()
	result, err := t.result, t.err
	taskPool.Put(t)
	return result, err, true
}

// Len reports the number of tasks currently awaiting completion.
func (r *Reactor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// CheckTimeouts removes every task whose deadline has passed. Per
// §4.8, timed-out tasks are dropped without delivering an error to the
// future owner -- they are a last-resort resource bound, not a
// reported failure.
func (r *Reactor) CheckTimeouts(now time.Time) {
	var expired []*task
	r.mu.Lock()
	for token, t := range r.tasks {
		if !t.deadline.IsZero() && now.After(t.deadline) {
			expired = append(expired, t)
			delete(r.tasks, token)
		}
	}
	r.mu.Unlock()

	for _, t := range expired {
		_ = r.registrar.Deregister(t.waker.FD())
		_ = t.waker.Close()
	}
}
