// File: internal/execreactor/execreactor_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux

package execreactor_test

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/momentics/enclavehttp/internal/execreactor"
)

type fakeRegistrar struct {
	mu        sync.Mutex
	registered map[int]uint64
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{registered: make(map[int]uint64)}
}

func (f *fakeRegistrar) RegisterRead(fd int, token uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered[fd] = token
	return nil
}

func (f *fakeRegistrar) Deregister(fd int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, fd)
	return nil
}

func waitForReady(t *testing.T, r *execreactor.Reactor, token uint64) (any, error) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, err, ok := r.Ready(token); ok {
			return v, err
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("task never became ready")
	return nil, nil
}

func TestSpawnAndReadySuccess(t *testing.T) {
	reg := newFakeRegistrar()
	r := execreactor.New(reg, 1000)

	token, err := r.Spawn(func() (any, error) { return 7, nil }, time.Time{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	v, ferr := waitForReady(t, r, token)
	if ferr != nil {
		t.Fatalf("unexpected task error: %v", ferr)
	}
	if v != 7 {
		t.Fatalf("expected 7, got %v", v)
	}
}

func TestSpawnPropagatesError(t *testing.T) {
	reg := newFakeRegistrar()
	r := execreactor.New(reg, 2000)

	boom := errors.New("boom")
	token, err := r.Spawn(func() (any, error) { return nil, boom }, time.Time{})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	_, ferr := waitForReady(t, r, token)
	if ferr == nil {
		t.Fatal("expected propagated error")
	}
}

func TestCheckTimeoutsDropsExpiredTasks(t *testing.T) {
	reg := newFakeRegistrar()
	r := execreactor.New(reg, 3000)

	block := make(chan struct{})
	token, err := r.Spawn(func() (any, error) { <-block; return nil, nil }, time.Now().Add(-time.Millisecond))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	r.CheckTimeouts(time.Now())
	if _, _, ok := r.Ready(token); ok {
		t.Fatal("expected timed-out task to have been dropped")
	}
	close(block)
}
