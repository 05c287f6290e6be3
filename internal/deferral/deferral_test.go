// File: internal/deferral/deferral_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux

package deferral_test

import (
	"testing"

	"github.com/momentics/enclavehttp/internal/deferral"
	"github.com/momentics/enclavehttp/internal/waker"
)

func newInbox(t *testing.T, maxCallback, maxFuture int) *deferral.Inbox {
	t.Helper()
	w, err := waker.New()
	if err != nil {
		t.Fatalf("waker.New: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })
	return deferral.New(w, maxCallback, maxFuture)
}

func TestDeferAndTakePending(t *testing.T) {
	inbox := newInbox(t, 0, 0)
	ran := false
	if err := inbox.Defer(func() { ran = true }); err != nil {
		t.Fatalf("Defer: %v", err)
	}

	cbs, fss := inbox.TakePending()
	if len(cbs) != 1 || len(fss) != 0 {
		t.Fatalf("expected 1 callback, 0 futures, got %d/%d", len(cbs), len(fss))
	}
	cbs[0]()
	if !ran {
		t.Fatal("expected callback to be runnable after TakePending")
	}
}

func TestDeferRejectsOverflow(t *testing.T) {
	inbox := newInbox(t, 1, 0)
	if err := inbox.Defer(func() {}); err != nil {
		t.Fatalf("first Defer: %v", err)
	}
	if err := inbox.Defer(func() {}); err == nil {
		t.Fatal("expected ServerFault on queue overflow")
	}
}

func TestSpawnRejectsOverflow(t *testing.T) {
	inbox := newInbox(t, 0, 1)
	if err := inbox.Spawn(func() {}); err != nil {
		t.Fatalf("first Spawn: %v", err)
	}
	if err := inbox.Spawn(func() {}); err == nil {
		t.Fatal("expected ServerFault on future queue overflow")
	}
}

func TestTakePendingClearsQueues(t *testing.T) {
	inbox := newInbox(t, 0, 0)
	_ = inbox.Defer(func() {})
	_ = inbox.Spawn(func() {})

	cbs, fss := inbox.TakePending()
	if len(cbs) != 1 || len(fss) != 1 {
		t.Fatalf("expected 1/1, got %d/%d", len(cbs), len(fss))
	}

	cbs2, fss2 := inbox.TakePending()
	if len(cbs2) != 0 || len(fss2) != 0 {
		t.Fatal("expected empty queues on second drain")
	}
}
