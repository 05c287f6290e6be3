// File: internal/waker/waker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Waker is the cross-wake primitive used to signal the reactor's epoll
// loop from a foreign goroutine (an executor task, an HTTP client
// callback, a deferral producer). It wraps a Linux eventfd, registered in
// the same epoll instance as the connection sockets under its own token,
// grounded on the teacher's epoll registration idiom in
// reactor/epoll_reactor.go and on original_source's reactor/waker.rs
// mio::Registration/SetReadiness pair.

//go:build linux

package waker

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Waker is a level-triggered readiness source backed by an eventfd.
// Trigger() is safe to call from any goroutine; Clear() must only be
// called from the reactor thread after observing readiness.
type Waker struct {
	fd        int
	triggered atomic.Bool
}

// New creates a non-blocking eventfd-backed Waker.
func New() (*Waker, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Waker{fd: fd}, nil
}

// FD returns the eventfd descriptor for epoll registration.
func (w *Waker) FD() int { return w.fd }

// Trigger marks the waker readable, coalescing repeated calls into a
// single wakeup if the reactor hasn't drained it yet.
func (w *Waker) Trigger() error {
	if !w.triggered.CompareAndSwap(false, true) {
		return nil
	}
	buf := [8]byte{0, 0, 0, 0, 0, 0, 0, 1}
	_, err := unix.Write(w.fd, buf[:])
	if err != nil && err != unix.EAGAIN {
		w.triggered.Store(false)
		return err
	}
	return nil
}

// Clear drains the eventfd counter and resets the triggered flag. Call
// this once per readiness event observed on FD().
func (w *Waker) Clear() {
	var buf [8]byte
	for {
		_, err := unix.Read(w.fd, buf[:])
		if err != nil {
			break
		}
	}
	w.triggered.Store(false)
}

// Close releases the underlying eventfd.
func (w *Waker) Close() error {
	return unix.Close(w.fd)
}
