// File: internal/coreserver/epoll.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// epollRegistrar is the single concrete epoll wrapper shared by every
// consumer's narrower Registrar interface (internal/conn,
// internal/httpclient, internal/execreactor): it tracks interest and
// token per fd the same way the teacher's reactor/epoll_reactor.go
// tracks a callback per fd, but keyed to a token instead of a closure
// since this reactor classifies events by token range rather than
// dispatching through per-fd callbacks.

//go:build linux

package coreserver

import (
	"sync"

	"golang.org/x/sys/unix"
)

type epollEntry struct {
	token uint64
	read  bool
	write bool
}

type epollRegistrar struct {
	epfd    int
	mu      sync.Mutex
	entries map[int]*epollEntry
}

func newEpollRegistrar() (*epollRegistrar, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &epollRegistrar{epfd: epfd, entries: make(map[int]*epollEntry)}, nil
}

// RegisterRead adds fd to the epoll set with read interest, keyed to
// token. Interest is level-triggered, one-shot per spec.md §4.1/§4.8: a
// delivered event disarms fd until Rearm re-applies the same interest.
func (r *epollRegistrar) RegisterRead(fd int, token uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := &epollEntry{token: token, read: true}
	r.entries[fd] = e
	ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLONESHOT, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

// RegisterWrite adds fd with write interest, creating the entry with
// read interest alongside if it doesn't exist yet. One-shot, as above.
func (r *epollRegistrar) RegisterWrite(fd int, token uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[fd]
	if !ok {
		e = &epollEntry{token: token, read: true}
		r.entries[fd] = e
		ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLONESHOT, Fd: int32(fd)}
		e.write = true
		return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	e.write = true
	return r.applyLocked(fd, e)
}

// ModifyWrite toggles write interest on an already-registered fd and
// rearms it (EPOLL_CTL_MOD always re-enables a one-shot fd).
func (r *epollRegistrar) ModifyWrite(fd int, token uint64, want bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[fd]
	if !ok {
		if !want {
			return nil
		}
		e = &epollEntry{token: token, read: true, write: true}
		r.entries[fd] = e
		ev := unix.EpollEvent{Events: unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLONESHOT, Fd: int32(fd)}
		return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	}
	e.write = want
	return r.applyLocked(fd, e)
}

// Rearm re-applies fd's currently configured interest. Every fd in this
// registrar is one-shot, so a handler must call Rearm once it has
// finished reacting to an event, or the fd will never be reported
// ready again.
func (r *epollRegistrar) Rearm(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[fd]
	if !ok {
		return nil
	}
	return r.applyLocked(fd, e)
}

func (r *epollRegistrar) applyLocked(fd int, e *epollEntry) error {
	var events uint32
	if e.read {
		events |= unix.EPOLLIN
	}
	if e.write {
		events |= unix.EPOLLOUT
	}
	events |= unix.EPOLLONESHOT
	ev := unix.EpollEvent{Events: events, Fd: int32(fd)}
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

// Deregister removes fd from the epoll set entirely.
func (r *epollRegistrar) Deregister(fd int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, fd)
	return unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// epollResult is one dispatch-ready event, already translated from raw
// fd to the logical token the caller registered it under.
type epollResult struct {
	token    uint64
	readable bool
	writable bool
}

// Wait blocks up to timeoutMs and returns the ready events, translated
// to tokens. A nil, nil return means the wait was interrupted and the
// caller should simply poll again.
func (r *epollRegistrar) Wait(timeoutMs int) ([]epollResult, error) {
	var raw [256]unix.EpollEvent
	n, err := unix.EpollWait(r.epfd, raw[:], timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]epollResult, 0, n)
	for i := 0; i < n; i++ {
		ev := raw[i]
		e, ok := r.entries[int(ev.Fd)]
		if !ok {
			continue
		}
		out = append(out, epollResult{
			token:    e.token,
			readable: ev.Events&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0,
			writable: ev.Events&unix.EPOLLOUT != 0,
		})
	}
	return out, nil
}

// Close releases the epoll descriptor.
func (r *epollRegistrar) Close() error {
	return unix.Close(r.epfd)
}
