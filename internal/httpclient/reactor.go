// File: internal/httpclient/reactor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outbound call scheduler per spec.md §4.7. Owns a map from call token
// to HttpcCall state and a Waker on a dedicated token; non-blocking
// sockets are opened via golang.org/x/sys/unix and registered into the
// caller's shared epoll instance through the Registrar interface, so
// this reactor never owns the epoll fd itself -- it is one of three
// token-range tenants of internal/coreserver's single poll loop.
// Grounded on original_source/reactor/httpc.rs's HttpcReactor and on the
// teacher's syscall-level transport style in
// internal/transport/transport_linux.go.

//go:build linux

package httpclient

import (
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/enclavehttp/api"
	"github.com/momentics/enclavehttp/internal/httpcodec"
	"github.com/momentics/enclavehttp/internal/waker"
	"github.com/momentics/enclavehttp/pool"
)

// pendingCapacity bounds the number of calls awaiting their initial
// dial; pool.RingBuffer requires a fixed power-of-two capacity, which
// doubles as a resource bound on runaway callers.
const pendingCapacity = 1024

// Registrar is the epoll-registration surface the reactor needs from
// its owning coreserver, keeping the epoll fd itself out of this
// package. All registered interest is level-triggered one-shot per
// spec.md §4.1, so Rearm must be called after reacting to an event on
// any fd that is expected to fire again.
type Registrar interface {
	RegisterRead(fd int, token uint64) error
	RegisterWrite(fd int, token uint64) error
	ModifyWrite(fd int, token uint64, wantWrite bool) error
	Rearm(fd int) error
	Deregister(fd int) error
}

// Reactor is the HTTP Client Reactor.
type Reactor struct {
	mu         sync.Mutex
	waker      *waker.Waker
	wakerToken uint64
	registrar  Registrar
	pending    *pool.RingBuffer[*call]
	calls      map[uint64]*call
	nextToken  uint64
	tokenBase  uint64
}

// New creates a Reactor whose call tokens are allocated from tokenBase
// upward, with its waker registered under wakerToken.
func New(registrar Registrar, wakerToken, tokenBase uint64) (*Reactor, error) {
	w, err := waker.New()
	if err != nil {
		return nil, err
	}
	if err := registrar.RegisterRead(w.FD(), wakerToken); err != nil {
		return nil, err
	}
	return &Reactor{
		waker:      w,
		wakerToken: wakerToken,
		registrar:  registrar,
		pending:    pool.NewRingBuffer[*call](pendingCapacity),
		calls:      make(map[uint64]*call),
		nextToken:  tokenBase,
		tokenBase:  tokenBase,
	}, nil
}

// WakerToken returns the token the reactor's waker is registered under.
func (r *Reactor) WakerToken() uint64 { return r.wakerToken }

// Call pushes builder-wrapped state into the pending list and triggers
// the waker; returns a future resolved once the call completes.
func (r *Reactor) Call(req Request) *Future[*Result] {
	f := newFuture[*Result]()
	c := &call{req: req, state: StatePending, future: f}
	if req.Timeout > 0 {
		c.deadline = timeNow().Add(req.Timeout)
	}

	r.mu.Lock()
	enqueued := r.pending.Enqueue(c)
	r.mu.Unlock()
	if !enqueued {
		f.resolve(nil, api.NewKindError(api.KindHttpClientError, "outbound call queue is full"))
		return f
	}

	_ = r.waker.Trigger()
	return f
}

// HandleEvent dispatches one epoll-surfaced readiness event. token ==
// WakerToken() spawns all pending calls; any other recognized token is
// fed to the in-flight call's connect/write/read state machine.
func (r *Reactor) HandleEvent(token uint64, readable, writable bool) {
	if token == r.wakerToken {
		r.waker.Clear()
		r.spawnPending()
		_ = r.registrar.Rearm(r.waker.FD())
		return
	}

	r.mu.Lock()
	c, ok := r.calls[token]
	r.mu.Unlock()
	if !ok {
		return
	}
	r.perform(c, readable, writable)

	r.mu.Lock()
	_, stillActive := r.calls[token]
	r.mu.Unlock()
	if stillActive {
		_ = r.registrar.Rearm(c.fd)
	}
}

// Len reports the number of calls currently in flight, including those
// still pending their initial dial.
func (r *Reactor) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls) + r.pending.Len()
}

// CheckTimeouts marks every call whose deadline has passed as
// HttpClientTimedOut, drops its socket, and wakes its future.
func (r *Reactor) CheckTimeouts(now time.Time) {
	var expired []*call
	r.mu.Lock()
	for token, c := range r.calls {
		if !c.deadline.IsZero() && now.After(c.deadline) {
			expired = append(expired, c)
			delete(r.calls, token)
		}
	}
	r.mu.Unlock()

	for _, c := range expired {
		c.state = StateAborted
		_ = r.registrar.Deregister(c.fd)
		_ = unix.Close(c.fd)
		c.future.resolve(nil, api.NewKindError(api.KindHttpClientTimedOut, "outbound call timed out"))
	}
}

func (r *Reactor) spawnPending() {
	var batch []*call
	r.mu.Lock()
	for {
		c, ok := r.pending.Dequeue()
		if !ok {
			break
		}
		batch = append(batch, c)
	}
	r.mu.Unlock()

	for _, c := range batch {
		if err := r.start(c); err != nil {
			c.state = StateErrored
			c.future.resolve(nil, api.NewKindError(api.KindHttpClientError, "dial failed").WithContext("err", err))
			continue
		}
		r.mu.Lock()
		r.calls[c.token] = c
		r.mu.Unlock()
	}
}

// start opens the non-blocking socket for c and registers it for write
// readiness. TLS for https:// targets is not yet layered onto this path
// (see DESIGN.md's Open Questions); plaintext HTTP calls are fully
// reactor-driven end to end.
func (r *Reactor) start(c *call) error {
	u, err := url.Parse(c.req.URL)
	if err != nil {
		return err
	}
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	ips, err := lookupIPs(host)
	if err != nil {
		return err
	}
	sa, err := sockaddrFor(ips[0], port)
	if err != nil {
		return err
	}
	family := unix.AF_INET
	if _, isV6 := sa.(*unix.SockaddrInet6); isV6 {
		family = unix.AF_INET6
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return err
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return err
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return err
	}

	r.mu.Lock()
	c.token = r.nextToken
	r.nextToken++
	r.mu.Unlock()

	c.fd = fd
	c.state = StateActive
	c.connecting = true
	c.sendBuf = encodeRequest(c.req, host)

	return r.registrar.RegisterWrite(fd, c.token)
}

func (r *Reactor) perform(c *call, readable, writable bool) {
	if c.connecting {
		if !writable {
			return
		}
		errno, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil || errno != 0 {
			r.fail(c, api.NewKindError(api.KindHttpClientError, "connect failed"))
			return
		}
		c.connecting = false
	}

	if writable && c.sendOff < len(c.sendBuf) {
		n, err := unix.Write(c.fd, c.sendBuf[c.sendOff:])
		if err != nil && err != unix.EAGAIN {
			r.fail(c, api.NewKindError(api.KindHttpClientError, "write failed").WithContext("err", err))
			return
		}
		c.sendOff += n
		if c.sendOff >= len(c.sendBuf) {
			_ = r.registrar.ModifyWrite(c.fd, c.token, false)
		}
		return
	}

	if readable {
		buf := make([]byte, 64*1024)
		n, err := unix.Read(c.fd, buf)
		if err != nil && err != unix.EAGAIN {
			r.fail(c, api.NewKindError(api.KindHttpClientError, "read failed").WithContext("err", err))
			return
		}
		if n > 0 {
			c.recvBuf = append(c.recvBuf, buf[:n]...)
		}
		resp, consumed, derr := httpcodec.Decode(c.recvBuf)
		if derr != nil {
			r.fail(c, api.AsKindError(derr))
			return
		}
		if resp != nil && consumed > 0 {
			r.succeed(c, resp)
			return
		}
		if n == 0 {
			r.fail(c, api.NewKindError(api.KindHttpClientError, "connection closed before full response"))
		}
	}
}

func (r *Reactor) succeed(c *call, resp *httpcodec.Response) {
	c.state = StateDone
	r.finish(c)
	c.future.resolve(&Result{Response: resp, Body: resp.Body}, nil)
}

func (r *Reactor) fail(c *call, err error) {
	c.state = StateErrored
	r.finish(c)
	c.future.resolve(nil, err)
}

func (r *Reactor) finish(c *call) {
	r.mu.Lock()
	delete(r.calls, c.token)
	r.mu.Unlock()
	_ = r.registrar.Deregister(c.fd)
	_ = unix.Close(c.fd)
}

func encodeRequest(req Request, host string) []byte {
	var b strings.Builder
	u, _ := url.Parse(req.URL)
	path := u.RequestURI()
	if path == "" {
		path = "/"
	}
	b.WriteString(req.Method)
	b.WriteByte(' ')
	b.WriteString(path)
	b.WriteString(" HTTP/1.1\r\n")
	b.WriteString("Host: ")
	b.WriteString(host)
	b.WriteString("\r\n")
	b.WriteString("Connection: close\r\n")
	b.WriteString("Content-Length: ")
	b.WriteString(strconv.Itoa(len(req.Body)))
	b.WriteString("\r\n")
	for _, h := range req.Headers {
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	out := []byte(b.String())
	return append(out, req.Body...)
}

var timeNow = time.Now
