// File: internal/conn/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-socket Connection state machine per spec.md §4.2: Accepted→Ready
// lifecycle, the 5-step request ingest algorithm, response egress with
// close-notify queuing, and the Open→Closing→Closed close sequence.
// Grounded on original_source/server/connection.rs, translated onto
// internal/tlsbridge's black-box TLS session and golang.org/x/sys/unix
// raw non-blocking socket I/O (the same style internal/httpclient uses
// for its outbound sockets).

//go:build linux

package conn

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/enclavehttp/api"
	"github.com/momentics/enclavehttp/internal/deferral"
	"github.com/momentics/enclavehttp/internal/execreactor"
	"github.com/momentics/enclavehttp/internal/httpclient"
	"github.com/momentics/enclavehttp/internal/httpcodec"
	"github.com/momentics/enclavehttp/internal/reqcontext"
	"github.com/momentics/enclavehttp/internal/router"
	"github.com/momentics/enclavehttp/internal/tlsbridge"
	"github.com/momentics/enclavehttp/internal/waker"
	"github.com/momentics/enclavehttp/internal/wsstate"
	"github.com/momentics/enclavehttp/pool"
	"github.com/momentics/enclavehttp/protocol"
)

const readBufferSize = 16 * 1024

// fallbackReadBufferPool backs acquireReadBuffer when no NUMA-aware
// api.BufferPool is configured (e.g. standalone unit tests): a plain
// channel-backed pool.SimpleBytePool instead of a bare per-call
// make([]byte, ...), so repeated reads on an unpooled Connection still
// reuse memory.
var fallbackReadBufferPool = pool.NewSimpleBytePool(64, readBufferSize)

// State is the Connection's lifecycle position per spec.md §4.2.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Registrar is the epoll-registration surface a Connection needs from
// its owning coreserver. Unlike internal/httpclient.Registrar, it omits
// Rearm: every fd a Connection touches is rearmed by the coreserver
// itself right after dispatching to HandleReadable/HandleWritable/
// HandleDeferralWake, since the Server already holds the concrete
// epoll registrar directly.
type Registrar interface {
	RegisterRead(fd int, token uint64) error
	RegisterWrite(fd int, token uint64) error
	ModifyWrite(fd int, token uint64, want bool) error
	Deregister(fd int) error
}

// TaskOwners records which connection a spawned executor task token
// belongs to, so the coreserver's main loop can route a completed
// task's epoll event back to the right Connection.
type TaskOwners interface {
	RegisterTaskOwner(token, connID uint64)
}

// Deps bundles the shared, server-owned collaborators every Connection
// needs: the router, the outbound HTTP client reactor, the executor
// reactor, the epoll registrar, and the configured limits.
type Deps struct {
	Router           *router.Router
	Client           *httpclient.Reactor
	Exec             *execreactor.Reactor
	Registrar        Registrar
	Owners           TaskOwners
	MaxBytesReceived int64
	RequestTimeout   time.Duration
	ExecTimeout      time.Duration
	MaxDefersQueue   int
	MaxFuturesQueue  int
	Log              *logrus.Entry
	BufferPool       api.BufferPool
	NUMANode         int
}

type pendingTask struct {
	rc             *reqcontext.Context
	keepAlive      bool
	upgradeResp    *httpcodec.Response
	isSubscription bool
}

// Connection is one accepted, TLS-terminated socket and its in-flight
// request/websocket state.
type Connection struct {
	id    uint64
	fd    int
	token uint64

	deps       Deps
	tls        *tlsbridge.Session
	deferWaker *waker.Waker
	deferInbox *deferral.Inbox
	ws         *wsstate.State

	rawReq  *httpcodec.RawRequest
	pending map[uint64]pendingTask
	state   State
	log     *logrus.Entry
}

// New wraps an accepted, non-blocking fd with its TLS session and
// deferral inbox. id must be even; the companion waker is conventionally
// registered under id+1, per spec.md §4.1.
func New(id uint64, fd int, tlsConfig *tls.Config, deps Deps) (*Connection, error) {
	w, err := waker.New()
	if err != nil {
		return nil, err
	}
	log := deps.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("conn_id", id)

	c := &Connection{
		id:         id,
		fd:         fd,
		token:      id,
		deps:       deps,
		deferWaker: w,
		deferInbox: deferral.New(w, deps.MaxDefersQueue, deps.MaxFuturesQueue),
		pending:    make(map[uint64]pendingTask),
		state:      StateOpen,
		log:        log,
	}
	c.tls = tlsbridge.NewServer(tlsConfig, w)
	return c, nil
}

// ID returns the connection's token-range identifier.
func (c *Connection) ID() uint64 { return c.id }

// FD returns the raw socket descriptor.
func (c *Connection) FD() int { return c.fd }

// DeferWakerFD returns the companion waker's descriptor, for registration
// under id+1.
func (c *Connection) DeferWakerFD() int { return c.deferWaker.FD() }

// State reports the connection's current lifecycle position.
func (c *Connection) State() State { return c.state }

// HandleReadable drains raw ciphertext off the socket and feeds any
// resulting plaintext into the request parser or websocket state.
func (c *Connection) HandleReadable() {
	data, release := c.acquireReadBuffer()
	defer release()
	for {
		n, err := unix.Read(c.fd, data)
		if n > 0 {
			c.tls.FeedCiphertext(data[:n])
		}
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}
			c.fatalClose(err)
			return
		}
		if n == 0 {
			c.fatalClose(nil) // peer half-closed
			return
		}
	}
	c.drainPlaintext()
}

// HandleWritable flushes queued ciphertext to the socket and, once a
// graceful close has fully drained, finalizes the teardown.
func (c *Connection) HandleWritable() {
	for {
		b := c.tls.DrainCiphertext()
		if len(b) == 0 {
			break
		}
		if _, err := unix.Write(c.fd, b); err != nil {
			if err == unix.EAGAIN {
				break
			}
			c.fatalClose(err)
			return
		}
	}
	wantsWrite := c.tls.WantsWrite()
	_ = c.deps.Registrar.ModifyWrite(c.fd, c.token, wantsWrite)
	if c.state == StateClosing && !wantsWrite {
		c.finalizeClose()
	}
}

// HandleDeferralWake drains this connection's deferral inbox: callbacks
// run first against the connection, then queued future spawns run (each
// one performs its own executor.Spawn internally).
func (c *Connection) HandleDeferralWake() {
	cbs, futures := c.deferInbox.TakePending()
	for _, cb := range cbs {
		cb()
	}
	for _, fs := range futures {
		fs()
	}
}

// DeferTaskResult schedules delivery of a completed executor task's
// result back onto this Connection through its deferral inbox, rather
// than letting the caller (the reactor's task-ready dispatch) mutate
// Connection state directly from the executor's completion path. This
// is the disjoint-reachability seam spec.md calls for between a
// Connection and the tasks it spawns.
func (c *Connection) DeferTaskResult(token uint64, value any, terr error) error {
	return c.deferInbox.Defer(func() {
		c.HandleTaskResult(token, value, terr)
	})
}

// HandleTaskResult delivers a completed executor task's result back to
// the Connection that spawned it. Only ever invoked from within a
// closure scheduled by DeferTaskResult.
func (c *Connection) HandleTaskResult(token uint64, value any, terr error) {
	pt, ok := c.pending[token]
	if !ok {
		return
	}
	delete(c.pending, token)

	if terr != nil {
		ke := api.AsKindError(terr)
		if ke.Kind == api.KindWSClosed {
			c.beginGracefulClose()
			return
		}
		if pt.isSubscription {
			c.log.WithError(terr).Warn("websocket subscription handler failed")
			return
		}
		c.respondError(terr, pt.keepAlive)
		return
	}

	if pt.isSubscription {
		return
	}

	if pt.upgradeResp != nil {
		c.sendResponse(pt.upgradeResp, false)
		if err := c.ws.Activate(c.tls, pt.rc); err != nil {
			c.fatalClose(err)
		}
		return
	}

	c.sendResponse(responseFromHandlerResult(value), !pt.keepAlive)
}

// CheckTimeout aborts the in-flight Raw Request if its deadline has
// passed.
func (c *Connection) CheckTimeout(now time.Time) {
	if c.rawReq != nil && c.rawReq.CheckTimeout(now) {
		c.rawReq = nil
		c.respondError(api.NewKindError(api.KindTimedOut, "request deadline exceeded"), false)
	}
}

func (c *Connection) drainPlaintext() {
	for {
		data, err, ok := c.tls.ReadPlaintext()
		if err != nil {
			c.fatalClose(err)
			return
		}
		if !ok {
			return
		}
		if c.ws != nil {
			c.handleWebsocketBytes(data)
			continue
		}
		if ierr := c.ingest(data); ierr != nil {
			c.respondError(ierr, false)
		}
	}
}

func (c *Connection) handleWebsocketBytes(data []byte) {
	buf := data
	for len(buf) > 0 {
		n, err := c.ws.Handle(buf)
		if err != nil {
			ke := api.AsKindError(err)
			if ke.Kind == api.KindWSClosed {
				c.beginGracefulClose()
				return
			}
			c.fatalClose(err)
			return
		}
		if n == 0 {
			return
		}
		buf = buf[n:]
	}
}

// ingest implements spec.md §4.2's 5-step Request ingest algorithm.
func (c *Connection) ingest(data []byte) error {
	already := int64(0)
	if c.rawReq != nil {
		already = int64(c.rawReq.BufferedLen())
	}
	if int64(len(data)) > c.deps.MaxBytesReceived-already {
		return api.NewKindError(api.KindPayloadTooLarge, "incoming bytes exceed configured maximum")
	}

	if c.rawReq == nil {
		c.rawReq = httpcodec.NewRawRequest(time.Now().Add(c.deps.RequestTimeout))
	}
	if err := c.rawReq.Next(data); err != nil {
		c.rawReq = nil
		return err
	}
	if !c.rawReq.HeadDecoded() {
		return nil // still accumulating the head
	}
	if err := c.rawReq.Validate(c.deps.MaxBytesReceived); err != nil {
		c.rawReq = nil
		return err
	}
	if !c.rawReq.Ready() {
		return nil
	}

	req, err := c.rawReq.Extract()
	c.rawReq = nil
	if err != nil {
		return err
	}
	return c.dispatch(req)
}

func (c *Connection) dispatch(req *httpcodec.Request) error {
	handler, captures, ok := c.deps.Router.Match(req.Method, routePath(req.URI))
	if !ok {
		return api.NewKindError(api.KindServerFault, "no route matched "+req.Method+" "+req.URI)
	}
	req.Captures = captures

	var binder reqcontext.WebSocketBinder
	var upgradeResp *httpcodec.Response
	if req.IsWebSocket {
		headers := wsstate.PreserveHeadersForHandshake(req)
		if verr := protocol.ValidateUpgradeHeaders(headers); verr != nil {
			return api.NewKindError(api.KindWSFault, verr.Error())
		}
		accept := protocol.ComputeAcceptKey(headers[protocol.HeaderSecWebSocketKey])
		upgradeResp = httpcodec.NewResponse(101)
		upgradeResp.Reason = "Switching Protocols"
		upgradeResp.WithHeader("Upgrade", "websocket").
			WithHeader("Connection", "Upgrade").
			WithHeader("Sec-WebSocket-Accept", accept).
			WithBody([]byte{})
		c.ws = wsstate.New(&execSpawner{c}, &execDeferrer{c}, c.fatalClose)
		binder = c.ws
	}

	rc := reqcontext.New(req, c.deps.Client, binder)
	keepAlive := req.ShouldKeepAlive()

	token, err := c.deps.Exec.Spawn(func() (any, error) {
		return handler(context.Background(), rc)
	}, deadlineFrom(c.deps.ExecTimeout))
	if err != nil {
		return api.NewKindError(api.KindExecError, "task spawn failed").WithContext("err", err)
	}
	c.deps.Owners.RegisterTaskOwner(token, c.id)
	c.pending[token] = pendingTask{rc: rc, keepAlive: keepAlive, upgradeResp: upgradeResp}
	return nil
}

func (c *Connection) respondError(err error, keepAlive bool) {
	c.sendResponse(httpcodec.FromError(err), !keepAlive)
}

func (c *Connection) sendResponse(resp *httpcodec.Response, shouldClose bool) {
	if c.state == StateClosed {
		return
	}
	encoded, err := httpcodec.Encode(resp)
	if err != nil {
		// FromError always sets a body, so this cannot fail the same way.
		encoded, _ = httpcodec.Encode(httpcodec.FromError(err))
		shouldClose = true
	}
	if werr := c.tls.WritePlaintext(encoded); werr != nil {
		c.fatalClose(werr)
		return
	}
	if shouldClose {
		c.beginGracefulClose()
	}
}

func (c *Connection) beginGracefulClose() {
	if c.state == StateOpen {
		c.state = StateClosing
	}
}

// fatalClose tears the connection down immediately; err is nil for a
// clean peer EOF.
func (c *Connection) fatalClose(err error) {
	if err != nil {
		c.log.WithError(err).Debug("connection fault, closing")
	}
	c.state = StateClosing
	c.finalizeClose()
}

// finalizeClose runs the Closing→Closed transition: close-notify once,
// shutdown both directions, deregister both descriptors.
func (c *Connection) finalizeClose() {
	if c.state == StateClosed {
		return
	}
	_ = c.tls.Close()
	_ = unix.Shutdown(c.fd, unix.SHUT_RDWR)
	_ = c.deps.Registrar.Deregister(c.fd)
	_ = c.deps.Registrar.Deregister(c.deferWaker.FD())
	_ = c.deferInbox.Close()
	c.state = StateClosed
}

// acquireReadBuffer borrows a NUMA-local buffer from the server's shared
// pool when one is configured, falling back to fallbackReadBufferPool for
// standalone use (e.g. tests that don't wire a pool).
func (c *Connection) acquireReadBuffer() (data []byte, release func()) {
	if c.deps.BufferPool == nil {
		b := fallbackReadBufferPool.Get()
		return b, func() { fallbackReadBufferPool.Put(b) }
	}
	buf := c.deps.BufferPool.Get(readBufferSize, c.deps.NUMANode)
	return buf.Bytes(), buf.Release
}

func deadlineFrom(d time.Duration) time.Time {
	if d <= 0 {
		return time.Time{}
	}
	return time.Now().Add(d)
}

func responseFromHandlerResult(v any) *httpcodec.Response {
	if resp, ok := v.(*httpcodec.Response); ok {
		return resp
	}
	resp := httpcodec.NewResponse(200)
	switch body := v.(type) {
	case nil:
		return httpcodec.FromError(api.NewKindError(api.KindServerFault, "handler returned no response body"))
	case []byte:
		return resp.WithBody(body)
	case string:
		return resp.WithBody([]byte(body))
	default:
		if err := resp.WithJSON(v); err != nil {
			return httpcodec.FromError(err)
		}
		return resp
	}
}

// routePath strips a query string from a request-target URI, leaving
// the path the router matches against.
func routePath(uri string) string {
	for i := 0; i < len(uri); i++ {
		if uri[i] == '?' {
			return uri[:i]
		}
	}
	return uri
}

// execSpawner adapts a Connection into wsstate.Spawner: each inbound
// subscription dispatch is a fire-and-forget executor task whose result
// is only consulted for a WSClosed signal.
type execSpawner struct {
	conn *Connection
}

func (e *execSpawner) Spawn(fn func() error) {
	token, err := e.conn.deps.Exec.Spawn(func() (any, error) { return nil, fn() }, time.Time{})
	if err != nil {
		e.conn.log.WithError(err).Warn("failed to spawn websocket subscription dispatch")
		return
	}
	e.conn.deps.Owners.RegisterTaskOwner(token, e.conn.id)
	e.conn.pending[token] = pendingTask{isSubscription: true}
}

// execDeferrer adapts a Connection into wsstate.Deferrer: a
// post-activation Send is scheduled through the connection's own
// deferral inbox rather than writing from whatever goroutine called
// Send.
type execDeferrer struct {
	conn *Connection
}

func (e *execDeferrer) Defer(fn func()) error {
	return e.conn.deferInbox.Defer(fn)
}
