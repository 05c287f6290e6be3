// File: internal/coreserver/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Server is the single-threaded reactor loop of spec.md §4.1: one epoll
// instance multiplexing the listener, every accepted Connection and its
// companion deferral waker, the Executor Reactor's per-task wakers, and
// the outbound HTTP Client Reactor's sockets, classified by disjoint
// token ranges. Grounded on the teacher's Accept/dispatch loop in
// reactor/epoll_reactor.go, generalized from a single fd-keyed callback
// table to the four-tenant token-range split spec.md requires.

//go:build linux

package coreserver

import (
	"context"
	"crypto/tls"
	"net"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/momentics/enclavehttp/affinity"
	"github.com/momentics/enclavehttp/api"
	"github.com/momentics/enclavehttp/internal/conn"
	"github.com/momentics/enclavehttp/internal/control"
	"github.com/momentics/enclavehttp/internal/execreactor"
	"github.com/momentics/enclavehttp/internal/httpclient"
	"github.com/momentics/enclavehttp/internal/router"
)

var _ api.GracefulShutdown = (*Server)(nil)

const (
	listenerToken  uint64 = 1
	connectionBase uint64 = 1 << 10
	rangeSpan      uint64 = 1 << 32
	executorBase          = connectionBase + rangeSpan
	httpClientBase        = connectionBase + 2*rangeSpan

	defaultPollTimeoutMs  = 1000
	timeoutCheckInterval  = time.Second
)

// Config bundles everything Server needs to bind, accept, and dispatch
// per spec.md §6's server-level knobs.
type Config struct {
	Address          string
	ServerToken      string
	TLSConfig        *tls.Config
	Router           *router.Router
	MaxBytesReceived int64
	RequestTimeout   time.Duration
	ExecTimeout      time.Duration
	MaxDefersQueue   int
	MaxFuturesQueue  int
	BufferPool       api.BufferPool
	NUMANode         int
	// PinReactorThread, when true, locks Run's goroutine to its OS
	// thread and pins that thread to CPUID, matching spec.md §4.1's
	// single-threaded-reactor assumption that the poll loop never
	// migrates cores mid-run.
	PinReactorThread bool
	CPUID            int
	Log              *logrus.Logger
}

// Server owns the listening socket, the shared epoll instance, and every
// live Connection, Executor Reactor task, and outbound HTTP call it
// multiplexes.
type Server struct {
	cfg      Config
	log      *logrus.Entry
	listenFD int
	epoll    *epollRegistrar

	exec   *execreactor.Reactor
	client *httpclient.Reactor

	metrics   *control.Metrics
	debug     *control.Debug
	startedAt time.Time

	mu          sync.Mutex
	connections map[uint64]*conn.Connection
	taskOwners  map[uint64]uint64
	nextConnID  uint64

	lastTimeoutCheck time.Time
}

// New binds the listening socket and wires the Executor and HTTP Client
// reactors onto a single shared epoll instance, per spec.md §4.1's
// token-range layout.
func New(cfg Config) (*Server, error) {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	listenFD, err := listenTCP(cfg.Address)
	if err != nil {
		return nil, err
	}

	epoll, err := newEpollRegistrar()
	if err != nil {
		unix.Close(listenFD)
		return nil, err
	}
	if err := epoll.RegisterRead(listenFD, listenerToken); err != nil {
		epoll.Close()
		unix.Close(listenFD)
		return nil, err
	}

	s := &Server{
		cfg:         cfg,
		log:         log.WithField("component", "coreserver"),
		listenFD:    listenFD,
		epoll:       epoll,
		exec:        execreactor.New(epoll, executorBase),
		connections: make(map[uint64]*conn.Connection),
		taskOwners:  make(map[uint64]uint64),
		nextConnID:  connectionBase,
	}

	client, err := httpclient.New(epoll, httpClientBase, httpClientBase+1)
	// wakerToken=httpClientBase, tokenBase=httpClientBase+1: the waker
	// occupies the one token below the call-token range's start, so the
	// reactor's incrementing nextToken can never collide with it.
	if err != nil {
		epoll.Close()
		unix.Close(listenFD)
		return nil, err
	}
	s.client = client

	s.metrics = control.NewMetrics()
	s.debug = control.NewDebug()
	s.startedAt = time.Now()
	s.debug.RegisterProbe("server_token", func() any { return cfg.ServerToken })
	s.debug.RegisterProbe("uptime_seconds", func() any { return time.Since(s.startedAt).Seconds() })
	s.debug.RegisterProbe("active_connections", func() any {
		s.mu.Lock()
		defer s.mu.Unlock()
		return len(s.connections)
	})
	s.registerControlRoutes(cfg.Router)

	return s, nil
}

func (s *Server) registerControlRoutes(r *router.Router) {
	if r == nil {
		return
	}
	r.GET("/metrics", func(ctx context.Context, rc any) (any, error) {
		s.refreshMetrics()
		body, err := s.metrics.Render()
		if err != nil {
			return nil, api.NewKindError(api.KindServerFault, "metrics render failed").WithContext("err", err)
		}
		return body, nil
	})
	r.GET("/debug", func(ctx context.Context, rc any) (any, error) {
		body, err := s.debug.RenderJSON()
		if err != nil {
			return nil, api.NewKindError(api.KindServerFault, "debug render failed").WithContext("err", err)
		}
		return body, nil
	})
}

func (s *Server) refreshMetrics() {
	s.mu.Lock()
	activeConns := len(s.connections)
	s.mu.Unlock()
	s.metrics.SetActiveConnections(activeConns)
	s.metrics.SetExecutorTasks(s.exec.Len())
	s.metrics.SetHTTPClientCalls(s.client.Len())
}

// Metrics exposes the server's Prometheus registry wrapper, for callers
// that want to compose it into a wider api.Control facade.
func (s *Server) Metrics() *control.Metrics { return s.metrics }

// Debug exposes the server's probe registry, for the same reason.
func (s *Server) Debug() *control.Debug { return s.debug }

// ListenAddr returns the actual bound address of the listening socket,
// resolving an ephemeral ":0" port to what the kernel assigned.
func (s *Server) ListenAddr() string {
	sa, err := unix.Getsockname(s.listenFD)
	if err != nil {
		return s.cfg.Address
	}
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return s.cfg.Address
	}
}

// RegisterTaskOwner implements conn.TaskOwners.
func (s *Server) RegisterTaskOwner(token, connID uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskOwners[token] = connID
}

// Run drives the reactor loop until ctx is cancelled, accepting
// connections and dispatching every epoll-surfaced readiness event to
// its owning tenant by token range.
func (s *Server) Run(ctx context.Context) error {
	defer func() {
		if err := s.Shutdown(); err != nil {
			s.log.WithError(err).Warn("errors during shutdown")
		}
	}()

	if s.cfg.PinReactorThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := affinity.SetAffinity(s.cfg.CPUID); err != nil {
			s.log.WithError(err).Warn("failed to pin reactor thread, continuing unpinned")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		results, err := s.epoll.Wait(defaultPollTimeoutMs)
		if err != nil {
			return err
		}
		for _, r := range results {
			s.handleEvent(r.token, r.readable, r.writable)
		}
		s.checkTimeouts()
	}
}

// handleEvent classifies a ready token by range, highest range first
// since httpClientBase and executorBase both sit above the connection
// range's companion-waker odd tokens.
func (s *Server) handleEvent(token uint64, readable, writable bool) {
	switch {
	case token == listenerToken:
		s.accept()
		_ = s.epoll.Rearm(s.listenFD)
	case token >= httpClientBase:
		s.client.HandleEvent(token, readable, writable)
	case token >= executorBase:
		s.handleTaskReady(token)
	case token >= connectionBase:
		s.handleConnEvent(token, readable, writable)
	default:
		s.log.WithField("token", token).Warn("event for unrecognized token")
	}
}

// handleTaskReady drains a completed executor task and posts its
// result to the owning Connection's deferral inbox -- per spec.md's
// cyclic-reachability fix, the reactor never calls into Connection
// state directly from here; it only schedules a closure the
// Connection's own companion waker will later deliver through
// HandleDeferralWake.
func (s *Server) handleTaskReady(token uint64) {
	value, terr, ok := s.exec.Ready(token)
	if !ok {
		return
	}
	s.mu.Lock()
	connID, owned := s.taskOwners[token]
	if owned {
		delete(s.taskOwners, token)
	}
	c := s.connections[connID]
	s.mu.Unlock()
	if !owned || c == nil {
		return
	}
	if err := c.DeferTaskResult(token, value, terr); err != nil {
		s.log.WithField("token", token).WithError(err).Warn("failed to defer task result")
	}
}

func (s *Server) handleConnEvent(token uint64, readable, writable bool) {
	connID := token
	isWaker := token%2 == 1
	if isWaker {
		connID = token - 1
	}

	s.mu.Lock()
	c := s.connections[connID]
	s.mu.Unlock()
	if c == nil {
		return
	}

	if isWaker {
		c.HandleDeferralWake()
		_ = s.epoll.Rearm(c.DeferWakerFD())
	} else {
		if readable {
			c.HandleReadable()
		}
		if writable {
			c.HandleWritable()
		}
		_ = s.epoll.Rearm(c.FD())
	}
	s.reapIfClosed(c)
}

// accept drains every pending connection off the listener, stopping once
// EAGAIN is hit. The listener is registered level-triggered one-shot and
// handleEvent rearms it after each drain.
func (s *Server) accept() {
	for {
		fd, _, err := unix.Accept4(s.listenFD, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				return
			}
			s.log.WithError(err).Warn("accept failed")
			return
		}

		s.mu.Lock()
		id := s.nextConnID
		s.nextConnID += 2
		s.mu.Unlock()

		deps := conn.Deps{
			Router:           s.cfg.Router,
			Client:           s.client,
			Exec:             s.exec,
			Registrar:        s.epoll,
			Owners:           s,
			MaxBytesReceived: s.cfg.MaxBytesReceived,
			RequestTimeout:   s.cfg.RequestTimeout,
			ExecTimeout:      s.cfg.ExecTimeout,
			MaxDefersQueue:   s.cfg.MaxDefersQueue,
			MaxFuturesQueue:  s.cfg.MaxFuturesQueue,
			Log:              s.log,
			BufferPool:       s.cfg.BufferPool,
			NUMANode:         s.cfg.NUMANode,
		}

		c, err := conn.New(id, fd, s.cfg.TLSConfig, deps)
		if err != nil {
			s.log.WithError(err).Warn("connection setup failed")
			unix.Close(fd)
			continue
		}

		if err := s.epoll.RegisterRead(fd, id); err != nil {
			s.log.WithError(err).Warn("failed to register connection fd")
			unix.Close(fd)
			continue
		}
		if err := s.epoll.RegisterRead(c.DeferWakerFD(), id+1); err != nil {
			s.log.WithError(err).Warn("failed to register deferral waker")
			s.epoll.Deregister(fd)
			unix.Close(fd)
			continue
		}

		s.mu.Lock()
		s.connections[id] = c
		s.mu.Unlock()
	}
}

func (s *Server) reapIfClosed(c *conn.Connection) {
	if c.State() != conn.StateClosed {
		return
	}
	s.mu.Lock()
	delete(s.connections, c.ID())
	s.mu.Unlock()
}

// checkTimeouts sweeps every live connection and both shared reactors,
// rate-limited so a busy loop doesn't re-walk the connection map on
// every single epoll_wait return.
func (s *Server) checkTimeouts() {
	now := time.Now()
	if now.Sub(s.lastTimeoutCheck) < timeoutCheckInterval {
		return
	}
	s.lastTimeoutCheck = now

	s.mu.Lock()
	conns := make([]*conn.Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.CheckTimeout(now)
		s.reapIfClosed(c)
	}
	s.exec.CheckTimeouts(now)
	s.client.CheckTimeouts(now)
	s.refreshMetrics()
}

// Shutdown implements api.GracefulShutdown: it deregisters and drains
// every live connection's descriptors, closes the listener, and tears
// down the shared epoll instance, aggregating every failure along the
// way instead of reporting only the first.
func (s *Server) Shutdown() error {
	var result *multierror.Error

	s.mu.Lock()
	conns := make([]*conn.Connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := s.epoll.Deregister(c.FD()); err != nil {
			result = multierror.Append(result, err)
		}
		if err := s.epoll.Deregister(c.DeferWakerFD()); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := s.epoll.Deregister(s.listenFD); err != nil {
		result = multierror.Append(result, err)
	}
	if err := unix.Close(s.listenFD); err != nil {
		result = multierror.Append(result, err)
	}
	if err := s.epoll.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
