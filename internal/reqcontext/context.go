// File: internal/reqcontext/context.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-request Context: owns the decoded Request, a reference-counted
// handle to the outbound HTTP client reactor, an optional websocket
// state binding, and a typed attribute map keyed by static strings.
// Grounded on spec.md §4.11 and on the teacher's attribute-map idiom in
// control/debug.go (string-keyed, mutex-guarded side table).

package reqcontext

import (
	"sync"
	"time"

	"github.com/momentics/enclavehttp/internal/httpclient"
	"github.com/momentics/enclavehttp/internal/httpcodec"
)

// WebSocketBinder is the subset of internal/wsstate.State the Context
// needs; kept as an interface here, with an untyped ctx parameter, to
// avoid an import cycle (wsstate's subscription dispatch is generic
// over the handler context type it was given at Subscribe time).
type WebSocketBinder interface {
	Subscribe(handler func(ctx any, message []byte) error)
	Send(message []byte) error
}

// Context is the per-request handle passed to route handlers.
type Context struct {
	req       *httpcodec.Request
	client    *httpclient.Reactor
	ws        WebSocketBinder
	mu        sync.RWMutex
	attrs     map[string]any
}

// New builds a Context around an owned request, the shared HTTP client
// reactor, and an optional websocket binding (nil for non-upgrade
// requests).
func New(req *httpcodec.Request, client *httpclient.Reactor, ws WebSocketBinder) *Context {
	return &Context{req: req, client: client, ws: ws, attrs: make(map[string]any)}
}

// Request returns the owned, parsed request.
func (c *Context) Request() *httpcodec.Request { return c.req }

// IsWebSocket reports true iff the request is a websocket upgrade AND a
// websocket state is bound, per spec.md §4.11.
func (c *Context) IsWebSocket() bool {
	return c.req != nil && c.req.IsWebSocket && c.ws != nil
}

// Subscribe registers a websocket message handler; it is an error to
// call this on a non-websocket Context.
func (c *Context) Subscribe(handler func(ctx *Context, message []byte) error) error {
	if !c.IsWebSocket() {
		return errNotWebSocket
	}
	c.ws.Subscribe(func(ctx any, message []byte) error {
		rc, _ := ctx.(*Context)
		return handler(rc, message)
	})
	return nil
}

// Send writes (or buffers, pre-activation) a websocket message.
func (c *Context) Send(message []byte) error {
	if !c.IsWebSocket() {
		return errNotWebSocket
	}
	return c.ws.Send(message)
}

// CallBuilder accumulates an outbound request before it is dispatched
// through the bound HTTP client reactor.
type CallBuilder struct {
	client  *httpclient.Reactor
	req     httpclient.Request
}

// Header adds a request header and returns the builder for chaining.
func (b *CallBuilder) Header(name, value string) *CallBuilder {
	b.req.Headers = append(b.req.Headers, httpcodec.Header{Name: name, Value: value})
	return b
}

// Body sets the outbound request body.
func (b *CallBuilder) Body(body []byte) *CallBuilder {
	b.req.Body = body
	return b
}

// Timeout sets the per-call timeout, after which the call resolves with
// HttpClientTimedOut.
func (b *CallBuilder) Timeout(d time.Duration) *CallBuilder {
	b.req.Timeout = d
	return b
}

// Send schedules the call on the bound HTTP client reactor.
func (b *CallBuilder) Send() *httpclient.Future[*httpclient.Result] {
	return b.client.Call(b.req)
}

func (c *Context) newBuilder(method, scheme, url string) *CallBuilder {
	return &CallBuilder{client: c.client, req: httpclient.Request{Method: method, URL: scheme + "://" + url}}
}

// Http starts an outbound plaintext HTTP call builder.
func (c *Context) Http(method, hostAndPath string) *CallBuilder {
	return c.newBuilder(method, "http", hostAndPath)
}

// Https starts an outbound call builder for an https:// URL. The HTTP
// client reactor dials it on port 443 by default but sends the request
// in plaintext: no TLS is layered onto the outbound socket.
func (c *Context) Https(method, hostAndPath string) *CallBuilder {
	return c.newBuilder(method, "https", hostAndPath)
}

// Insert stores an attribute under key, overwriting any prior value.
func (c *Context) Insert(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attrs[key] = value
}

// Get retrieves the attribute under key, reporting whether it was set.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.attrs[key]
	return v, ok
}

// Delete removes the attribute under key, if present.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attrs, key)
}
