// File: internal/router/router.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Path-template router: an outer handle guarding a shared inner table,
// registration under an exclusive lock, duplicate rejection at startup,
// and middleware composed first-to-last around the final handler.
// Grounded on the teacher's outer-handle/inner-table split in
// control/hotreload.go (RegisterReloadHook/TriggerHotReload) and on
// spec.md §4.5's tagged Path{}/Capture{} segment matcher.

package router

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Handler processes a matched request and returns a response value; its
// concrete request/response types live in internal/reqcontext to avoid
// an import cycle between router and the context package it dispatches
// into.
type Handler func(ctx context.Context, rc any) (any, error)

// Middleware wraps a Handler; next invokes the remainder of the chain.
type Middleware func(next Handler) Handler

// segment is a tagged path-template token: either a literal Path value
// or a named Capture, mirroring spec.md's Path{value}/Capture{name}
// variants without polymorphic dispatch.
type segment struct {
	literal string
	capture string // non-empty iff this segment is a capture
}

func (s segment) isCapture() bool { return s.capture != "" }

func parseSegments(path string) []segment {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	segs := make([]segment, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, ":") {
			segs = append(segs, segment{capture: p[1:]})
		} else {
			segs = append(segs, segment{literal: p})
		}
	}
	return segs
}

// canonicalKey builds the registration key used for duplicate detection:
// method plus segments, with every capture replaced by a sentinel so two
// routes differing only in capture name collide as duplicates.
func canonicalKey(method string, segs []segment) string {
	var b strings.Builder
	b.WriteString(method)
	for _, s := range segs {
		b.WriteByte('/')
		if s.isCapture() {
			b.WriteString(":*")
		} else {
			b.WriteString(s.literal)
		}
	}
	return b.String()
}

type route struct {
	method   string
	segments []segment
	handler  Handler
}

type table struct {
	mu     sync.RWMutex
	routes []route
	keys   map[string]struct{}
}

// Router is the outer handle; it may be cheaply copied (it only holds a
// pointer to the shared inner table and its own middleware prefix).
type Router struct {
	inner      *table
	prefix     string
	middleware []Middleware
}

// New creates a Router with an empty inner table.
func New() *Router {
	return &Router{inner: &table{keys: make(map[string]struct{})}}
}

// Use appends middleware to this (sub-)router's scope. Middleware added
// here applies to every route registered through this handle from this
// point on, and to Groups created from it afterwards; Groups created
// earlier keep the chain they copied.
func (r *Router) Use(mw ...Middleware) *Router {
	r.middleware = append(append([]Middleware{}, r.middleware...), mw...)
	return r
}

// Group returns a child Router sharing the inner table, with prefix
// joined onto the parent's and the parent's middleware chain inherited.
func (r *Router) Group(prefix string) *Router {
	return &Router{
		inner:      r.inner,
		prefix:     joinPath(r.prefix, prefix),
		middleware: append([]Middleware{}, r.middleware...),
	}
}

func joinPath(a, b string) string {
	a = strings.TrimRight(a, "/")
	b = strings.TrimLeft(b, "/")
	if a == "" {
		return "/" + b
	}
	if b == "" {
		return a
	}
	return a + "/" + b
}

// Handle registers handler for method and path under this router's
// prefix, materializing the middleware chain at registration time.
// Duplicate registration (same method and canonical path shape) panics,
// matching spec.md's "duplicate registration aborts initialization".
func (r *Router) Handle(method, path string, handler Handler) {
	full := joinPath(r.prefix, path)
	segs := parseSegments(full)
	key := canonicalKey(method, segs)

	chained := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		chained = r.middleware[i](chained)
	}

	r.inner.mu.Lock()
	defer r.inner.mu.Unlock()
	if _, dup := r.inner.keys[key]; dup {
		panic(fmt.Sprintf("router: duplicate route %s %s", method, full))
	}
	r.inner.keys[key] = struct{}{}
	r.inner.routes = append(r.inner.routes, route{method: method, segments: segs, handler: chained})
}

func (r *Router) GET(path string, h Handler)    { r.Handle("GET", path, h) }
func (r *Router) POST(path string, h Handler)   { r.Handle("POST", path, h) }
func (r *Router) PUT(path string, h Handler)    { r.Handle("PUT", path, h) }
func (r *Router) DELETE(path string, h Handler) { r.Handle("DELETE", path, h) }
func (r *Router) PATCH(path string, h Handler)  { r.Handle("PATCH", path, h) }

// Match implements spec.md §4.5's matching algorithm: split path into
// segments, scan routes with matching method and segment count,
// token-by-token compare, return on first full match.
func (r *Router) Match(method, path string) (Handler, map[string]string, bool) {
	segs := parseSegments(path)

	r.inner.mu.RLock()
	defer r.inner.mu.RUnlock()

	for _, rt := range r.inner.routes {
		if rt.method != method || len(rt.segments) != len(segs) {
			continue
		}
		captures := make(map[string]string)
		matched := true
		for i, want := range rt.segments {
			got := segs[i]
			if want.isCapture() {
				captures[want.capture] = got.literal
				continue
			}
			if want.literal != got.literal {
				matched = false
				break
			}
		}
		if matched {
			return rt.handler, captures, true
		}
	}
	return nil, nil, false
}
