// File: internal/router/router_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package router_test

import (
	"context"
	"testing"

	"github.com/momentics/enclavehttp/internal/router"
)

func handlerOK(_ context.Context, _ any) (any, error) { return "ok", nil }

func TestMatchNoCaptures(t *testing.T) {
	r := router.New()
	r.GET("/widgets", handlerOK)

	h, captures, ok := r.Match("GET", "/widgets")
	if !ok || h == nil {
		t.Fatal("expected route to match")
	}
	if len(captures) != 0 {
		t.Fatalf("expected empty capture map, got %v", captures)
	}
}

func TestMatchWithCapture(t *testing.T) {
	r := router.New()
	r.GET("/widgets/:id", handlerOK)

	_, captures, ok := r.Match("GET", "/widgets/42")
	if !ok {
		t.Fatal("expected route to match")
	}
	if captures["id"] != "42" {
		t.Fatalf("expected id=42, got %v", captures)
	}
}

func TestMatchRejectsWrongSegmentCount(t *testing.T) {
	r := router.New()
	r.GET("/widgets/:id", handlerOK)

	if _, _, ok := r.Match("GET", "/widgets/42/extra"); ok {
		t.Fatal("expected no match for differing segment count")
	}
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	r := router.New()
	r.GET("/widgets/:id", handlerOK)
	r.GET("/widgets/:other", handlerOK)
}

func TestGroupPrefixAndMiddlewareInheritance(t *testing.T) {
	var order []string
	mw := func(tag string) router.Middleware {
		return func(next router.Handler) router.Handler {
			return func(ctx context.Context, rc any) (any, error) {
				order = append(order, tag)
				return next(ctx, rc)
			}
		}
	}

	r := router.New()
	r.Use(mw("outer"))
	g := r.Group("/api").Use(mw("inner"))
	g.GET("/widgets", handlerOK)

	h, _, ok := r.Match("GET", "/api/widgets")
	if !ok {
		t.Fatal("expected grouped route to match")
	}
	if _, err := h(context.Background(), nil); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("expected middleware order [outer inner], got %v", order)
	}
}

func TestRecoveryConvertsPanic(t *testing.T) {
	boom := func(_ context.Context, _ any) (any, error) { panic("kaboom") }
	wrapped := router.Recovery()(boom)

	_, err := wrapped(context.Background(), nil)
	if err == nil {
		t.Fatal("expected recovered error")
	}
}
