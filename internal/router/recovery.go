// File: internal/router/recovery.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Recovery middleware per spec.md §4.6: wraps the inner chain in a
// recover() boundary and converts a panic into a ServerFault carrying
// the panic payload. Normal errors pass through unchanged.

package router

import (
	"context"
	"fmt"

	"github.com/momentics/enclavehttp/api"
)

// Recovery returns a Middleware that converts panics in the wrapped
// chain into *api.KindError{Kind: KindServerFault}.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, rc any) (resp any, err error) {
			defer func() {
				if p := recover(); p != nil {
					err = api.NewKindError(api.KindServerFault, fmt.Sprintf("panic: %v", p))
					resp = nil
				}
			}()
			return next(ctx, rc)
		}
	}
}
