// Package middleware wraps RPC calls and command handling with cross-cutting concerns.
package middleware

import (
	"context"
)

// Handler processes one RPC payload and returns the reply text.
type Handler func(ctx context.Context, payload string) (string, error)

type Middleware func(next Handler) Handler

// Chain wraps next so that mws[0] is the outermost middleware.
func Chain(mws ...Middleware) Middleware {
	return func(next Handler) Handler {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			h = mws[i](h)
		}

		return h
	}
}
