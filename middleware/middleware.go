// Package middleware provides explicit wrapper functions composed around the
// worker's request-handling entry point. Instrumentation lives here instead
// of inside the allocator so the business rule stays a plain function.
package middleware

import (
	"context"
	"room-dispatch/message"
)

// HandlerFunc processes one allocation request. It always returns a response;
// the worker's one-reply-per-request invariant depends on that.
type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

// Middleware wraps a handler with additional behavior.
type Middleware func(next HandlerFunc) HandlerFunc

// Chain combines multiple middlewares into one.
// Chain(A, B, C)(handler) → A(B(C(handler))):
// A runs outermost, the handler innermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
