package middleware

import (
	"context"
	"log"

	"room-dispatch/message"
)

// RecoveryMiddleware converts a panicking handler into an error response.
// Every admitted request must produce exactly one reply frame so the broker
// can return the worker to rotation; a panic escaping the handler would leak
// that reply and one unit of semaphore capacity.
func RecoveryMiddleware(logger *log.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) (resp *message.Response) {
			defer func() {
				if r := recover(); r != nil {
					logger.Printf("panic while handling request from %s - %s: %v", req.Requester, req.Program, r)
					resp = message.Errorf("internal error")
				}
			}()
			return next(ctx, req)
		}
	}
}
