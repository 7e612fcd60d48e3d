package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"room-dispatch/message"
)

// RateLimitMiddleware rejects requests beyond a token-bucket rate. The
// semaphore in the worker bounds concurrency; this bounds throughput, which
// matters when one faculty floods the broker between terms.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.Errorf("rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
