package middleware

import (
	"context"
	"log"
	"time"

	"room-dispatch/message"
)

// LoggingMiddleware logs each processed request with its duration and outcome.
func LoggingMiddleware(logger *log.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			resp := next(ctx, req)
			duration := time.Since(start)
			switch resp.Kind {
			case message.KindSuccess:
				logger.Printf("request %s - %s: rooms=%d labs=%d done in %s",
					req.Requester, req.Program, req.RoomsRequested, req.LabsRequested, duration)
			case message.KindUnavailable:
				logger.Printf("request %s - %s: unavailable (%s) in %s",
					req.Requester, req.Program, resp.Message, duration)
			default:
				logger.Printf("request %s - %s: error (%s) in %s",
					req.Requester, req.Program, resp.Message, duration)
			}
			return resp
		}
	}
}
