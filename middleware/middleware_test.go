package middleware

import (
	"context"
	"io"
	"log"
	"testing"

	"room-dispatch/message"
)

var testLogger = log.New(io.Discard, "", 0)

// A trivial handler: always succeeds with one room.
func okHandler(ctx context.Context, req *message.Request) *message.Response {
	return message.Success(req, []string{"R01"}, nil, "")
}

func panicHandler(ctx context.Context, req *message.Request) *message.Response {
	panic("table corrupted")
}

func testRequest() *message.Request {
	return &message.Request{Requester: "Engineering", Program: "Systems", RoomsRequested: 1}
}

func TestLogging(t *testing.T) {
	handler := LoggingMiddleware(testLogger)(okHandler)

	resp := handler(context.Background(), testRequest())
	if resp == nil {
		t.Fatal("expect non-nil response")
	}
	if resp.Kind != message.KindSuccess {
		t.Fatalf("expect success, got kind %v", resp.Kind)
	}
}

func TestRateLimit(t *testing.T) {
	// rate=1/s, burst=2 → first 2 pass immediately, the 3rd is rejected
	handler := RateLimitMiddleware(1, 2)(okHandler)
	req := testRequest()

	for i := 0; i < 2; i++ {
		resp := handler(context.Background(), req)
		if resp.Kind != message.KindSuccess {
			t.Fatalf("request %d should pass, got: %s", i, resp.Message)
		}
	}

	resp := handler(context.Background(), req)
	if resp.Kind != message.KindError || resp.Message != "rate limit exceeded" {
		t.Fatalf("request 3 should be rate limited, got kind %v (%s)", resp.Kind, resp.Message)
	}
}

func TestRecovery(t *testing.T) {
	handler := RecoveryMiddleware(testLogger)(panicHandler)

	resp := handler(context.Background(), testRequest())
	if resp == nil {
		t.Fatal("panic must still produce a response")
	}
	if resp.Kind != message.KindError {
		t.Fatalf("expect error response after panic, got kind %v", resp.Kind)
	}
}

func TestChainOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.Request) *message.Response {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}

	handler := Chain(tag("outer"), tag("inner"))(okHandler)
	resp := handler(context.Background(), testRequest())
	if resp.Kind != message.KindSuccess {
		t.Fatalf("expect success through the chain, got %v", resp.Kind)
	}
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("chain ran in wrong order: %v", order)
	}
}
