// Package worker implements the allocator worker: the process that actually
// owns a resource table and answers allocation requests dispatched by the
// broker.
//
// Request processing pipeline:
//
//	dial broker backend → READY (registration sentinel)
//	  → acquire permit → read frame (a frame is only pulled off the wire
//	    when a permit is available) → go handleRequest
//	      → decode envelope → middleware chain → allocation handler
//	      → write reply + READY (per-connection write lock)
//
// Every admitted request produces exactly one reply, on every exit path:
// validation failures, allocation rejections, persistence errors, and panics
// (absorbed by the recovery middleware) all come back as a response payload,
// never as silence.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"room-dispatch/codec"
	"room-dispatch/config"
	"room-dispatch/message"
	"room-dispatch/middleware"
	"room-dispatch/protocol"
	"room-dispatch/registry"
	"room-dispatch/resource"
	"room-dispatch/transport"
)

// Worker serves allocation requests from the broker against its table.
type Worker struct {
	cfg    *config.Config
	id     string // Short uuid, for registration and log lines
	table  *resource.Table
	logger *log.Logger

	middlewares []middleware.Middleware
	handler     middleware.HandlerFunc

	conn    net.Conn
	writeMu sync.Mutex // Serializes reply and READY frames on the broker conn

	// Counting semaphore: one slot per concurrently admitted request.
	permits chan struct{}

	wg       sync.WaitGroup // In-flight requests, for graceful shutdown
	shutdown atomic.Bool
	done     chan struct{}

	heartbeatFeed *transport.Publisher
	syncFeed      *transport.Publisher
	registry      registry.Registry
}

// New creates a worker over the given table. Call Use to add middleware, then
// Serve to register with the broker and start answering.
func New(cfg *config.Config, table *resource.Table, logger *log.Logger) *Worker {
	id := uuid.NewString()[:8]
	if logger == nil {
		logger = log.New(os.Stdout, "[worker "+id+"] ", log.LstdFlags)
	}
	return &Worker{
		cfg:     cfg,
		id:      id,
		table:   table,
		logger:  logger,
		permits: make(chan struct{}, cfg.MaxConcurrent),
		done:    make(chan struct{}),
	}
}

// ID returns the worker's uuid-derived identity.
func (w *Worker) ID() string { return w.id }

// Use registers a middleware. Middlewares are applied in the order they are
// added, wrapping the allocation handler.
func (w *Worker) Use(mw middleware.Middleware) {
	w.middlewares = append(w.middlewares, mw)
}

// Serve dials the broker backend, announces READY, and runs the read loop
// until Shutdown is called or the connection breaks. Blocks.
func (w *Worker) Serve(backendAddr string) error {
	conn, err := net.Dial("tcp", backendAddr)
	if err != nil {
		return fmt.Errorf("dial broker backend: %w", err)
	}
	w.conn = conn

	// Build the chain once, not per-request
	w.handler = middleware.Chain(w.middlewares...)(w.businessHandler)

	if err := w.sendReadyLocked(); err != nil {
		conn.Close()
		return fmt.Errorf("announce READY: %w", err)
	}
	w.logger.Printf("worker %s registered with broker at %s (capacity %d)",
		w.id, backendAddr, w.cfg.MaxConcurrent)

	for {
		// Admission control happens before the read: while all permits are
		// taken, further frames stay queued on the socket.
		select {
		case w.permits <- struct{}{}:
		case <-w.done:
			return nil
		}

		header, body, err := protocol.Decode(conn)
		if err != nil {
			<-w.permits
			if w.shutdown.Load() {
				return nil
			}
			return fmt.Errorf("broker connection lost: %w", err)
		}
		if header.MsgType != protocol.MsgTypeRequest {
			<-w.permits
			continue
		}

		w.wg.Add(1)
		go w.handleRequest(header, body)
	}
}

// handleRequest answers one dispatched request and re-signals READY.
func (w *Worker) handleRequest(header *protocol.Header, body []byte) {
	defer w.wg.Done()
	defer func() { <-w.permits }()

	cdc := codec.GetCodec(codec.CodecType(header.CodecType))
	var env message.Envelope
	if err := cdc.Decode(body, &env); err != nil {
		// No return address to answer; re-signal READY so the capacity
		// the broker charged for this dispatch is not lost.
		w.logger.Printf("undecodable dispatch envelope: %v", err)
		w.writeMu.Lock()
		w.sendReadyLocked()
		w.writeMu.Unlock()
		return
	}

	rid := uuid.NewString()[:8]
	started := time.Now()

	var resp *message.Response
	var req message.Request
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		w.logger.Printf("[%s] request from %s is not valid JSON: %v", rid, env.ClientAddr, err)
		resp = message.Errorf("malformed request: not valid JSON")
	} else {
		w.logger.Printf("[%s] request from %s: %s - %s (rooms=%d labs=%d)",
			rid, env.ClientAddr, req.Requester, req.Program, req.RoomsRequested, req.LabsRequested)
		resp = w.handler(context.Background(), &req)
	}

	payload, err := json.Marshal(resp)
	if err != nil {
		// Response shapes are all marshalable; treat failure as internal
		payload = message.BrokerError("internal error")
	}

	reply := &message.Envelope{ClientAddr: env.ClientAddr, Payload: payload}
	replyBody, err := cdc.Encode(reply)
	if err != nil {
		w.logger.Printf("[%s] encode reply envelope: %v", rid, err)
		return
	}

	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	replyHeader := &protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeReply,
		Seq:       header.Seq, // Preserved so the broker echoes the client's seq
		BodyLen:   uint32(len(replyBody)),
	}
	if err := protocol.Encode(w.conn, replyHeader, replyBody); err != nil {
		w.logger.Printf("[%s] write reply: %v", rid, err)
		return
	}
	// One READY per completed request, even after errors above the write
	w.sendReadyLocked()
	w.logger.Printf("[%s] answered in %s", rid, time.Since(started).Round(time.Millisecond))
}

// sendReadyLocked writes the READY sentinel. Callers hold writeMu except
// during the single-threaded startup in Serve.
func (w *Worker) sendReadyLocked() error {
	return protocol.Encode(w.conn, &protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   protocol.MsgTypeReady,
	}, nil)
}

// businessHandler is the innermost handler: validate, allocate, log occupancy.
func (w *Worker) businessHandler(ctx context.Context, req *message.Request) *message.Response {
	if err := req.Validate(); err != nil {
		return message.Errorf("invalid request: %v", err)
	}
	resp := w.table.Allocate(req)
	if resp.Kind == message.KindSuccess {
		s := w.table.Stats()
		w.logger.Printf("occupancy: fixed rooms %d/%d, labs %d/%d, mobile rooms in use %d",
			s.TotalFixedRooms-s.AvailableFixedRooms, s.TotalFixedRooms,
			s.TotalLabs-s.AvailableLabs, s.TotalLabs, s.MobileRoomsInUse)
	}
	return resp
}

// Reset restores every resource to available and clears assignment context.
// Operator entry point, used between terms.
func (w *Worker) Reset() error {
	return w.table.Reset()
}

// StartFeeds binds the heartbeat and sync feed listeners and begins
// broadcasting. Only the primary calls this; a promoted standby serves
// dispatches without publishing feeds. Pass a registry to make the feed
// addresses discoverable, or nil to skip.
func (w *Worker) StartFeeds(reg registry.Registry) error {
	hb, err := transport.NewPublisher(w.cfg.HeartbeatAddr, w.logger)
	if err != nil {
		return fmt.Errorf("bind heartbeat feed: %w", err)
	}
	sf, err := transport.NewPublisher(w.cfg.SyncAddr, w.logger)
	if err != nil {
		hb.Close()
		return fmt.Errorf("bind sync feed: %w", err)
	}
	w.heartbeatFeed = hb
	w.syncFeed = sf

	if reg != nil {
		w.registry = reg
		reg.Register(registry.ServiceHeartbeatFeed, registry.ServiceInstance{Addr: hb.Addr(), Name: w.id}, 10)
		reg.Register(registry.ServiceSyncFeed, registry.ServiceInstance{Addr: sf.Addr(), Name: w.id}, 10)
	}

	w.logger.Printf("heartbeat feed on %s (every %s), sync feed on %s (every %s)",
		hb.Addr(), w.cfg.HeartbeatPeriod, sf.Addr(), w.cfg.SyncPeriod)
	go w.publishLoop()
	return nil
}

// HeartbeatAddr returns the bound heartbeat feed address, or "" if feeds are
// not running.
func (w *Worker) HeartbeatAddr() string {
	if w.heartbeatFeed == nil {
		return ""
	}
	return w.heartbeatFeed.Addr()
}

// SyncAddr returns the bound sync feed address, or "" if feeds are not running.
func (w *Worker) SyncAddr() string {
	if w.syncFeed == nil {
		return ""
	}
	return w.syncFeed.Addr()
}

// publishLoop broadcasts beacons and full-table snapshots until shutdown.
// Both feeds are fire-and-forget: a standby that misses a frame catches the
// next one.
func (w *Worker) publishLoop() {
	hbTicker := time.NewTicker(w.cfg.HeartbeatPeriod)
	defer hbTicker.Stop()
	syncTicker := time.NewTicker(w.cfg.SyncPeriod)
	defer syncTicker.Stop()

	for {
		select {
		case <-w.done:
			return
		case at := <-hbTicker.C:
			w.heartbeatFeed.Publish(protocol.MsgTypeHeartbeat, message.FormatBeacon(at))
		case <-syncTicker.C:
			body, err := json.Marshal(w.table.SnapshotNow())
			if err != nil {
				w.logger.Printf("snapshot marshal failed: %v", err)
				continue
			}
			w.syncFeed.Publish(protocol.MsgTypeSnapshot, body)
		}
	}
}

// Shutdown stops the feeds, closes the broker connection, and waits for
// in-flight requests to finish.
func (w *Worker) Shutdown(timeout time.Duration) error {
	if w.shutdown.Swap(true) {
		return nil
	}
	close(w.done)

	if w.registry != nil {
		w.registry.Deregister(registry.ServiceHeartbeatFeed, w.heartbeatFeed.Addr())
		w.registry.Deregister(registry.ServiceSyncFeed, w.syncFeed.Addr())
	}
	if w.heartbeatFeed != nil {
		w.heartbeatFeed.Close()
	}
	if w.syncFeed != nil {
		w.syncFeed.Close()
	}
	if w.conn != nil {
		w.conn.Close()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for in-flight requests to finish")
	}
}
