// Package client implements the faculty-side API for requesting rooms and
// labs through the broker.
//
// Connections come from a borrow/return pool; each carries at most one
// in-flight request. Send and receive deadlines bound every round trip, and a
// deadline expiry or transport error marks the connection unusable so the
// pool discards it. Communication errors are retried with exponential
// backoff; domain results (unavailable, error responses) are returned as-is
// and never retried.
package client

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	"room-dispatch/config"
	"room-dispatch/message"
	"room-dispatch/protocol"
	"room-dispatch/registry"
	"room-dispatch/transport"
)

const (
	poolSize    = 4
	maxAttempts = 3
	backoffBase = 100 * time.Millisecond
)

// Client sends allocation requests to the broker frontend.
type Client struct {
	cfg    *config.Config
	logger *log.Logger
	addr   string
	pool   *transport.ConnPool
	roster *Roster // nil disables roster validation
	seq    atomic.Uint32
}

// New creates a client for the broker frontend. The address comes from the
// registry when one is provided and has an entry, otherwise from the config.
// A missing roster file disables roster validation with a log line.
func New(cfg *config.Config, reg registry.Registry, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(os.Stdout, "[faculty] ", log.LstdFlags)
	}

	addr := cfg.FrontendAddr
	if reg != nil {
		if instances, err := reg.Discover(registry.ServiceBrokerFrontend); err == nil && len(instances) > 0 {
			addr = instances[0].Addr
		}
	}

	var roster *Roster
	if cfg.RosterPath != "" {
		r, err := LoadRoster(cfg.RosterPath)
		if err != nil {
			logger.Printf("no faculty roster at %s, validation disabled: %v", cfg.RosterPath, err)
		} else {
			roster = r
		}
	}

	return &Client{
		cfg:    cfg,
		logger: logger,
		addr:   addr,
		pool: transport.NewConnPool(addr, poolSize, func() (net.Conn, error) {
			return net.Dial("tcp", addr)
		}),
		roster: roster,
	}
}

// Request sends one allocation request and returns the decoded response.
// Invalid requests and roster violations are rejected locally, before any
// network traffic.
func (c *Client) Request(req *message.Request) (*message.Response, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if c.roster != nil {
		if !c.roster.KnownFaculty(req.Requester) {
			return nil, fmt.Errorf("unknown faculty %q", req.Requester)
		}
		if !c.roster.Allows(req.Requester, req.Program) {
			return nil, fmt.Errorf("program %q is not offered by faculty %q", req.Program, req.Requester)
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	delay := backoffBase
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			c.logger.Printf("retrying after communication error: %v", lastErr)
			time.Sleep(delay)
			delay *= 2
		}
		resp, err := c.roundTrip(payload)
		if err == nil {
			return resp, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", maxAttempts, lastErr)
}

// roundTrip performs one send/receive on a pooled connection. Any failure is
// a communication error: the connection is marked unusable and the caller may
// retry on a fresh one.
func (c *Client) roundTrip(payload []byte) (*message.Response, error) {
	conn, err := c.pool.Get()
	if err != nil {
		return nil, err
	}
	defer c.pool.Put(conn)

	seq := c.seq.Add(1)
	conn.SetWriteDeadline(time.Now().Add(c.cfg.SendTimeout))
	err = protocol.Encode(conn, &protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(payload)),
	}, payload)
	if err != nil {
		conn.MarkUnusable()
		return nil, fmt.Errorf("send: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(c.cfg.RecvTimeout))
	header, body, err := protocol.Decode(conn)
	if err != nil {
		conn.MarkUnusable()
		return nil, fmt.Errorf("receive: %w", err)
	}
	if header.MsgType != protocol.MsgTypeReply || header.Seq != seq {
		// A stray frame means a reply from an earlier, abandoned request is
		// still on the wire; the connection cannot be trusted anymore
		conn.MarkUnusable()
		return nil, fmt.Errorf("mismatched reply: type %d seq %d (want seq %d)", header.MsgType, header.Seq, seq)
	}

	var resp message.Response
	if err := json.Unmarshal(body, &resp); err != nil {
		// The broker substitutes an error payload for anything unparseable,
		// so this only happens when the frame itself was corrupted
		conn.MarkUnusable()
		return nil, fmt.Errorf("undecodable reply: %w", err)
	}
	return &resp, nil
}

// Close shuts down the connection pool.
func (c *Client) Close() error {
	return c.pool.Close()
}
