// Package transport implements the broadcast feeds and the client-side
// connection pool.
//
// A feed is a one-way fan-out channel: the primary publishes heartbeat and
// snapshot frames, every connected subscriber receives a copy. Delivery is
// fire-and-forget — there is no acknowledgement, a subscriber whose write
// fails is dropped, and a missed broadcast is superseded by the next one.
package transport

import (
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"room-dispatch/protocol"
)

// Publisher is the sending side of a broadcast feed. It accepts subscriber
// connections and fans every published frame out to all of them.
type Publisher struct {
	listener net.Listener
	logger   *log.Logger
	closed   atomic.Bool
	seq      atomic.Uint32

	mu   sync.Mutex
	subs map[net.Conn]struct{}
}

// NewPublisher binds the feed address and starts accepting subscribers.
func NewPublisher(addr string, logger *log.Logger) (*Publisher, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[feed] ", log.LstdFlags)
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	p := &Publisher{
		listener: listener,
		logger:   logger,
		subs:     make(map[net.Conn]struct{}),
	}
	go p.acceptLoop()
	return p, nil
}

// Addr returns the bound feed address (useful with ":0" listeners).
func (p *Publisher) Addr() string {
	return p.listener.Addr().String()
}

func (p *Publisher) acceptLoop() {
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			// Close() shuts the listener down; anything else is fatal
			// for the feed either way.
			return
		}
		p.mu.Lock()
		p.subs[conn] = struct{}{}
		n := len(p.subs)
		p.mu.Unlock()
		p.logger.Printf("subscriber connected from %s (%d total)", conn.RemoteAddr(), n)
	}
}

// Publish fans one frame out to every subscriber. A subscriber whose write
// fails is closed and forgotten; it can redial and resubscribe.
func (p *Publisher) Publish(msgType protocol.MsgType, body []byte) {
	header := &protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   msgType,
		Seq:       p.seq.Add(1),
		BodyLen:   uint32(len(body)),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.subs {
		conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if err := protocol.Encode(conn, header, body); err != nil {
			p.logger.Printf("dropping subscriber %s: %v", conn.RemoteAddr(), err)
			conn.Close()
			delete(p.subs, conn)
		}
	}
}

// SubscriberCount reports how many subscribers are currently connected.
func (p *Publisher) SubscriberCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}

// Close shuts the feed down and disconnects all subscribers.
func (p *Publisher) Close() error {
	p.closed.Store(true)
	err := p.listener.Close()
	p.mu.Lock()
	for conn := range p.subs {
		conn.Close()
	}
	p.subs = make(map[net.Conn]struct{})
	p.mu.Unlock()
	return err
}

// Frame is one decoded feed message delivered to a subscriber.
type Frame struct {
	Type protocol.MsgType
	Body []byte
}

// Subscriber is the receiving side of a broadcast feed. It dials the
// publisher, redials with backoff when the connection drops, and delivers
// decoded frames on a channel. Frames that arrive while the consumer is
// behind are dropped — the feed carries superseding values, not a log.
type Subscriber struct {
	addr   string
	logger *log.Logger
	frames chan Frame
	done   chan struct{}
	once   sync.Once

	mu   sync.Mutex
	conn net.Conn // Current connection, closed by Close to unblock Decode
}

const redialDelay = 500 * time.Millisecond

// NewSubscriber starts a subscriber for the feed at addr.
func NewSubscriber(addr string, logger *log.Logger) *Subscriber {
	if logger == nil {
		logger = log.New(os.Stdout, "[feed-sub] ", log.LstdFlags)
	}
	s := &Subscriber{
		addr:   addr,
		logger: logger,
		frames: make(chan Frame, 16),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Frames returns the channel of decoded feed messages.
func (s *Subscriber) Frames() <-chan Frame {
	return s.frames
}

func (s *Subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conn, err := net.Dial("tcp", s.addr)
		if err != nil {
			select {
			case <-s.done:
				return
			case <-time.After(redialDelay):
			}
			continue
		}

		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()

		s.readLoop(conn)
		conn.Close()
	}
}

// readLoop decodes frames until the connection breaks or Close is called.
func (s *Subscriber) readLoop(conn net.Conn) {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		header, body, err := protocol.Decode(conn)
		if err != nil {
			return // Redial from run()
		}

		select {
		case s.frames <- Frame{Type: header.MsgType, Body: body}:
		default:
			// Consumer is behind; this frame is superseded anyway
		}
	}
}

// Close stops the subscriber. The frames channel is not closed (the reader
// may still be draining); callers select on their own shutdown signal.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
		}
		s.mu.Unlock()
	})
}
