// Package broker implements the load-balancing message router between
// faculty clients and the allocator worker pool.
//
// The broker is two-sided: a frontend listener faces clients, a backend
// listener faces workers. Per-connection reader goroutines decode frames and
// feed them to a single event-loop goroutine; because that loop is the only
// goroutine touching routing state, no locking is needed, and message
// ordering is simply the order events become ready.
//
// Dispatch pipeline:
//
//	client Request → event loop → pop idle worker (FIFO) → record
//	PendingDispatch → forward Envelope{clientAddr, payload} to worker
//	worker Reply → match PendingDispatch → requeue worker → relay payload
//	to the original client address
//
// The broker never inspects request semantics and never health-checks a
// worker: a dispatched-but-unanswered request permanently removes one unit
// of capacity, and a wedged worker stays registered until its process exits.
package broker

import (
	"encoding/json"
	"log"
	"net"
	"os"
	"sync/atomic"
	"time"

	"room-dispatch/codec"
	"room-dispatch/config"
	"room-dispatch/loadbalance"
	"room-dispatch/message"
	"room-dispatch/protocol"
)

type eventKind int

const (
	eventFrame eventKind = iota
	eventClose
)

// event is one unit of work for the event loop: a decoded frame or a
// connection close, tagged with the sender's transport-assigned address.
type event struct {
	kind   eventKind
	addr   string
	conn   net.Conn
	header *protocol.Header
	body   []byte
}

// pendingDispatch maps an in-flight request to the worker serving it and the
// sequence number the client expects echoed on the reply.
type pendingDispatch struct {
	workerAddr string
	seq        uint32
}

// Broker routes requests from clients to idle workers and relays replies.
type Broker struct {
	cfg      *config.Config
	logger   *log.Logger
	frontend net.Listener
	backend  net.Listener

	clientEvents chan event
	workerEvents chan event

	// Event-loop state. Only the run goroutine touches these.
	rotation *loadbalance.Rotation
	clients  map[string]net.Conn        // client addr → conn, for reply relay
	workers  map[string]net.Conn        // worker addr → conn, for dispatch
	pending  map[string]pendingDispatch // client addr → in-flight dispatch

	shutdown atomic.Bool
	done     chan struct{}
}

// New creates a broker bound to the configured frontend and backend
// addresses. Call Run to start the event loop.
func New(cfg *config.Config, logger *log.Logger) (*Broker, error) {
	if logger == nil {
		logger = log.New(os.Stdout, "[broker] ", log.LstdFlags)
	}

	frontend, err := net.Listen("tcp", cfg.FrontendAddr)
	if err != nil {
		return nil, err
	}
	backend, err := net.Listen("tcp", cfg.BackendAddr)
	if err != nil {
		frontend.Close()
		return nil, err
	}

	b := &Broker{
		cfg:          cfg,
		logger:       logger,
		frontend:     frontend,
		backend:      backend,
		clientEvents: make(chan event),
		workerEvents: make(chan event),
		rotation:     loadbalance.NewRotation(),
		clients:      make(map[string]net.Conn),
		workers:      make(map[string]net.Conn),
		pending:      make(map[string]pendingDispatch),
		done:         make(chan struct{}),
	}

	go b.acceptLoop(frontend, b.clientEvents)
	go b.acceptLoop(backend, b.workerEvents)
	return b, nil
}

// FrontendAddr returns the bound client-facing address.
func (b *Broker) FrontendAddr() string { return b.frontend.Addr().String() }

// BackendAddr returns the bound worker-facing address.
func (b *Broker) BackendAddr() string { return b.backend.Addr().String() }

// acceptLoop accepts connections on one side and starts a reader per conn.
func (b *Broker) acceptLoop(listener net.Listener, events chan event) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Close() shuts the listener down; suppress the error then
			if !b.shutdown.Load() {
				b.logger.Printf("accept error: %v", err)
			}
			return
		}
		go b.readLoop(conn, events)
	}
}

// readLoop decodes frames from one connection and forwards them to the event
// loop. The send into the events channel is unbuffered, so a side with no
// capacity (e.g., no idle worker) leaves further frames unconsumed on the
// socket — backpressure is implicit.
func (b *Broker) readLoop(conn net.Conn, events chan event) {
	addr := conn.RemoteAddr().String()
	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			select {
			case events <- event{kind: eventClose, addr: addr, conn: conn}:
			case <-b.done:
			}
			return
		}
		select {
		case events <- event{kind: eventFrame, addr: addr, conn: conn, header: header, body: body}:
		case <-b.done:
			return
		}
	}
}

// Run executes the event loop until Close is called. The maintenance ticker
// bounds every wait, so the loop always observes shutdown promptly and
// periodically dedups the idle queue to self-heal duplicate READY entries.
func (b *Broker) Run() {
	ticker := time.NewTicker(b.cfg.MaintenanceTick)
	defer ticker.Stop()

	b.logger.Printf("frontend listening on %s", b.FrontendAddr())
	b.logger.Printf("backend listening on %s", b.BackendAddr())

	for {
		// Client messages are only drained while a worker is idle
		clientCh := b.clientEvents
		if b.rotation.IdleLen() == 0 {
			clientCh = nil
		}

		select {
		case ev := <-b.workerEvents:
			b.handleWorkerEvent(ev)
		case ev := <-clientCh:
			b.handleClientEvent(ev)
		case <-ticker.C:
			if removed := b.rotation.Dedup(); removed > 0 {
				b.logger.Printf("maintenance: removed %d duplicate idle entries", removed)
			}
		case <-b.done:
			return
		}
	}
}

// handleWorkerEvent processes READY registrations, reply relays, and worker
// disconnects.
func (b *Broker) handleWorkerEvent(ev event) {
	if ev.kind == eventClose {
		// Process exit is the only removal path for a worker handle
		if b.rotation.IsRegistered(ev.addr) {
			b.logger.Printf("worker %s disconnected, removed from rotation", ev.addr)
		}
		b.rotation.Remove(ev.addr)
		delete(b.workers, ev.addr)
		ev.conn.Close()
		return
	}

	switch ev.header.MsgType {
	case protocol.MsgTypeReady:
		// Idempotent: a duplicate READY never creates a second queue entry
		fresh := !b.rotation.IsRegistered(ev.addr)
		b.workers[ev.addr] = ev.conn
		b.rotation.MarkIdle(ev.addr)
		if fresh {
			b.logger.Printf("worker registered: %s (%d total)", ev.addr, b.rotation.RegisteredLen())
		}

	case protocol.MsgTypeReply:
		b.relayReply(ev)

	default:
		b.logger.Printf("unexpected frame type %d from worker %s", ev.header.MsgType, ev.addr)
	}
}

// relayReply matches a worker reply to its pending dispatch, returns the
// worker to the idle queue, and forwards the payload to the original client.
func (b *Broker) relayReply(ev event) {
	cdc := codec.GetCodec(codec.CodecType(ev.header.CodecType))
	var env message.Envelope
	if err := cdc.Decode(ev.body, &env); err != nil {
		// Without an envelope there is no client to notify; the worker
		// is requeued so its capacity is not lost to a codec bug.
		b.logger.Printf("undecodable reply from worker %s: %v", ev.addr, err)
		b.rotation.MarkIdle(ev.addr)
		return
	}

	disp, ok := b.pending[env.ClientAddr]
	delete(b.pending, env.ClientAddr)
	b.rotation.MarkIdle(ev.addr)

	payload := env.Payload
	// Never forward unparseable bytes to a client; substitute the
	// standardized error payload instead.
	if !json.Valid(payload) {
		b.logger.Printf("invalid reply payload from worker %s, substituting error", ev.addr)
		payload = message.BrokerError("invalid worker response")
	}

	clientConn, connected := b.clients[env.ClientAddr]
	if !connected {
		b.logger.Printf("client %s gone before reply could be relayed", env.ClientAddr)
		return
	}

	seq := ev.header.Seq
	if ok {
		seq = disp.seq
	}
	header := &protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   protocol.MsgTypeReply,
		Seq:       seq,
		BodyLen:   uint32(len(payload)),
	}
	clientConn.SetWriteDeadline(time.Now().Add(b.cfg.SendTimeout))
	if err := protocol.Encode(clientConn, header, payload); err != nil {
		b.logger.Printf("relay to client %s failed: %v", env.ClientAddr, err)
	}
}

// handleClientEvent dispatches one client request to the worker at the front
// of the idle queue.
func (b *Broker) handleClientEvent(ev event) {
	if ev.kind == eventClose {
		delete(b.clients, ev.addr)
		ev.conn.Close()
		return
	}

	if ev.header.MsgType != protocol.MsgTypeRequest {
		b.logger.Printf("unexpected frame type %d from client %s", ev.header.MsgType, ev.addr)
		return
	}

	b.clients[ev.addr] = ev.conn

	workerAddr, ok := b.rotation.Next()
	if !ok {
		// Run only drains clients when a worker is idle; losing a race
		// here still must not lose the request.
		b.logger.Printf("no idle worker for request from %s, rejecting", ev.addr)
		b.replyBrokerError(ev, "no workers available")
		return
	}
	workerConn := b.workers[workerAddr]

	env := &message.Envelope{ClientAddr: ev.addr, Payload: ev.body}
	cdc := codec.GetCodec(codec.CodecTypeBinary)
	body, err := cdc.Encode(env)
	if err != nil {
		b.logger.Printf("envelope encode failed: %v", err)
		b.rotation.MarkIdle(workerAddr)
		b.replyBrokerError(ev, "internal broker error")
		return
	}

	header := &protocol.Header{
		CodecType: protocol.CodecTypeBinary,
		MsgType:   protocol.MsgTypeRequest,
		Seq:       ev.header.Seq,
		BodyLen:   uint32(len(body)),
	}
	workerConn.SetWriteDeadline(time.Now().Add(b.cfg.SendTimeout))
	if err := protocol.Encode(workerConn, header, body); err != nil {
		// The worker is unreachable; drop it and tell the client rather
		// than leaving the request in limbo.
		b.logger.Printf("dispatch to worker %s failed: %v", workerAddr, err)
		b.rotation.Remove(workerAddr)
		delete(b.workers, workerAddr)
		b.replyBrokerError(ev, "worker unreachable")
		return
	}

	b.pending[ev.addr] = pendingDispatch{workerAddr: workerAddr, seq: ev.header.Seq}
}

// replyBrokerError sends the standardized error payload to a client.
func (b *Broker) replyBrokerError(ev event, msg string) {
	payload := message.BrokerError(msg)
	header := &protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   protocol.MsgTypeReply,
		Seq:       ev.header.Seq,
		BodyLen:   uint32(len(payload)),
	}
	ev.conn.SetWriteDeadline(time.Now().Add(b.cfg.SendTimeout))
	if err := protocol.Encode(ev.conn, header, payload); err != nil {
		b.logger.Printf("error reply to client %s failed: %v", ev.addr, err)
	}
}

// Close stops the event loop and closes both listeners.
//
// The shutdown flag is set before the listeners close so the accept loops
// recognize the resulting error as intentional.
func (b *Broker) Close() {
	if b.shutdown.Swap(true) {
		return
	}
	close(b.done)
	b.frontend.Close()
	b.backend.Close()
}
