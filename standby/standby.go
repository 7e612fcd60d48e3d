// Package standby implements the warm-standby allocator: a process that
// follows the primary's heartbeat and state-sync feeds and promotes itself to
// a serving pool member when the primary falls silent.
//
// State machine:
//
//	STANDBY    — following the feeds, applying snapshots, watching beacons
//	ACTIVATING — heartbeat silence exceeded the timeout; seeding a worker
//	             from the replicated table
//	ACTIVE     — registered with the broker, serving dispatches
//
// There is no demotion path: if the old primary comes back, both serve. The
// feed subscribers keep running after promotion, so late snapshots are still
// applied to the live table.
package standby

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"room-dispatch/config"
	"room-dispatch/message"
	"room-dispatch/middleware"
	"room-dispatch/protocol"
	"room-dispatch/registry"
	"room-dispatch/resource"
	"room-dispatch/transport"
	"room-dispatch/worker"
)

// State is the standby's position in the failover lifecycle.
type State int32

const (
	StateStandby State = iota
	StateActivating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateStandby:
		return "STANDBY"
	case StateActivating:
		return "ACTIVATING"
	case StateActive:
		return "ACTIVE"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

const redialDelay = 500 * time.Millisecond

// Standby follows the primary and takes over on heartbeat silence.
type Standby struct {
	cfg    *config.Config
	logger *log.Logger
	reg    registry.Registry // Optional; static cfg addresses otherwise

	// Replicated table, persisted to cfg.ReplicaPath on every applied
	// snapshot. Becomes the serving table on promotion.
	table *resource.Table

	hbSub   *transport.Subscriber
	syncSub *transport.Subscriber

	beatMu   sync.Mutex
	lastBeat time.Time // Instant the last beacon was observed (local clock)

	state atomic.Int32

	workerMu sync.Mutex
	worker   *worker.Worker // Non-nil once promotion has started

	done chan struct{}
	once sync.Once
}

// New creates a standby. The replica file is loaded if it exists, so a
// restarted standby resumes from its last persisted view instead of empty.
func New(cfg *config.Config, reg registry.Registry, logger *log.Logger) *Standby {
	if logger == nil {
		logger = log.New(os.Stdout, "[standby] ", log.LstdFlags)
	}

	table, err := resource.Load(cfg.ReplicaPath, logger)
	if err != nil {
		logger.Printf("no usable replica at %s, starting empty: %v", cfg.ReplicaPath, err)
		table = resource.NewTable(cfg.ReplicaPath, logger)
	}

	return &Standby{
		cfg:    cfg,
		logger: logger,
		reg:    reg,
		table:  table,
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Standby) State() State {
	return State(s.state.Load())
}

// Table returns the replicated table. On an ACTIVE standby this is the live
// serving table.
func (s *Standby) Table() *resource.Table {
	return s.table
}

// LastBeacon returns when the last heartbeat was observed.
func (s *Standby) LastBeacon() time.Time {
	s.beatMu.Lock()
	defer s.beatMu.Unlock()
	return s.lastBeat
}

// Run subscribes to both feeds and executes the watch loop until Close.
// The liveness check runs on the beacon period; a standby that has never
// seen a beacon gets one full timeout of grace from startup before the
// first promotion can fire.
func (s *Standby) Run() {
	hbAddr, syncAddr := s.feedAddrs()
	s.hbSub = transport.NewSubscriber(hbAddr, s.logger)
	s.syncSub = transport.NewSubscriber(syncAddr, s.logger)
	s.recordBeat(time.Now())

	s.logger.Printf("following heartbeat feed %s, sync feed %s (timeout %s)",
		hbAddr, syncAddr, s.cfg.HeartbeatTimeout)

	ticker := time.NewTicker(s.cfg.HeartbeatPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case frame := <-s.hbSub.Frames():
			s.handleBeacon(frame)
		case frame := <-s.syncSub.Frames():
			s.handleSnapshot(frame)
		case <-ticker.C:
			s.checkLiveness()
		}
	}
}

// feedAddrs resolves the feed endpoints, preferring the registry when one is
// configured and has entries.
func (s *Standby) feedAddrs() (hbAddr, syncAddr string) {
	hbAddr, syncAddr = s.cfg.HeartbeatAddr, s.cfg.SyncAddr
	if s.reg == nil {
		return hbAddr, syncAddr
	}
	if instances, err := s.reg.Discover(registry.ServiceHeartbeatFeed); err == nil && len(instances) > 0 {
		hbAddr = instances[0].Addr
	}
	if instances, err := s.reg.Discover(registry.ServiceSyncFeed); err == nil && len(instances) > 0 {
		syncAddr = instances[0].Addr
	}
	return hbAddr, syncAddr
}

func (s *Standby) recordBeat(at time.Time) {
	s.beatMu.Lock()
	s.lastBeat = at
	s.beatMu.Unlock()
}

func (s *Standby) handleBeacon(frame transport.Frame) {
	if frame.Type != protocol.MsgTypeHeartbeat {
		return
	}
	if _, err := message.ParseBeacon(frame.Body); err != nil {
		s.logger.Printf("malformed beacon ignored: %v", err)
		return
	}
	// The local observation instant is what liveness is judged against;
	// the beacon's own timestamp would couple the check to clock skew.
	s.recordBeat(time.Now())
}

// handleSnapshot merges one full-table snapshot into the replica and
// persists it. Applying the same snapshot twice is harmless.
func (s *Standby) handleSnapshot(frame transport.Frame) {
	if frame.Type != protocol.MsgTypeSnapshot {
		return
	}
	var snap resource.Snapshot
	if err := json.Unmarshal(frame.Body, &snap); err != nil {
		s.logger.Printf("undecodable snapshot ignored: %v", err)
		return
	}
	s.table.ApplySnapshot(&snap)
	if err := s.table.Save(); err != nil {
		// The in-memory replica is still current; only the restart path
		// degrades until the next successful write.
		s.logger.Printf("replica persist failed: %v", err)
	}
}

// checkLiveness promotes when the heartbeat has been silent past the timeout.
func (s *Standby) checkLiveness() {
	if s.State() != StateStandby {
		return
	}
	silence := time.Since(s.LastBeacon())
	if silence <= s.cfg.HeartbeatTimeout {
		return
	}
	s.logger.Printf("no heartbeat for %s (timeout %s), taking over",
		silence.Round(time.Millisecond), s.cfg.HeartbeatTimeout)
	s.promote()
}

// promote seeds a worker from the replicated table and registers it with the
// broker. The watch loop keeps running: beacons are still recorded and late
// snapshots still merge into the now-live table.
func (s *Standby) promote() {
	s.state.Store(int32(StateActivating))

	w := worker.New(s.cfg, s.table, s.logger)
	w.Use(middleware.RecoveryMiddleware(s.logger))
	w.Use(middleware.LoggingMiddleware(s.logger))
	if s.cfg.RateLimit > 0 {
		w.Use(middleware.RateLimitMiddleware(s.cfg.RateLimit, s.cfg.RateBurst))
	}

	s.workerMu.Lock()
	s.worker = w
	s.workerMu.Unlock()

	go s.serveLoop(w)
	s.state.Store(int32(StateActive))
	s.logger.Printf("promoted: worker %s serving %d replicated resources", w.ID(), s.table.Len())
}

// serveLoop keeps the promoted worker registered, redialing the broker if the
// connection breaks. There is no way back to STANDBY from here.
func (s *Standby) serveLoop(w *worker.Worker) {
	for {
		err := w.Serve(s.cfg.BackendAddr)
		if err == nil {
			return // Clean shutdown
		}
		select {
		case <-s.done:
			return
		case <-time.After(redialDelay):
		}
		s.logger.Printf("broker connection failed: %v (redialing)", err)
	}
}

// Close stops the watch loop, the feed subscribers, and the promoted worker
// if there is one.
func (s *Standby) Close() {
	s.once.Do(func() {
		close(s.done)
		if s.hbSub != nil {
			s.hbSub.Close()
		}
		if s.syncSub != nil {
			s.syncSub.Close()
		}
		s.workerMu.Lock()
		w := s.worker
		s.workerMu.Unlock()
		if w != nil {
			w.Shutdown(time.Second)
		}
	})
}
