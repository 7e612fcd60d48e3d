package standby

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"path/filepath"
	"testing"
	"time"

	"room-dispatch/broker"
	"room-dispatch/config"
	"room-dispatch/message"
	"room-dispatch/protocol"
	"room-dispatch/resource"
	"room-dispatch/transport"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.HeartbeatPeriod = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 150 * time.Millisecond
	cfg.SyncPeriod = 80 * time.Millisecond
	cfg.TablePath = filepath.Join(t.TempDir(), "resources.csv")
	cfg.ReplicaPath = filepath.Join(t.TempDir(), "resources_replica.csv")
	return cfg
}

func discard() *log.Logger { return log.New(io.Discard, "", 0) }

// beaconFeed publishes heartbeats on the returned publisher until stop is
// called.
func beaconFeed(t *testing.T, period time.Duration) (*transport.Publisher, func()) {
	t.Helper()
	pub, err := transport.NewPublisher("127.0.0.1:0", discard())
	if err != nil {
		t.Fatal(err)
	}
	stopped := make(chan struct{})
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			select {
			case <-stopped:
				return
			case at := <-ticker.C:
				pub.Publish(protocol.MsgTypeHeartbeat, message.FormatBeacon(at))
			}
		}
	}()
	var once bool
	stop := func() {
		if !once {
			once = true
			close(stopped)
			pub.Close()
		}
	}
	t.Cleanup(stop)
	return pub, stop
}

func waitForState(t *testing.T, s *Standby, want State, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %s after %s, want %s", s.State(), timeout, want)
}

func TestStaysStandbyWhileBeaconsArrive(t *testing.T) {
	cfg := testConfig(t)
	hb, _ := beaconFeed(t, cfg.HeartbeatPeriod)
	cfg.HeartbeatAddr = hb.Addr()
	cfg.SyncAddr = "127.0.0.1:1" // Unreachable; the sync subscriber just redials

	s := New(cfg, nil, discard())
	go s.Run()
	t.Cleanup(s.Close)

	// Several timeouts' worth of beacons: no promotion
	time.Sleep(3 * cfg.HeartbeatTimeout)
	if got := s.State(); got != StateStandby {
		t.Fatalf("state = %s with a live heartbeat, want STANDBY", got)
	}
	if s.LastBeacon().IsZero() {
		t.Fatal("no beacon was ever recorded")
	}
}

func TestAppliesSnapshotsAndPersistsReplica(t *testing.T) {
	cfg := testConfig(t)
	hb, _ := beaconFeed(t, cfg.HeartbeatPeriod)
	cfg.HeartbeatAddr = hb.Addr()

	syncPub, err := transport.NewPublisher("127.0.0.1:0", discard())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { syncPub.Close() })
	cfg.SyncAddr = syncPub.Addr()

	s := New(cfg, nil, discard())
	go s.Run()
	t.Cleanup(s.Close)

	// Wait for the subscriber to attach, then broadcast a snapshot
	deadline := time.Now().Add(2 * time.Second)
	for syncPub.SubscriberCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	snap := &resource.Snapshot{Resources: map[string]resource.Resource{
		"R01": {ID: "R01", Kind: resource.KindFixedRoom, Status: resource.StatusAssigned, Capacity: 30, Requester: "Engineering", Program: "Systems"},
		"L01": {ID: "L01", Kind: resource.KindLab, Status: resource.StatusAvailable, Capacity: 20},
	}}
	body, _ := json.Marshal(snap)
	syncPub.Publish(protocol.MsgTypeSnapshot, body)

	deadline = time.Now().Add(2 * time.Second)
	for s.Table().Len() != 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	got := s.Table().Export()
	if len(got) != 2 {
		t.Fatalf("replica has %d resources, want 2", len(got))
	}
	if got["R01"].Requester != "Engineering" || got["R01"].Status != resource.StatusAssigned {
		t.Fatalf("R01 not replicated: %+v", got["R01"])
	}

	// The replica file is rewritten on apply, so a restarted standby can
	// seed from disk
	reloaded, err := resource.Load(cfg.ReplicaPath, discard())
	if err != nil {
		t.Fatalf("replica file unreadable: %v", err)
	}
	if reloaded.Len() != 2 {
		t.Fatalf("reloaded replica has %d resources, want 2", reloaded.Len())
	}
}

func TestPromotesOnSilence(t *testing.T) {
	cfg := testConfig(t)
	hb, stop := beaconFeed(t, cfg.HeartbeatPeriod)
	cfg.HeartbeatAddr = hb.Addr()
	cfg.SyncAddr = "127.0.0.1:1"
	cfg.BackendAddr = "127.0.0.1:1" // No broker; promotion itself is the point

	s := New(cfg, nil, discard())
	go s.Run()
	t.Cleanup(s.Close)

	time.Sleep(2 * cfg.HeartbeatTimeout)
	if got := s.State(); got != StateStandby {
		t.Fatalf("promoted while beacons were arriving: %s", got)
	}

	stop()
	waitForState(t, s, StateActive, 2*time.Second)
}

// Failover liveness: with the primary gone, a request sent to the broker is
// eventually answered by the promoted standby.
func TestFailoverServesThroughBroker(t *testing.T) {
	cfg := testConfig(t)
	cfg.FrontendAddr = "127.0.0.1:0"
	cfg.BackendAddr = "127.0.0.1:0"
	cfg.MaintenanceTick = 50 * time.Millisecond

	b, err := broker.New(cfg, discard())
	if err != nil {
		t.Fatal(err)
	}
	go b.Run()
	t.Cleanup(b.Close)
	cfg.BackendAddr = b.BackendAddr()

	hb, stop := beaconFeed(t, cfg.HeartbeatPeriod)
	cfg.HeartbeatAddr = hb.Addr()
	cfg.SyncAddr = "127.0.0.1:1"

	// Durable-file fallback: the standby seeds from its replica CSV when no
	// snapshot was ever applied
	seed := resource.NewTable(cfg.ReplicaPath, discard())
	seed.Put(resource.Resource{ID: "R01", Kind: resource.KindFixedRoom, Status: resource.StatusAvailable, Capacity: 30})
	seed.Put(resource.Resource{ID: "R02", Kind: resource.KindFixedRoom, Status: resource.StatusAvailable, Capacity: 30})
	seed.Put(resource.Resource{ID: "R03", Kind: resource.KindFixedRoom, Status: resource.StatusAvailable, Capacity: 30})
	if err := seed.Save(); err != nil {
		t.Fatal(err)
	}

	s := New(cfg, nil, discard())
	go s.Run()
	t.Cleanup(s.Close)

	stop()
	waitForState(t, s, StateActive, 2*time.Second)

	// The promoted worker needs a beat to register; retry until dispatch
	// succeeds
	payload := []byte(`{"requester":"Engineering","program":"Systems","rooms_requested":1}`)
	var resp message.Response
	deadline := time.Now().Add(5 * time.Second)
	for {
		body, err := call(b.FrontendAddr(), payload)
		if err == nil {
			if err := json.Unmarshal(body, &resp); err != nil {
				t.Fatalf("reply not a response: %v (%s)", err, body)
			}
			if resp.Kind == message.KindSuccess {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("no successful allocation after failover: err=%v resp=%+v", err, resp)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(resp.RoomsAssigned) != 1 {
		t.Fatalf("rooms assigned = %v, want one of the replicated rooms", resp.RoomsAssigned)
	}
}

// call performs one request round trip against the broker frontend.
func call(frontendAddr string, payload []byte) ([]byte, error) {
	conn, err := net.Dial("tcp", frontendAddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	err = protocol.Encode(conn, &protocol.Header{
		CodecType: protocol.CodecTypeJSON,
		MsgType:   protocol.MsgTypeRequest,
		Seq:       1,
		BodyLen:   uint32(len(payload)),
	}, payload)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	header, body, err := protocol.Decode(conn)
	if err != nil {
		return nil, err
	}
	if header.MsgType != protocol.MsgTypeReply {
		return nil, fmt.Errorf("unexpected frame type %d", header.MsgType)
	}
	return body, nil
}
