package registry

import (
	"net"
	"testing"
	"time"
)

// etcdAvailable reports whether a local etcd is reachable. The registry is
// optional at runtime, so its test is too.
func etcdAvailable() bool {
	conn, err := net.DialTimeout("tcp", "localhost:2379", 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func TestRegisterAndDiscover(t *testing.T) {
	if !etcdAvailable() {
		t.Skip("no etcd on localhost:2379")
	}

	reg, err := NewEtcdRegistry([]string{"localhost:2379"})
	if err != nil {
		t.Fatal(err)
	}

	// Register two broker frontends
	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Name: "broker-a"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Name: "broker-b"}

	if err := reg.Register(ServiceBrokerFrontend, inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(ServiceBrokerFrontend, inst2, 10); err != nil {
		t.Fatal(err)
	}

	// Discover
	instances, err := reg.Discover(ServiceBrokerFrontend)
	if err != nil {
		t.Fatal(err)
	}

	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	// Deregister one
	if err := reg.Deregister(ServiceBrokerFrontend, inst1.Addr); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)

	instances, err = reg.Discover(ServiceBrokerFrontend)
	if err != nil {
		t.Fatal(err)
	}

	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}

	if instances[0].Addr != inst2.Addr {
		t.Fatalf("expect %s, got %s", inst2.Addr, instances[0].Addr)
	}

	// Cleanup
	reg.Deregister(ServiceBrokerFrontend, inst2.Addr)
}
