// Package registry makes the system's endpoints discoverable.
//
// Four well-known service names are used across the pipeline:
//
//	broker-frontend  — the broker's client-facing address
//	broker-backend   — the broker's worker-facing address
//	heartbeat-feed   — the primary's liveness beacon feed
//	sync-feed        — the primary's state-snapshot feed
//
// Every component also accepts a static address, so the registry is an
// optional convenience, not a hard dependency.
package registry

const (
	ServiceBrokerFrontend = "broker-frontend"
	ServiceBrokerBackend  = "broker-backend"
	ServiceHeartbeatFeed  = "heartbeat-feed"
	ServiceSyncFeed       = "sync-feed"
)

// ServiceInstance is one advertised endpoint.
type ServiceInstance struct {
	Addr string // host:port the service is reachable at
	Name string // Human-readable owner (e.g., a worker's uuid), for diagnostics
}

type Registry interface {
	Register(serviceName string, instance ServiceInstance, ttl int64) error
	Deregister(serviceName string, addr string) error
	Discover(serviceName string) ([]ServiceInstance, error)
	Watch(serviceName string) <-chan []ServiceInstance
}
