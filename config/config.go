// Package config holds the system's runtime settings as one explicit object
// constructed at startup and threaded through every component constructor.
// There is no module-level mutable state anywhere in the pipeline.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a serialisable representation of the pipeline configuration.
// The zero value is not usable; start from DefaultConfig and override.
type Config struct {
	// Broker endpoints
	FrontendAddr string `yaml:"frontend_addr"` // Client-facing
	BackendAddr  string `yaml:"backend_addr"`  // Worker-facing

	// Feed endpoints published by the primary
	HeartbeatAddr string `yaml:"heartbeat_addr"`
	SyncAddr      string `yaml:"sync_addr"`

	// Liveness and replication timing. The timeout must be strictly greater
	// than the period so a single dropped beacon is not mistaken for failure.
	HeartbeatPeriod  time.Duration `yaml:"heartbeat_period"`
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout"`
	SyncPeriod       time.Duration `yaml:"sync_period"`

	// Worker admission control
	MaxConcurrent int `yaml:"max_concurrent"`

	// Client-side deadlines; expiry surfaces as a retryable communication error
	SendTimeout time.Duration `yaml:"send_timeout"`
	RecvTimeout time.Duration `yaml:"recv_timeout"`

	// Broker poll/maintenance tick (idle-queue dedup, shutdown observation)
	MaintenanceTick time.Duration `yaml:"maintenance_tick"`

	// Durable files
	TablePath   string `yaml:"table_path"`   // Primary's resource table CSV
	ReplicaPath string `yaml:"replica_path"` // Standby's synchronized copy
	RosterPath  string `yaml:"roster_path"`  // Faculty roster for client-side validation

	// Optional etcd endpoints for service discovery; empty means static addresses
	EtcdEndpoints []string `yaml:"etcd_endpoints"`

	// Optional worker throughput cap; zero disables the rate-limit middleware
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// DefaultConfig returns the reference deployment settings.
func DefaultConfig() *Config {
	return &Config{
		FrontendAddr:     "127.0.0.1:5555",
		BackendAddr:      "127.0.0.1:5556",
		HeartbeatAddr:    "127.0.0.1:5557",
		SyncAddr:         "127.0.0.1:5558",
		HeartbeatPeriod:  2 * time.Second,
		HeartbeatTimeout: 5 * time.Second,
		SyncPeriod:       10 * time.Second,
		MaxConcurrent:    10,
		SendTimeout:      5 * time.Second,
		RecvTimeout:      10 * time.Second,
		MaintenanceTick:  1 * time.Second,
		TablePath:        "resources.csv",
		ReplicaPath:      "resources_replica.csv",
		RosterPath:       "faculties.txt",
	}
}

// Load reads a YAML file over the defaults. Fields absent from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate returns an error describing invalid settings, or nil.
func (c *Config) Validate() error {
	if c.HeartbeatPeriod <= 0 || c.SyncPeriod <= 0 || c.MaintenanceTick <= 0 {
		return fmt.Errorf("heartbeat_period, sync_period and maintenance_tick must be positive")
	}
	if c.HeartbeatTimeout <= c.HeartbeatPeriod {
		return fmt.Errorf("heartbeat_timeout (%s) must exceed heartbeat_period (%s), or a single dropped beacon triggers failover",
			c.HeartbeatTimeout, c.HeartbeatPeriod)
	}
	if c.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be > 0")
	}
	if c.SendTimeout <= 0 || c.RecvTimeout <= 0 {
		return fmt.Errorf("send_timeout and recv_timeout must be positive")
	}
	return nil
}
