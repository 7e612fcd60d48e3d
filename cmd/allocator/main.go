// The allocator command runs the primary worker: it loads the resource table,
// registers with the broker, and publishes the heartbeat and sync feeds the
// standby follows.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"room-dispatch/config"
	"room-dispatch/middleware"
	"room-dispatch/registry"
	"room-dispatch/resource"
	"room-dispatch/worker"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	reset := flag.Bool("reset", false, "reset the resource table to all-available and exit")
	flag.Parse()

	logger := log.New(os.Stdout, "[allocator] ", log.LstdFlags)

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatalf("config: %v", err)
		}
		cfg = loaded
	}

	table, err := resource.Load(cfg.TablePath, logger)
	if err != nil {
		logger.Fatalf("resource table: %v", err)
	}

	if *reset {
		if err := table.Reset(); err != nil {
			logger.Fatalf("reset: %v", err)
		}
		return
	}

	w := worker.New(cfg, table, logger)
	w.Use(middleware.RecoveryMiddleware(logger))
	w.Use(middleware.LoggingMiddleware(logger))
	if cfg.RateLimit > 0 {
		w.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}

	var reg registry.Registry
	if len(cfg.EtcdEndpoints) > 0 {
		etcdReg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
		if err != nil {
			logger.Fatalf("etcd registry: %v", err)
		}
		reg = etcdReg
	}
	if err := w.StartFeeds(reg); err != nil {
		logger.Fatalf("feeds: %v", err)
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Println("shutting down")
		if err := w.Shutdown(5 * time.Second); err != nil {
			logger.Printf("shutdown: %v", err)
		}
		os.Exit(0)
	}()

	backendAddr := cfg.BackendAddr
	if reg != nil {
		if instances, err := reg.Discover(registry.ServiceBrokerBackend); err == nil && len(instances) > 0 {
			backendAddr = instances[0].Addr
		}
	}

	if err := w.Serve(backendAddr); err != nil {
		logger.Fatalf("serve: %v", err)
	}
}
