// The broker command runs the load-balancing router between faculty clients
// and the allocator pool.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"room-dispatch/broker"
	"room-dispatch/config"
	"room-dispatch/registry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	flag.Parse()

	logger := log.New(os.Stdout, "[broker] ", log.LstdFlags)

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatalf("config: %v", err)
		}
		cfg = loaded
	}

	b, err := broker.New(cfg, logger)
	if err != nil {
		logger.Fatalf("start broker: %v", err)
	}

	if len(cfg.EtcdEndpoints) > 0 {
		reg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
		if err != nil {
			logger.Fatalf("etcd registry: %v", err)
		}
		reg.Register(registry.ServiceBrokerFrontend, registry.ServiceInstance{Addr: b.FrontendAddr()}, 10)
		reg.Register(registry.ServiceBrokerBackend, registry.ServiceInstance{Addr: b.BackendAddr()}, 10)
		defer func() {
			reg.Deregister(registry.ServiceBrokerFrontend, b.FrontendAddr())
			reg.Deregister(registry.ServiceBrokerBackend, b.BackendAddr())
		}()
	}

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Println("shutting down")
		b.Close()
	}()

	b.Run()
}
