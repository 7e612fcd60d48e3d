// The standby command runs a warm standby that follows the primary's feeds
// and promotes itself when the heartbeat goes silent.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"room-dispatch/config"
	"room-dispatch/registry"
	"room-dispatch/standby"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	flag.Parse()

	logger := log.New(os.Stdout, "[standby] ", log.LstdFlags)

	cfg := config.DefaultConfig()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Fatalf("config: %v", err)
		}
		cfg = loaded
	}

	var reg registry.Registry
	if len(cfg.EtcdEndpoints) > 0 {
		etcdReg, err := registry.NewEtcdRegistry(cfg.EtcdEndpoints)
		if err != nil {
			logger.Fatalf("etcd registry: %v", err)
		}
		reg = etcdReg
	}

	s := standby.New(cfg, reg, logger)

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Println("shutting down")
		s.Close()
	}()

	s.Run()
}
