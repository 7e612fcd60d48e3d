// The faculty command sends one allocation request through the broker and
// prints the outcome.
package main

import (
	"flag"
	"log"
	"os"
	"strings"

	"room-dispatch/client"
	"room-dispatch/config"
	"room-dispatch/message"
	"room-dispatch/registry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	requester := flag.String("requester", "", "faculty requesting the allocation")
	program := flag.String("program", "", "program the allocation is for")
	term := flag.Int("term", 1, "academic term")
	rooms := flag.Int("rooms", 0, "number of rooms requested")
	labs := flag.Int("labs", 0, "number of labs requested")
	minCapacity := flag.Int("min-capacity", 0, "minimum capacity hint (advisory)")
	flag.Parse()

	logger := log.New(os.Stdout, "[faculty] ", log.LstdFlags)

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

	c := client.New(cfg, reg, logger)
	defer c.Close()

	resp, err := c.Request(&message.Request{
		Requester:      *requester,
		Program:        *program,
		Term:           *term,
		RoomsRequested: *rooms,
		LabsRequested:  *labs,
		MinCapacity:    *minCapacity,
	})
	if err != nil {
		logger.Fatalf("request: %v", err)
	}

	switch resp.Kind {
	case message.KindSuccess:
		logger.Printf("assigned rooms: %s", strings.Join(resp.RoomsAssigned, ", "))
		logger.Printf("assigned labs: %s", strings.Join(resp.LabsAssigned, ", "))
		if resp.Notice != "" {
			logger.Printf("notice: %s", resp.Notice)
		}
	case message.KindUnavailable:
		logger.Printf("unavailable: %s", resp.Message)
		os.Exit(1)
	case message.KindError:
		logger.Printf("error: %s", resp.Message)
		os.Exit(1)
	}
}
