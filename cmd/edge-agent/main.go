package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgewan/agentcore/pkg/config"
	"github.com/edgewan/agentcore/pkg/model"
	"github.com/edgewan/agentcore/pkg/node"
	"github.com/edgewan/agentcore/pkg/version"
)

func main() {
	showVersion := false
	for _, arg := range os.Args[1:] {
		if arg == "-v" || arg == "--v" {
			showVersion = true
		}
	}
	if showVersion {
		log.Printf("edge-agent version=%s", version.Build)
		return
	}

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	log.Printf("edge-agent version=%s slot_id=%s hub=%s", version.Build, cfg.SlotID, cfg.HubBaseURL)

	n := node.New(cfg, node.Callbacks{
		OnStateChange: func(old, next model.NodeState) {
			log.Printf("state: %s -> %s", old, next)
		},
		OnError: func(msg string) {
			log.Printf("error: %s", msg)
		},
	})
	if n.State() == model.StateError {
		log.Fatalf("node failed to start: %s", n.LastError())
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	n.Run(ctx)
	log.Printf("edge-agent stopped")
}
