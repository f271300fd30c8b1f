package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/utxoracle/utxoracle-live/internal/config"
	"github.com/utxoracle/utxoracle-live/internal/orchestrator"
)

func main() {
	log.Println("Starting UTXOracle Live daemon...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	orch, err := orchestrator.New(cfg)
	if err != nil {
		log.Fatalf("Startup failed: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := orch.Run(ctx); err != nil {
		log.Fatalf("Pipeline terminated: %v", err)
	}
	log.Println("UTXOracle Live daemon stopped")
}
