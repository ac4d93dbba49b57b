// Command translatecastd runs the real-time audio translation gateway
// (§1): loads config, wires A-I via the supervisor, and serves until
// terminated. Grounded on the teacher's cmd/server/main.go entry point.
package main

import (
	"context"
	"log"
	"time"

	"translatecast/internal/config"
	"translatecast/internal/supervisor"
)

func main() {
	cfg := config.Load()

	sup, err := supervisor.New(cfg)
	if err != nil {
		log.Fatalf("[main] failed to construct supervisor: %v", err)
	}

	if err := sup.Run(); err != nil {
		log.Printf("[main] server exited with error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout+time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		log.Printf("[main] shutdown error: %v", err)
	}
}
