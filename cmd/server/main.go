package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/arbortabs/arbor/internal/infrastructure/config"
	"github.com/arbortabs/arbor/internal/infrastructure/server"
)

func main() {
	port := flag.String("port", "", "Server port (overrides ARBOR_PORT)")
	storePath := flag.String("store", "", "Snapshot store path (overrides ARBOR_STORE_PATH)")
	flag.Parse()

	cfg := config.LoadOrDefault()
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *storePath != "" {
		cfg.Store.Path = *storePath
	}

	srv, err := server.NewServer(cfg)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
