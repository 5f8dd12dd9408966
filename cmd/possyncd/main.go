// Package main runs possyncd, the sync daemon that exposes the offline queue,
// snapshot and scheduler over REST and WebSocket on localhost.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/kimhsiao/possync/backend/cmd/possyncd/handlers"
	"github.com/kimhsiao/possync/backend/internal/app"
	"github.com/kimhsiao/possync/backend/internal/config"
	"github.com/kimhsiao/possync/backend/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

func main() {
	if err := run(); err != nil {
		logging.Error("possyncd exited with error", err, nil)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		logging.Init(os.Stderr, logging.LevelInfo)
		return err
	}
	logging.Init(os.Stderr, logging.ParseLevel(cfg.Log.Level))
	logging.Info("Starting possyncd", map[string]interface{}{"version": Version})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	a.Start(ctx)
	return handlers.NewServer(cfg.Server, a).Run(ctx)
}
