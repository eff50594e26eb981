package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"search-indexer/internal/app"
	"search-indexer/internal/config"
	"search-indexer/internal/logger"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.New("search-indexer-worker", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer c.Close()

	log.Info("worker started", slog.String("queue_backend", cfg.QueueBackend))
	if err := c.RunWorker(ctx); err != nil {
		log.Error("worker failed", slog.String("error", err.Error()))
		c.Close()
		os.Exit(1)
	}
	log.Info("worker stopped")
}
