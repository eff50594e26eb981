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
	log := logger.New("search-indexer-api", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer c.Close()

	if err := c.RunAPI(ctx); err != nil {
		log.Error("api server failed", slog.String("error", err.Error()))
		c.Close()
		os.Exit(1)
	}
	log.Info("api server stopped")
}
