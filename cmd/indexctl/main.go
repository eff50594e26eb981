package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"search-indexer/cmd/indexctl/commands"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.NewApp(commands.Open).Run(ctx, os.Args); err != nil {
		commands.PrintError(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
