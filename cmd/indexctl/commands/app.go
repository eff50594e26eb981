package commands

import (
	"github.com/urfave/cli/v3"
)

// NewApp builds the indexctl command tree. open is called once per command
// that needs the backends.
func NewApp(open OpenFunc) *cli.Command {
	r := &runner{open: open}
	return &cli.Command{
		Name:  "indexctl",
		Usage: "operate the product search indexing pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "path to an env file",
				Value: ".env",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "status",
				Usage:  "show queue depths and search index statistics",
				Action: r.statusAction,
			},
			{
				Name:  "reindex",
				Usage: "reindex every product matching the filters",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "category", Usage: "category id"},
					&cli.StringFlag{Name: "vendor", Usage: "vendor id"},
					&cli.StringFlag{Name: "status", Usage: "product status, e.g. ACTIVE"},
					&cli.IntFlag{Name: "batch-size", Usage: "products per catalog page (1-500)", Value: 100},
					&cli.BoolFlag{Name: "async", Usage: "enqueue a reindex job instead of running inline"},
					&cli.BoolFlag{Name: "report", Usage: "archive the summary to the configured report store"},
				},
				Action: r.reindexAction,
			},
			{
				Name:      "clear-queue",
				Usage:     "delete every job in a queue",
				ArgsUsage: "<main|processing|failed>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "skip the confirmation prompt"},
				},
				Action: r.clearQueueAction,
			},
			{
				Name:   "retry-failed",
				Usage:  "move every failed job back to the main queue",
				Action: r.retryFailedAction,
			},
			{
				Name:  "failed",
				Usage: "list jobs in the failed queue",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "limit", Usage: "maximum jobs to list", Value: 20},
				},
				Action: r.failedAction,
			},
			{
				Name:      "test",
				Usage:     "index one product immediately and show the stored document",
				ArgsUsage: "[productId]",
				Action:    r.testAction,
			},
			{
				Name:      "enqueue",
				Usage:     "enqueue an index job for one product",
				ArgsUsage: "<productId>",
				Action:    r.enqueueAction,
			},
			{
				Name:   "worker",
				Usage:  "run the worker loop in the foreground",
				Action: r.workerAction,
			},
			{
				Name:   "serve",
				Usage:  "run the admin HTTP API in the foreground",
				Action: r.serveAction,
			},
		},
	}
}
