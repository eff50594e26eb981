package commands

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"search-indexer/internal/models"
)

func (r *runner) clearQueueAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("usage: indexctl clear-queue <main|processing|failed>")
	}
	name, err := models.ParseQueueName(cmd.Args().First())
	if err != nil {
		return err
	}

	c, err := r.container(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	out := stdout(cmd)
	if !cmd.Bool("yes") {
		stats, err := c.Admin.GetQueueStats(ctx)
		if err != nil {
			return fmt.Errorf("read queue stats: %w", err)
		}
		prompt := fmt.Sprintf("Delete %d jobs from the %s queue?", queueLen(stats, name), name)
		if !confirm(stdin(cmd), out, prompt) {
			yellow.Fprintln(out, "cancelled")
			return ErrAborted
		}
	}

	n, err := c.Admin.ClearQueue(ctx, string(name))
	if err != nil {
		return fmt.Errorf("clear %s: %w", name, err)
	}
	green.Fprintf(out, "cleared %d jobs from %s\n", n, name)
	return nil
}

func queueLen(s models.QueueStats, name models.QueueName) int64 {
	switch name {
	case models.QueueProcessing:
		return s.Processing
	case models.QueueFailed:
		return s.Failed
	default:
		return s.Main
	}
}

func (r *runner) retryFailedAction(ctx context.Context, cmd *cli.Command) error {
	c, err := r.container(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	n, err := c.Admin.RetryFailedJobs(ctx)
	if err != nil {
		return fmt.Errorf("retry failed jobs: %w", err)
	}
	green.Fprintf(stdout(cmd), "moved %d failed jobs back to main\n", n)
	return nil
}

func (r *runner) enqueueAction(ctx context.Context, cmd *cli.Command) error {
	if cmd.Args().Len() != 1 {
		return errors.New("usage: indexctl enqueue <productId>")
	}
	c, err := r.container(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	id, err := c.Admin.EnqueueProductIndex(ctx, cmd.Args().First())
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	green.Fprintf(stdout(cmd), "job %s enqueued\n", id)
	return nil
}
