package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v3"
)

func (r *runner) statusAction(ctx context.Context, cmd *cli.Command) error {
	c, err := r.container(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	status, err := c.Admin.IndexStatus(ctx)
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	out := stdout(cmd)

	bold.Fprintln(out, "Queues")
	table := tablewriter.NewWriter(out)
	table.Header("Queue", "Jobs")
	table.Append("main", fmt.Sprintf("%d", status.Queue.Main))
	table.Append("processing", fmt.Sprintf("%d", status.Queue.Processing))
	table.Append("failed", fmt.Sprintf("%d", status.Queue.Failed))
	table.Render()

	bold.Fprintf(out, "\nSearch index %q\n", status.Index)
	if !status.Available {
		red.Fprintln(out, "search engine unavailable")
		return nil
	}
	if status.StatsError != "" {
		yellow.Fprintf(out, "stats unavailable: %s\n", status.StatsError)
		return nil
	}
	idx := tablewriter.NewWriter(out)
	idx.Header("Documents", "Indexing")
	idx.Append(fmt.Sprintf("%d", status.Stats.DocumentCount), fmt.Sprintf("%t", status.Stats.IsIndexing))
	idx.Render()
	return nil
}

func (r *runner) failedAction(ctx context.Context, cmd *cli.Command) error {
	c, err := r.container(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	jobs, err := c.Admin.ListFailed(ctx, int64(cmd.Int("limit")))
	if err != nil {
		return fmt.Errorf("list failed jobs: %w", err)
	}
	out := stdout(cmd)
	if len(jobs) == 0 {
		green.Fprintln(out, "no failed jobs")
		return nil
	}

	table := tablewriter.NewWriter(out)
	table.Header("ID", "Kind", "Attempts", "Enqueued", "Last error")
	for _, j := range jobs {
		lastErr := ""
		if j.LastError != nil {
			lastErr = *j.LastError
		}
		table.Append(j.ID, string(j.Kind), fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts),
			j.EnqueuedAt.Format(time.RFC3339), lastErr)
	}
	table.Render()
	return nil
}
