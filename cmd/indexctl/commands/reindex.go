package commands

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"search-indexer/internal/models"
	"search-indexer/internal/reindex"
)

// ErrTotalFailure is returned when a reindex indexed nothing and failed at least once.
var ErrTotalFailure = errors.New("reindex failed for every product")

func optional(cmd *cli.Command, name string) *string {
	if v := cmd.String(name); v != "" {
		return &v
	}
	return nil
}

func (r *runner) reindexAction(ctx context.Context, cmd *cli.Command) error {
	filters := models.ReindexFilters{
		CategoryID: optional(cmd, "category"),
		VendorID:   optional(cmd, "vendor"),
		Status:     optional(cmd, "status"),
	}
	out := stdout(cmd)

	c, err := r.container(ctx, cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	if cmd.Bool("async") {
		id, err := c.Admin.EnqueueReindexJob(ctx, filters)
		if err != nil {
			return fmt.Errorf("enqueue reindex: %w", err)
		}
		green.Fprintf(out, "reindex job %s enqueued\n", id)
		return nil
	}

	progress := make(chan models.ReindexProgress, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for p := range progress {
			fmt.Fprintf(out, "\rprocessed %d/%d (failed %d)", p.Indexed+p.Failed, p.Total, p.Failed)
		}
	}()
	summary, runErr := c.Admin.Reindex(ctx, filters, int(cmd.Int("batch-size")), reindex.ChannelProgress(progress))
	close(progress)
	<-done
	if summary == nil {
		return fmt.Errorf("reindex: %w", runErr)
	}
	fmt.Fprintln(out)
	printSummary(out, summary)

	if cmd.Bool("report") {
		if c.Archiver == nil {
			yellow.Fprintln(out, "no report store configured (set REPORT_DIR or REPORT_S3_BUCKET)")
		} else if loc, err := c.Archiver.Save(ctx, summary, ""); err != nil {
			red.Fprintf(out, "report not saved: %v\n", err)
		} else {
			fmt.Fprintf(out, "report saved to %s\n", loc)
		}
	}

	if runErr != nil {
		return fmt.Errorf("reindex stopped early: %w", runErr)
	}
	if summary.Outcome() == models.OutcomeTotalFailure {
		return ErrTotalFailure
	}
	return nil
}

// printSummary writes a coloured outcome line, the counters and the first errors.
func printSummary(out io.Writer, s *models.ReindexSummary) {
	switch s.Outcome() {
	case models.OutcomeSuccess:
		green.Fprintf(out, "reindex complete: %d/%d indexed\n", s.Indexed, s.Total)
	case models.OutcomePartialFailure:
		yellow.Fprintf(out, "reindex partially failed: %d indexed, %d failed of %d\n", s.Indexed, s.Failed, s.Total)
	default:
		red.Fprintf(out, "reindex failed: %d failed of %d\n", s.Failed, s.Total)
	}
	fmt.Fprintf(out, "duration: %dms\n", s.DurationMs)
	if s.Popularity != nil {
		fmt.Fprintf(out, "popularity avg %.2f min %.2f max %.2f\n", s.Popularity.Average, s.Popularity.Min, s.Popularity.Max)
	}

	if len(s.Errors) == 0 {
		return
	}
	bold.Fprintln(out, "errors:")
	for i, e := range s.Errors {
		if i == maxPrintedErrors {
			fmt.Fprintf(out, "  ... and %d more\n", len(s.Errors)-maxPrintedErrors)
			break
		}
		red.Fprintf(out, "  %s: %s\n", e.ProductID, e.Error)
	}
	if s.ErrorsTruncated {
		fmt.Fprintln(out, "  (error list truncated)")
	}
}
