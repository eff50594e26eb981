package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/logger"
	"search-indexer/internal/models"
	"search-indexer/internal/reindex"
)

// ProductIndexer indexes one product.
type ProductIndexer interface {
	IndexProduct(ctx context.Context, productID string) models.IndexResult
}

// Reindexer runs a filtered reindex.
type Reindexer interface {
	ReindexAll(ctx context.Context, filters models.ReindexFilters, onProgress reindex.ProgressFunc) (*models.ReindexSummary, error)
}

// ReportSaver archives a finished reindex run.
type ReportSaver interface {
	Save(ctx context.Context, summary *models.ReindexSummary, jobID string) (string, error)
}

// IndexSingleHandler indexes the product named in an index-single job.
func IndexSingleHandler(ix ProductIndexer) Handler {
	return func(ctx context.Context, job *models.Job) error {
		productID, err := job.ProductID()
		if err != nil {
			return apperrors.Permanent(err)
		}
		res := ix.IndexProduct(ctx, productID)
		if res.Success {
			return nil
		}
		err = res.Err
		if err == nil {
			err = errors.New(res.Error)
		}
		if res.Permanent {
			return apperrors.Permanent(fmt.Errorf("index %s: %s", productID, res.Error))
		}
		return fmt.Errorf("index %s: %w", productID, err)
	}
}

// ReindexHandler runs a reindex-filtered job as one unit of work. The job
// fails when the run aborts or when every matched product failed.
// saver may be nil.
func ReindexHandler(r Reindexer, saver ReportSaver, log *slog.Logger) Handler {
	return func(ctx context.Context, job *models.Job) error {
		filters, err := job.Filters()
		if err != nil {
			return apperrors.Permanent(err)
		}

		summary, runErr := r.ReindexAll(ctx, filters, nil)
		if summary != nil && saver != nil {
			if _, err := saver.Save(ctx, summary, job.ID); err != nil {
				logger.WithContext(ctx, log).Warn("archive reindex report failed", slog.String("error", err.Error()))
			}
		}
		if runErr != nil {
			return fmt.Errorf("reindex: %w", runErr)
		}
		if summary.Total > 0 && summary.Outcome() == models.OutcomeTotalFailure {
			return fmt.Errorf("reindex: all %d products failed, first error: %s", summary.Failed, firstError(summary))
		}
		return nil
	}
}

func firstError(s *models.ReindexSummary) string {
	if len(s.Errors) == 0 {
		return "unknown"
	}
	return s.Errors[0].ProductID + ": " + s.Errors[0].Error
}
