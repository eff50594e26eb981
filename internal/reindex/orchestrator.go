// Package reindex walks the filtered catalog page by page and indexes every product.
package reindex

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"search-indexer/internal/catalog"
	"search-indexer/internal/logger"
	"search-indexer/internal/models"
	"search-indexer/internal/telemetry"
)

const (
	DefaultPageSize  = 100
	DefaultMaxErrors = 50
	// MaxPageSize bounds per-run overrides.
	MaxPageSize = 500
)

// ProductIndexer indexes a single product.
type ProductIndexer interface {
	IndexProduct(ctx context.Context, productID string) models.IndexResult
}

// ProgressFunc observes a run after every product. Panics are recovered and dropped.
type ProgressFunc func(models.ReindexProgress)

// ChannelProgress adapts a channel into a ProgressFunc. Sends never block:
// a snapshot is dropped when the channel is full.
func ChannelProgress(ch chan<- models.ReindexProgress) ProgressFunc {
	return func(p models.ReindexProgress) {
		select {
		case ch <- p:
		default:
		}
	}
}

// Options tune an Orchestrator.
type Options struct {
	PageSize  int
	MaxErrors int
}

// Orchestrator runs reindex passes over the catalog.
type Orchestrator struct {
	catalog   catalog.Catalog
	indexer   ProductIndexer
	pageSize  int
	maxErrors int
	logger    *slog.Logger
	now       func() time.Time
}

// New creates an orchestrator.
func New(cat catalog.Catalog, ix ProductIndexer, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.MaxErrors <= 0 {
		opts.MaxErrors = DefaultMaxErrors
	}
	return &Orchestrator{
		catalog:   cat,
		indexer:   ix,
		pageSize:  opts.PageSize,
		maxErrors: opts.MaxErrors,
		logger:    logger,
		now:       time.Now,
	}
}

// WithPageSize returns a copy using pageSize for its runs.
func (o *Orchestrator) WithPageSize(pageSize int) *Orchestrator {
	if pageSize <= 0 {
		return o
	}
	cp := *o
	cp.pageSize = min(pageSize, MaxPageSize)
	return &cp
}

// PageSize reports the page size used for runs.
func (o *Orchestrator) PageSize() int {
	return o.pageSize
}

// ReindexAll indexes every product matching filters. Product failures are
// recorded and the run continues; a catalog query failure or cancellation
// (checked between pages) ends the run and is returned with the partial summary.
//
// Pages are fetched by offset, which assumes the catalog is not shrinking
// during the run: a product deleted from an already visited page shifts later
// rows down and one product per deletion is skipped, leaving
// Indexed+Failed below Total. Products added mid-run raise Total instead.
func (o *Orchestrator) ReindexAll(ctx context.Context, filters models.ReindexFilters, onProgress ProgressFunc) (*models.ReindexSummary, error) {
	log := logger.WithContext(ctx, o.logger)
	start := o.now()
	summary := &models.ReindexSummary{
		Filters:   filters,
		StartedAt: start.UTC(),
		Errors:    []models.ReindexError{},
	}
	agg := popularityAggregate{min: math.Inf(1), max: math.Inf(-1)}

	finish := func(err error) (*models.ReindexSummary, error) {
		summary.DurationMs = o.now().Sub(start).Milliseconds()
		summary.Popularity = agg.stats()
		outcome := summary.Outcome()
		if err != nil {
			outcome = "aborted"
		}
		telemetry.ReindexRuns.WithLabelValues(outcome).Inc()
		log.Info("reindex finished",
			slog.Int("total", summary.Total),
			slog.Int("indexed", summary.Indexed),
			slog.Int("failed", summary.Failed),
			slog.Int64("duration_ms", summary.DurationMs),
			slog.String("outcome", outcome),
		)
		return summary, err
	}

	total, err := o.catalog.CountProducts(ctx, filters)
	if err != nil {
		return finish(fmt.Errorf("count products: %w", err))
	}
	summary.Total = total
	log.Info("reindex started", slog.Int("total", total), slog.Int("page_size", o.pageSize))

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return finish(fmt.Errorf("reindex cancelled before page %d: %w", page, err))
		}

		products, hasMore, err := o.catalog.FindProducts(ctx, filters, page, o.pageSize)
		if err != nil {
			return finish(fmt.Errorf("fetch page %d: %w", page, err))
		}

		for i := range products {
			res := o.indexer.IndexProduct(ctx, products[i].ID)
			if res.Success {
				summary.Indexed++
				if res.Document != nil {
					agg.add(res.Document.Popularity)
				}
			} else {
				summary.Failed++
				if len(summary.Errors) < o.maxErrors {
					summary.Errors = append(summary.Errors, models.ReindexError{ProductID: res.ProductID, Error: res.Error})
				} else {
					summary.ErrorsTruncated = true
				}
			}
			// the catalog grew after counting
			if done := summary.Indexed + summary.Failed; done > summary.Total {
				summary.Total = done
			}
			o.notify(log, onProgress, models.ReindexProgress{
				Total:   summary.Total,
				Indexed: summary.Indexed,
				Failed:  summary.Failed,
			})
		}

		if !hasMore || len(products) == 0 {
			break
		}
	}

	return finish(nil)
}

func (o *Orchestrator) notify(log *slog.Logger, fn ProgressFunc, p models.ReindexProgress) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Warn("progress callback panicked", slog.Any("panic", r))
		}
	}()
	fn(p)
}

type popularityAggregate struct {
	sum      float64
	count    int
	min, max float64
}

func (a *popularityAggregate) add(v float64) {
	a.sum += v
	a.count++
	a.min = math.Min(a.min, v)
	a.max = math.Max(a.max, v)
}

func (a *popularityAggregate) stats() *models.PopularityStats {
	if a.count == 0 {
		return nil
	}
	return &models.PopularityStats{
		Average: math.Round(a.sum/float64(a.count)*100) / 100,
		Min:     a.min,
		Max:     a.max,
	}
}
