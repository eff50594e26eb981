// Package indexer projects catalog products into search documents and writes them to the engine.
package indexer

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/catalog"
	"search-indexer/internal/logger"
	"search-indexer/internal/models"
	"search-indexer/internal/search"
	"search-indexer/internal/telemetry"
)

// NotFoundReason is the error text reported for products missing from the catalog.
const NotFoundReason = "not found"

// Indexer runs the load, project and upsert steps for one product. It never retries.
type Indexer struct {
	catalog catalog.Catalog
	engine  search.Engine
	index   string
	logger  *slog.Logger
	tracer  trace.Tracer
}

// New creates an indexer writing to index (search.DefaultIndex when empty).
func New(cat catalog.Catalog, engine search.Engine, index string, logger *slog.Logger) *Indexer {
	if index == "" {
		index = search.DefaultIndex
	}
	return &Indexer{
		catalog: cat,
		engine:  engine,
		index:   index,
		logger:  logger,
		tracer:  otel.Tracer("search-indexer/indexer"),
	}
}

// Index returns the name of the index documents are written to.
func (ix *Indexer) Index() string {
	return ix.index
}

// IndexProduct loads, projects and upserts one product. Failures are reported
// in the result rather than returned; Permanent is set when retrying cannot help.
func (ix *Indexer) IndexProduct(ctx context.Context, productID string) models.IndexResult {
	start := time.Now()
	ctx, span := ix.tracer.Start(ctx, "indexer.IndexProduct",
		trace.WithAttributes(attribute.String("product.id", productID)))
	defer span.End()

	result := models.IndexResult{ProductID: productID}
	finish := func(err error) models.IndexResult {
		elapsed := time.Since(start)
		result.DurationMs = elapsed.Milliseconds()
		telemetry.IndexDuration.Observe(elapsed.Seconds())

		if err == nil {
			result.Success = true
			telemetry.IndexResults.WithLabelValues("success").Inc()
			return result
		}

		result.Err = err
		result.Permanent = apperrors.IsPermanent(err)
		result.Error = err.Error()
		label := "failure"
		if errors.Is(err, apperrors.ErrNotFound) {
			result.Error = NotFoundReason
			label = "not_found"
		}
		telemetry.IndexResults.WithLabelValues(label).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, result.Error)
		logger.WithContext(ctx, ix.logger).Warn("index product failed",
			slog.String("product_id", productID),
			slog.Bool("permanent", result.Permanent),
			slog.String("error", err.Error()),
		)
		return result
	}

	if strings.TrimSpace(productID) == "" {
		return finish(apperrors.InvalidInput("product id is required"))
	}

	record, err := ix.catalog.FindProductByID(ctx, productID)
	if err != nil {
		return finish(err)
	}

	doc := Project(record)
	taskID, err := ix.engine.UpsertDocument(ctx, ix.index, &doc)
	if err != nil {
		return finish(err)
	}

	result.EngineTaskID = taskID
	result.Document = &doc
	span.SetAttributes(attribute.String("engine.task_id", taskID))
	return finish(nil)
}
