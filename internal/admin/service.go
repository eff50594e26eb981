// Package admin holds the operator actions shared by the CLI and the admin HTTP API.
package admin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/models"
	"search-indexer/internal/queue"
	"search-indexer/internal/reindex"
	"search-indexer/internal/search"
	"search-indexer/internal/telemetry"
)

// MaxBatchSize bounds the per-run page size an operator may request.
const MaxBatchSize = reindex.MaxPageSize

// ProductIndexer indexes one product into a named index.
type ProductIndexer interface {
	IndexProduct(ctx context.Context, productID string) models.IndexResult
	Index() string
}

// Service exposes status, recovery and reindex operations.
type Service struct {
	store        queue.Store
	engine       search.Engine
	indexer      ProductIndexer
	orchestrator *reindex.Orchestrator
	logger       *slog.Logger
}

// New creates the admin service.
func New(store queue.Store, engine search.Engine, ix ProductIndexer, o *reindex.Orchestrator, logger *slog.Logger) *Service {
	return &Service{
		store:        store,
		engine:       engine,
		indexer:      ix,
		orchestrator: o,
		logger:       logger,
	}
}

// GetQueueStats reports how many jobs each queue holds.
func (s *Service) GetQueueStats(ctx context.Context) (models.QueueStats, error) {
	return s.store.Stats(ctx)
}

// ClearQueue empties one queue. Confirmation is the caller's job.
func (s *Service) ClearQueue(ctx context.Context, name string) (int64, error) {
	q, err := models.ParseQueueName(name)
	if err != nil {
		return 0, apperrors.InvalidInput(err.Error())
	}
	n, err := s.store.Clear(ctx, string(q))
	if err != nil {
		return 0, err
	}
	s.logger.Warn("queue cleared", slog.String("queue", string(q)), slog.Int64("removed", n))
	return n, nil
}

// RetryFailedJobs moves every failed job back to main with attempts reset.
func (s *Service) RetryFailedJobs(ctx context.Context) (int64, error) {
	n, err := s.store.RequeueFailed(ctx)
	if err != nil {
		return 0, err
	}
	s.logger.Info("failed jobs requeued", slog.Int64("count", n))
	return n, nil
}

// ListFailed returns up to limit jobs from the failed queue.
func (s *Service) ListFailed(ctx context.Context, limit int64) ([]models.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListFailed(ctx, limit)
}

// EnqueueReindexJob schedules a filtered reindex for a worker and returns the job id.
func (s *Service) EnqueueReindexJob(ctx context.Context, filters models.ReindexFilters) (string, error) {
	id, err := s.store.Enqueue(ctx, models.KindReindexFiltered, filters)
	if err != nil {
		return "", err
	}
	telemetry.JobsEnqueued.WithLabelValues(string(models.KindReindexFiltered)).Inc()
	s.logger.Info("reindex job enqueued", slog.String("job_id", id))
	return id, nil
}

// EnqueueProductIndex schedules one product for indexing.
func (s *Service) EnqueueProductIndex(ctx context.Context, productID string) (string, error) {
	productID = strings.TrimSpace(productID)
	if productID == "" {
		return "", apperrors.InvalidInput("product id is required")
	}
	id, err := s.store.Enqueue(ctx, models.KindIndexSingle, models.IndexSinglePayload{ProductID: productID})
	if err != nil {
		return "", err
	}
	telemetry.JobsEnqueued.WithLabelValues(string(models.KindIndexSingle)).Inc()
	return id, nil
}

// ValidateBatchSize accepts 0 (use the default) or 1..MaxBatchSize.
func ValidateBatchSize(n int) error {
	if n < 0 || n > MaxBatchSize {
		return apperrors.InvalidInput(fmt.Sprintf("batch size must be between 1 and %d", MaxBatchSize))
	}
	return nil
}

// Reindex runs a filtered reindex in the calling goroutine. batchSize 0 keeps
// the configured page size.
func (s *Service) Reindex(ctx context.Context, filters models.ReindexFilters, batchSize int, onProgress reindex.ProgressFunc) (*models.ReindexSummary, error) {
	if err := ValidateBatchSize(batchSize); err != nil {
		return nil, err
	}
	return s.orchestrator.WithPageSize(batchSize).ReindexAll(ctx, filters, onProgress)
}

// IndexStatus combines queue depth with the search index state.
type IndexStatus struct {
	Queue     models.QueueStats `json:"queue"`
	Index     string            `json:"index"`
	Stats     models.IndexStats `json:"stats"`
	Available bool              `json:"available"`
	// StatsError is set when the engine was reachable but stats could not be read.
	StatsError string `json:"statsError,omitempty"`
}

// IndexStatus gathers queue and engine statistics. Only a job store failure is an error.
func (s *Service) IndexStatus(ctx context.Context) (*IndexStatus, error) {
	qs, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	status := &IndexStatus{
		Queue:     qs,
		Index:     s.indexer.Index(),
		Available: s.engine.IsAvailable(ctx),
	}
	if !status.Available {
		return status, nil
	}
	stats, err := s.engine.GetIndexStats(ctx, status.Index)
	if err != nil {
		status.StatsError = err.Error()
		return status, nil
	}
	status.Stats = stats
	return status, nil
}

// TestIndexResult is the outcome of indexing one product and reading it back.
type TestIndexResult struct {
	Result   models.IndexResult     `json:"result"`
	Document *models.SearchDocument `json:"document,omitempty"`
}

// TestIndex indexes productID immediately, bypassing the queue, and fetches the stored document.
func (s *Service) TestIndex(ctx context.Context, productID string) (*TestIndexResult, error) {
	if strings.TrimSpace(productID) == "" {
		return nil, apperrors.InvalidInput("product id is required")
	}
	out := &TestIndexResult{Result: s.indexer.IndexProduct(ctx, productID)}
	if !out.Result.Success {
		return out, nil
	}
	doc, err := s.engine.GetDocument(ctx, s.indexer.Index(), productID)
	if err != nil {
		return out, fmt.Errorf("read back %s: %w", productID, err)
	}
	out.Document = doc
	return out, nil
}
