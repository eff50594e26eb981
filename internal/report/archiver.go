// Package report archives reindex summaries as JSON documents.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"search-indexer/internal/config"
	"search-indexer/internal/models"
)

// Document is the archived form of a run.
type Document struct {
	JobID   string                 `json:"jobId,omitempty"`
	Outcome string                 `json:"outcome"`
	Summary *models.ReindexSummary `json:"summary"`
}

// Archiver writes reindex summaries through an Uploader.
type Archiver struct {
	uploader Uploader
	logger   *slog.Logger
}

// NewArchiver wraps an uploader.
func NewArchiver(u Uploader, logger *slog.Logger) *Archiver {
	return &Archiver{uploader: u, logger: logger}
}

// FromConfig picks S3 when a bucket is configured, then a local directory.
// It returns nil when archival is disabled.
func FromConfig(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Archiver, error) {
	switch {
	case cfg.ReportS3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return NewArchiver(NewS3Uploader(client, cfg.ReportS3Bucket), logger), nil
	case cfg.ReportDir != "":
		return NewArchiver(NewLocalUploader(cfg.ReportDir), logger), nil
	default:
		return nil, nil
	}
}

// Save uploads summary and returns its location. jobID may be empty for
// runs that did not come from the queue.
func (a *Archiver) Save(ctx context.Context, summary *models.ReindexSummary, jobID string) (string, error) {
	body, err := json.MarshalIndent(Document{
		JobID:   jobID,
		Outcome: summary.Outcome(),
		Summary: summary,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}

	location, err := a.uploader.Upload(ctx, Key(summary, jobID), body, "application/json")
	if err != nil {
		return "", fmt.Errorf("upload report: %w", err)
	}
	a.logger.Info("reindex report archived", slog.String("location", location))
	return location, nil
}

// Key names the object for a run: reindex/YYYY/MM/DD/<start>-<job>.json.
func Key(summary *models.ReindexSummary, jobID string) string {
	if jobID == "" {
		jobID = "manual"
	}
	started := summary.StartedAt.UTC()
	return fmt.Sprintf("reindex/%s/%s-%s.json",
		started.Format("2006/01/02"), started.Format("150405.000"), jobID)
}
