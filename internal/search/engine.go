// Package search holds the search engine adapters the indexer writes to.
package search

import (
	"context"

	"search-indexer/internal/models"
)

// DefaultIndex is the index product documents are written to.
const DefaultIndex = "products"

// Engine is the narrow contract the indexer needs from a search backend.
type Engine interface {
	// UpsertDocument replaces the document stored under doc.ID and returns an engine task id.
	UpsertDocument(ctx context.Context, index string, doc *models.SearchDocument) (string, error)
	// GetDocument returns apperrors.ErrNotFound when no document has that id.
	GetDocument(ctx context.Context, index, id string) (*models.SearchDocument, error)
	GetIndexStats(ctx context.Context, index string) (models.IndexStats, error)
	IsAvailable(ctx context.Context) bool
}
