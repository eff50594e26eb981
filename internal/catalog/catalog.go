// Package catalog reads products and their relations from the catalog store.
// The indexer never writes back.
package catalog

import (
	"context"

	"search-indexer/internal/models"
)

// Catalog is the read-only view of the product catalog.
type Catalog interface {
	// FindProductByID returns apperrors.ErrNotFound when the product does not exist.
	FindProductByID(ctx context.Context, id string) (*models.ProductRecord, error)
	// FindProducts returns one page (1-based) in created_at DESC, id DESC order and whether more pages follow.
	FindProducts(ctx context.Context, filters models.ReindexFilters, page, pageSize int) ([]models.ProductRecord, bool, error)
	CountProducts(ctx context.Context, filters models.ReindexFilters) (int, error)
}
