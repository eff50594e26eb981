package catalog

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/models"
)

func TestMemory_PagingOrderAndFilters(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMemory()
	for i := 0; i < 5; i++ {
		status := "ACTIVE"
		if i%2 == 1 {
			status = "DRAFT"
		}
		m.Put(models.ProductRecord{
			ID:        fmt.Sprintf("p%d", i),
			Status:    status,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		})
	}
	// same timestamp as p4, breaks the tie by id
	m.Put(models.ProductRecord{ID: "p5", Status: "ACTIVE", CreatedAt: base.Add(4 * time.Hour)})

	ctx := context.Background()
	active := "ACTIVE"
	filters := models.ReindexFilters{Status: &active}

	n, err := m.CountProducts(ctx, filters)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	page1, more, err := m.FindProducts(ctx, filters, 1, 3)
	require.NoError(t, err)
	assert.True(t, more)
	assert.Equal(t, []string{"p5", "p4", "p2"}, ids(page1))

	page2, more, err := m.FindProducts(ctx, filters, 2, 3)
	require.NoError(t, err)
	assert.False(t, more)
	assert.Equal(t, []string{"p0"}, ids(page2))
}

func TestMemory_NotFound(t *testing.T) {
	_, err := NewMemory().FindProductByID(context.Background(), "missing-id")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func ids(products []models.ProductRecord) []string {
	out := make([]string, 0, len(products))
	for _, p := range products {
		out = append(out, p.ID)
	}
	return out
}
