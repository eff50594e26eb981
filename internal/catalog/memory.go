package catalog

import (
	"context"
	"sort"
	"sync"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/models"
)

// Memory is an in-process catalog for tests and local runs.
type Memory struct {
	mu       sync.RWMutex
	products map[string]models.ProductRecord
	// Err, when set, fails every query.
	Err error
}

// NewMemory seeds a catalog with products.
func NewMemory(products ...models.ProductRecord) *Memory {
	m := &Memory{products: make(map[string]models.ProductRecord, len(products))}
	for _, p := range products {
		m.products[p.ID] = p
	}
	return m
}

// Put inserts or replaces a product.
func (m *Memory) Put(p models.ProductRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

// Delete removes a product if present.
func (m *Memory) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, id)
}

func (m *Memory) FindProductByID(_ context.Context, id string) (*models.ProductRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, m.Err
	}
	p, ok := m.products[id]
	if !ok {
		return nil, apperrors.NotFound("product", id)
	}
	return &p, nil
}

func (m *Memory) FindProducts(_ context.Context, filters models.ReindexFilters, page, pageSize int) ([]models.ProductRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return nil, false, m.Err
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	if page < 1 {
		page = 1
	}

	matched := m.matching(filters)
	start := (page - 1) * pageSize
	if start >= len(matched) {
		return []models.ProductRecord{}, false, nil
	}
	end := min(start+pageSize, len(matched))
	return matched[start:end], end < len(matched), nil
}

func (m *Memory) CountProducts(_ context.Context, filters models.ReindexFilters) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return len(m.matching(filters)), nil
}

func (m *Memory) matching(f models.ReindexFilters) []models.ProductRecord {
	out := make([]models.ProductRecord, 0, len(m.products))
	for _, p := range m.products {
		if f.Status != nil && p.Status != *f.Status {
			continue
		}
		if f.CategoryID != nil && (p.CategoryID == nil || *p.CategoryID != *f.CategoryID) {
			continue
		}
		if f.VendorID != nil && (p.VendorID == nil || *p.VendorID != *f.VendorID) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}
