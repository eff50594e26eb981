package search

import (
	"context"
	"fmt"
	"sync"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/models"
)

// Memory is an in-process engine. Documents are stored by index and id.
type Memory struct {
	mu        sync.RWMutex
	indices   map[string]map[string]models.SearchDocument
	versions  map[string]int64
	available bool
	failWith  error
}

// NewMemory creates an empty, available engine.
func NewMemory() *Memory {
	return &Memory{
		indices:   make(map[string]map[string]models.SearchDocument),
		versions:  make(map[string]int64),
		available: true,
	}
}

// FailWith makes every upsert return err until called again with nil.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// SetAvailable toggles the IsAvailable answer.
func (m *Memory) SetAvailable(ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.available = ok
}

func (m *Memory) UpsertDocument(_ context.Context, index string, doc *models.SearchDocument) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return "", m.failWith
	}
	docs, ok := m.indices[index]
	if !ok {
		docs = make(map[string]models.SearchDocument)
		m.indices[index] = docs
	}
	stored := *doc
	stored.Tags = append([]string(nil), doc.Tags...)
	docs[doc.ID] = stored

	key := index + "/" + doc.ID
	m.versions[key]++
	return fmt.Sprintf("%s@v%d", key, m.versions[key]), nil
}

func (m *Memory) GetDocument(_ context.Context, index, id string) (*models.SearchDocument, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.indices[index][id]
	if !ok {
		return nil, apperrors.NotFound("document", id)
	}
	return &doc, nil
}

func (m *Memory) GetIndexStats(_ context.Context, index string) (models.IndexStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.IndexStats{DocumentCount: int64(len(m.indices[index]))}, nil
}

func (m *Memory) IsAvailable(context.Context) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.available
}
