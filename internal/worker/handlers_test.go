package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/logger"
	"search-indexer/internal/models"
	"search-indexer/internal/reindex"
)

type fakeReindexer struct {
	summary *models.ReindexSummary
	err     error
	got     models.ReindexFilters
}

func (f *fakeReindexer) ReindexAll(_ context.Context, filters models.ReindexFilters, _ reindex.ProgressFunc) (*models.ReindexSummary, error) {
	f.got = filters
	return f.summary, f.err
}

type fakeSaver struct {
	jobIDs []string
	err    error
}

func (f *fakeSaver) Save(_ context.Context, _ *models.ReindexSummary, jobID string) (string, error) {
	f.jobIDs = append(f.jobIDs, jobID)
	return "mem://" + jobID, f.err
}

func reindexJob(t *testing.T, payload string) *models.Job {
	t.Helper()
	return &models.Job{ID: "job-1", Kind: models.KindReindexFiltered, Payload: json.RawMessage(payload)}
}

func TestReindexHandler_PassesFiltersAndArchives(t *testing.T) {
	r := &fakeReindexer{summary: &models.ReindexSummary{Total: 2, Indexed: 1, Failed: 1}}
	saver := &fakeSaver{}
	h := ReindexHandler(r, saver, logger.Discard())

	err := h(context.Background(), reindexJob(t, `{"status":"ACTIVE","vendor_id":"v9"}`))
	require.NoError(t, err)
	require.NotNil(t, r.got.Status)
	assert.Equal(t, "ACTIVE", *r.got.Status)
	assert.Equal(t, "v9", *r.got.VendorID)
	assert.Nil(t, r.got.CategoryID)
	assert.Equal(t, []string{"job-1"}, saver.jobIDs)
}

func TestReindexHandler_TotalFailureIsRetryable(t *testing.T) {
	r := &fakeReindexer{summary: &models.ReindexSummary{
		Total: 2, Failed: 2,
		Errors: []models.ReindexError{{ProductID: "p1", Error: "engine down"}},
	}}
	err := ReindexHandler(r, nil, logger.Discard())(context.Background(), reindexJob(t, `{}`))
	require.Error(t, err)
	assert.False(t, apperrors.IsPermanent(err))
	assert.Contains(t, err.Error(), "p1: engine down")
}

func TestReindexHandler_EmptyRunSucceeds(t *testing.T) {
	r := &fakeReindexer{summary: &models.ReindexSummary{}}
	assert.NoError(t, ReindexHandler(r, nil, logger.Discard())(context.Background(), reindexJob(t, `{}`)))
}

func TestReindexHandler_AbortedRunStillArchives(t *testing.T) {
	r := &fakeReindexer{summary: &models.ReindexSummary{Total: 10, Indexed: 4}, err: errors.New("catalog query timeout")}
	saver := &fakeSaver{err: errors.New("disk full")}
	err := ReindexHandler(r, saver, logger.Discard())(context.Background(), reindexJob(t, `{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "catalog query timeout")
	assert.Len(t, saver.jobIDs, 1)
}

func TestReindexHandler_BadPayloadIsPermanent(t *testing.T) {
	err := ReindexHandler(&fakeReindexer{}, nil, logger.Discard())(context.Background(), reindexJob(t, `{"status":7}`))
	assert.True(t, apperrors.IsPermanent(err))
}

type stubIndexer models.IndexResult

func (s stubIndexer) IndexProduct(context.Context, string) models.IndexResult {
	return models.IndexResult(s)
}

func TestIndexSingleHandler(t *testing.T) {
	job := &models.Job{ID: "j", Kind: models.KindIndexSingle, Payload: json.RawMessage(`{"product_id":"p1"}`)}

	assert.NoError(t, IndexSingleHandler(stubIndexer{Success: true})(context.Background(), job))

	err := IndexSingleHandler(stubIndexer{Error: "timeout"})(context.Background(), job)
	require.Error(t, err)
	assert.False(t, apperrors.IsPermanent(err))

	err = IndexSingleHandler(stubIndexer{Error: "not found", Permanent: true})(context.Background(), job)
	assert.True(t, apperrors.IsPermanent(err))
	assert.Contains(t, err.Error(), "not found")
}
