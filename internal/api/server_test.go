package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"search-indexer/internal/admin"
	"search-indexer/internal/catalog"
	"search-indexer/internal/indexer"
	"search-indexer/internal/logger"
	"search-indexer/internal/models"
	"search-indexer/internal/queue"
	"search-indexer/internal/ratelimit"
	"search-indexer/internal/reindex"
	"search-indexer/internal/search"
)

const (
	readToken  = "read-token"
	writeToken = "write-token"
)

type testEnv struct {
	handler http.Handler
	store   *queue.MemoryStore
	catalog *catalog.Memory
	engine  *search.Memory
}

func newTestEnv(t *testing.T, limiter ratelimit.Limiter, checks map[string]Checker) *testEnv {
	t.Helper()
	cat := catalog.NewMemory()
	engine := search.NewMemory()
	store := queue.NewMemoryStore(queue.Options{})
	ix := indexer.New(cat, engine, "", logger.Discard())
	o := reindex.New(cat, ix, reindex.Options{PageSize: 10}, logger.Discard())
	svc := admin.New(store, engine, ix, o, logger.Discard())
	srv := New(svc, NewTokenSet(readToken, writeToken), limiter, checks, logger.Discard())
	return &testEnv{handler: srv.Router(), store: store, catalog: cat, engine: engine}
}

func (e *testEnv) seed(status string, n int) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		e.catalog.Put(models.ProductRecord{
			ID:          fmt.Sprintf("%s-%d", status, i),
			Name:        "product",
			Status:      status,
			Rating:      4.5,
			ReviewCount: 10,
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		})
	}
}

func (e *testEnv) do(t *testing.T, method, target, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec := env.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestReady(t *testing.T) {
	env := newTestEnv(t, nil, map[string]Checker{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	})
	rec := env.do(t, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	body := decode[readyResponse](t, rec)
	assert.Equal(t, "down", body.Status)
	assert.Equal(t, "up", body.Checks["redis"])
	assert.Equal(t, "connection refused", body.Checks["postgres"])
}

func TestAuth(t *testing.T) {
	env := newTestEnv(t, nil, nil)

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/reindex", "").Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/reindex", "nope").Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/reindex", readToken).Code)
	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodPost, "/reindex", readToken).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/reindex", writeToken).Code)

	req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	req.Header.Set("Authorization", "Basic "+readToken)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPostReindex_Success(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seed("ACTIVE", 12)
	env.seed("DRAFT", 5)

	rec := env.do(t, http.MethodPost, "/reindex?status=ACTIVE&batchSize=5", writeToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	resp := decode[ReindexResponse](t, rec)
	require.NotNil(t, resp.Summary)
	assert.Equal(t, 12, resp.Summary.Total)
	assert.Equal(t, 12, resp.Summary.Indexed)
	assert.False(t, resp.PartialFailure)
	assert.False(t, resp.TotalFailure)
	assert.Empty(t, resp.ReindexJobID)
}

func TestPostReindex_TotalFailure(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seed("ACTIVE", 3)
	env.engine.FailWith(errors.New("cluster red"))

	rec := env.do(t, http.MethodPost, "/reindex", writeToken)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	resp := decode[ReindexResponse](t, rec)
	assert.True(t, resp.TotalFailure)
	assert.Equal(t, 3, resp.Summary.Failed)
	assert.Len(t, resp.Summary.Errors, 3)
}

func TestPostReindex_CatalogFailureReturnsSummary(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seed("ACTIVE", 3)
	env.catalog.Err = errors.New("catalog down")

	rec := env.do(t, http.MethodPost, "/reindex", writeToken)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decode[ReindexResponse](t, rec)
	require.NotNil(t, resp.Summary)
	assert.Contains(t, resp.Error, "catalog down")
}

func TestPostReindex_Async(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	rec := env.do(t, http.MethodPost, "/reindex?async=true&vendor=v1", writeToken)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[ReindexResponse](t, rec)
	assert.NotEmpty(t, resp.ReindexJobID)
	assert.Nil(t, resp.Summary)

	job, err := env.store.ClaimNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, resp.ReindexJobID, job.ID)
	filters, err := job.Filters()
	require.NoError(t, err)
	assert.Equal(t, "v1", *filters.VendorID)
}

func TestPostReindex_InvalidBatchSize(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	for _, q := range []string{"batchSize=0", "batchSize=501", "batchSize=-3", "batchSize=ten", "async=maybe"} {
		rec := env.do(t, http.MethodPost, "/reindex?"+q, writeToken)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		body := decode[ErrorResponse](t, rec)
		assert.Equal(t, "VALIDATION_ERROR", body.Error.Code, q)
	}
	stats, _ := env.store.Stats(context.Background())
	assert.Equal(t, models.QueueStats{}, stats)
}

func TestPostReindex_RateLimited(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	limiter := ratelimit.NewTokenBucket(client, "", 1, 0.0001, time.Minute)

	env := newTestEnv(t, limiter, nil)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/reindex", writeToken).Code)
	rec := env.do(t, http.MethodPost, "/reindex", writeToken)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestGetReindex(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seed("ACTIVE", 2)
	require.Equal(t, http.StatusOK, env.do(t, http.MethodPost, "/reindex", writeToken).Code)

	rec := env.do(t, http.MethodGet, "/reindex", readToken)
	require.Equal(t, http.StatusOK, rec.Code)
	status := decode[admin.IndexStatus](t, rec)
	assert.True(t, status.Available)
	assert.Equal(t, int64(2), status.Stats.DocumentCount)
	assert.Equal(t, "products", status.Index)
}

func TestQueueEndpoints(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := env.store.Enqueue(ctx, models.KindIndexSingle, models.IndexSinglePayload{ProductID: "p"})
		require.NoError(t, err)
	}
	job, err := env.store.ClaimNext(ctx)
	require.NoError(t, err)
	_, err = env.store.Retry(ctx, job, queue.RetryParams{Error: "not found", Permanent: true})
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/queue/stats", readToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"mainQueue":2,"processingQueue":0,"failedQueue":1}`, rec.Body.String())

	rec = env.do(t, http.MethodGet, "/queue/failed?limit=10", readToken)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[map[string][]models.Job](t, rec)
	require.Len(t, list["items"], 1)
	assert.Equal(t, job.ID, list["items"][0].ID)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/queue/failed?limit=0", readToken).Code)

	rec = env.do(t, http.MethodPost, "/queue/failed/retry", writeToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"requeued":1}`, rec.Body.String())

	rec = env.do(t, http.MethodDelete, "/queue/main", writeToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "CONFIRMATION_REQUIRED", decode[ErrorResponse](t, rec).Error.Code)

	rec = env.do(t, http.MethodDelete, "/queue/bogus?confirm=true", writeToken)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/queue/main?confirm=true", writeToken)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"queue":"main","removed":3}`, rec.Body.String())

	assert.Equal(t, http.StatusForbidden, env.do(t, http.MethodDelete, "/queue/main?confirm=true", readToken).Code)
}

func TestIndexProductEndpoint(t *testing.T) {
	env := newTestEnv(t, nil, nil)
	env.seed("ACTIVE", 1)

	rec := env.do(t, http.MethodPost, "/products/ACTIVE-0/index", writeToken)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.NotEmpty(t, decode[map[string]string](t, rec)["jobId"])

	rec = env.do(t, http.MethodPost, "/products/ACTIVE-0/index?sync=true", writeToken)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode[admin.TestIndexResult](t, rec)
	assert.True(t, out.Result.Success)
	require.NotNil(t, out.Document)
	assert.Equal(t, "ACTIVE-0", out.Document.ID)

	rec = env.do(t, http.MethodPost, "/products/missing-id/index?sync=true", writeToken)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// unreadableEngine accepts writes but fails every document read.
type unreadableEngine struct{ *search.Memory }

func (unreadableEngine) GetDocument(context.Context, string, string) (*models.SearchDocument, error) {
	return nil, errors.New("read timeout")
}

func TestIndexProductEndpoint_ReadBackFailure(t *testing.T) {
	cat := catalog.NewMemory(models.ProductRecord{ID: "p1", Name: "product", Status: "ACTIVE", CreatedAt: time.Now()})
	engine := unreadableEngine{search.NewMemory()}
	ix := indexer.New(cat, engine, "", logger.Discard())
	svc := admin.New(queue.NewMemoryStore(queue.Options{}), engine, ix,
		reindex.New(cat, ix, reindex.Options{}, logger.Discard()), logger.Discard())
	h := New(svc, NewTokenSet(readToken, writeToken), nil, nil, logger.Discard()).Router()

	req := httptest.NewRequest(http.MethodPost, "/products/p1/index?sync=true", nil)
	req.Header.Set("Authorization", "Bearer "+writeToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Contains(t, body["error"], "read timeout")
	result, ok := body["result"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, result["success"])
}

func TestStoreFailureIsServerError(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := queue.NewRedisStore(client, queue.Options{})
	mr.Close()

	cat := catalog.NewMemory()
	engine := search.NewMemory()
	ix := indexer.New(cat, engine, "", logger.Discard())
	svc := admin.New(store, engine, ix, reindex.New(cat, ix, reindex.Options{}, logger.Discard()), logger.Discard())
	h := New(svc, NewTokenSet(readToken, writeToken), nil, nil, logger.Discard()).Router()

	req := httptest.NewRequest(http.MethodGet, "/queue/stats", nil)
	req.Header.Set("Authorization", "Bearer "+readToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.GreaterOrEqual(t, rec.Code, 500)
}
