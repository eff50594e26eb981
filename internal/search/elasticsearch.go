package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/models"
)

// Elasticsearch writes product documents to an Elasticsearch cluster.
type Elasticsearch struct {
	client *elasticsearch.Client
	logger *slog.Logger
}

type esIndexResponse struct {
	Index   string `json:"_index"`
	ID      string `json:"_id"`
	Version int64  `json:"_version"`
	Result  string `json:"result"`
}

type esGetResponse struct {
	Found  bool                  `json:"found"`
	Source models.SearchDocument `json:"_source"`
}

type esStatsResponse struct {
	All struct {
		Primaries struct {
			Docs struct {
				Count int64 `json:"count"`
			} `json:"docs"`
			Indexing struct {
				IndexCurrent int64 `json:"index_current"`
			} `json:"indexing"`
		} `json:"primaries"`
	} `json:"_all"`
}

type esErrorResponse struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
	Status int `json:"status"`
}

// NewElasticsearch creates a client for the cluster at url.
func NewElasticsearch(url string, logger *slog.Logger) (*Elasticsearch, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{url},
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: create client: %w", err)
	}
	return &Elasticsearch{client: client, logger: logger}, nil
}

// EnsureIndex creates index with the product mapping unless it already exists.
func (e *Elasticsearch) EnsureIndex(ctx context.Context, index string) error {
	res, err := e.client.Indices.Exists([]string{index}, e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return apperrors.Unavailable("elasticsearch", err)
	}
	_ = res.Body.Close()
	if res.StatusCode == http.StatusOK {
		e.logger.Debug("elasticsearch index already exists", "index", index)
		return nil
	}

	res, err = e.client.Indices.Create(
		index,
		e.client.Indices.Create.WithBody(strings.NewReader(productsMapping)),
		e.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return apperrors.Unavailable("elasticsearch", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return responseError("create index", res)
	}
	e.logger.Info("elasticsearch index created", "index", index)
	return nil
}

// UpsertDocument overwrites the document stored under doc.ID.
func (e *Elasticsearch) UpsertDocument(ctx context.Context, index string, doc *models.SearchDocument) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", apperrors.Permanent(fmt.Errorf("elasticsearch index: marshal document: %w", err))
	}

	res, err := e.client.Index(
		index,
		bytes.NewReader(data),
		e.client.Index.WithDocumentID(doc.ID),
		e.client.Index.WithContext(ctx),
	)
	if err != nil {
		return "", apperrors.Unavailable("elasticsearch", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.IsError() {
		return "", responseError("index", res)
	}

	var out esIndexResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("elasticsearch index: decode response: %w", err)
	}
	e.logger.Debug("indexed product", "id", doc.ID, "result", out.Result, "version", out.Version)
	return fmt.Sprintf("%s/%s@v%d", out.Index, out.ID, out.Version), nil
}

// GetDocument reads one document back by id.
func (e *Elasticsearch) GetDocument(ctx context.Context, index, id string) (*models.SearchDocument, error) {
	res, err := e.client.Get(index, id, e.client.Get.WithContext(ctx))
	if err != nil {
		return nil, apperrors.Unavailable("elasticsearch", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotFound {
		return nil, apperrors.NotFound("document", id)
	}
	if res.IsError() {
		return nil, responseError("get", res)
	}

	var out esGetResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("elasticsearch get: decode response: %w", err)
	}
	if !out.Found {
		return nil, apperrors.NotFound("document", id)
	}
	return &out.Source, nil
}

// GetIndexStats reports the primary document count and whether indexing is in progress.
func (e *Elasticsearch) GetIndexStats(ctx context.Context, index string) (models.IndexStats, error) {
	res, err := e.client.Indices.Stats(
		e.client.Indices.Stats.WithIndex(index),
		e.client.Indices.Stats.WithMetric("docs", "indexing"),
		e.client.Indices.Stats.WithContext(ctx),
	)
	if err != nil {
		return models.IndexStats{}, apperrors.Unavailable("elasticsearch", err)
	}
	defer func() { _ = res.Body.Close() }()
	if res.StatusCode == http.StatusNotFound {
		return models.IndexStats{}, apperrors.NotFound("index", index)
	}
	if res.IsError() {
		return models.IndexStats{}, responseError("stats", res)
	}

	var out esStatsResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return models.IndexStats{}, fmt.Errorf("elasticsearch stats: decode response: %w", err)
	}
	return models.IndexStats{
		DocumentCount: out.All.Primaries.Docs.Count,
		IsIndexing:    out.All.Primaries.Indexing.IndexCurrent > 0,
	}, nil
}

// IsAvailable pings the cluster.
func (e *Elasticsearch) IsAvailable(ctx context.Context) bool {
	res, err := e.client.Ping(e.client.Ping.WithContext(ctx))
	if err != nil {
		return false
	}
	defer func() { _ = res.Body.Close() }()
	return !res.IsError()
}

// responseError turns an error response into an apperror. Rejected documents
// are permanent; throttling and server faults are worth retrying.
func responseError(op string, res *esapi.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	msg := fmt.Sprintf("elasticsearch %s: unexpected status %s", op, res.Status())
	var errResp esErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error.Type != "" {
		msg = fmt.Sprintf("elasticsearch %s: %s: %s", op, errResp.Error.Type, errResp.Error.Reason)
	}

	err := errors.New(msg)
	switch {
	case res.StatusCode == http.StatusTooManyRequests || res.StatusCode >= 500:
		return apperrors.Unavailable("elasticsearch", err)
	case res.StatusCode == http.StatusBadRequest:
		return apperrors.Permanent(err)
	default:
		return err
	}
}
