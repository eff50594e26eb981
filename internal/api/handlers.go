package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"search-indexer/internal/admin"
	"search-indexer/internal/models"
	"search-indexer/internal/ratelimit"
	"search-indexer/internal/telemetry"
)

type reindexQuery struct {
	Category  string `validate:"omitempty,max=64"`
	Vendor    string `validate:"omitempty,max=64"`
	Status    string `validate:"omitempty,max=32"`
	BatchSize int    `validate:"omitempty,gte=1,lte=500"`
	Async     bool
}

func (q reindexQuery) filters() models.ReindexFilters {
	var f models.ReindexFilters
	if q.Category != "" {
		f.CategoryID = &q.Category
	}
	if q.Vendor != "" {
		f.VendorID = &q.Vendor
	}
	if q.Status != "" {
		f.Status = &q.Status
	}
	return f
}

// ReindexResponse is returned by POST /reindex, including on 5xx.
type ReindexResponse struct {
	Summary        *models.ReindexSummary `json:"summary,omitempty"`
	ReindexJobID   string                 `json:"reindexJobId,omitempty"`
	PartialFailure bool                   `json:"partialFailure"`
	TotalFailure   bool                   `json:"totalFailure"`
	Error          string                 `json:"error,omitempty"`
}

func parseReindexQuery(r *http.Request) (reindexQuery, map[string]string) {
	v := r.URL.Query()
	q := reindexQuery{
		Category: v.Get("category"),
		Vendor:   v.Get("vendor"),
		Status:   v.Get("status"),
	}
	bad := map[string]string{}
	if raw := v.Get("batchSize"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			bad["batchSize"] = "must be an integer"
		} else if n == 0 {
			bad["batchSize"] = "must be greater than or equal to 1"
		}
		q.BatchSize = n
	}
	if raw := v.Get("async"); raw != "" {
		async, err := strconv.ParseBool(raw)
		if err != nil {
			bad["async"] = "must be a boolean"
		}
		q.Async = async
	}
	return q, bad
}

func (s *Server) handleReindex(w http.ResponseWriter, r *http.Request) {
	q, bad := parseReindexQuery(r)
	if len(bad) > 0 {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: ErrorBody{
			Code: "VALIDATION_ERROR", Message: "request validation failed", Fields: bad,
		}})
		return
	}
	if err := validate.Struct(q); err != nil {
		writeValidationError(w, err)
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "reindex:"+ratelimit.CallerKey(tokenFromContext(r.Context())))
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeErrorCode(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many reindex requests")
			return
		}
	}

	if q.Async {
		id, err := s.admin.EnqueueReindexJob(r.Context(), q.filters())
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, ReindexResponse{ReindexJobID: id})
		return
	}

	summary, err := s.admin.Reindex(r.Context(), q.filters(), q.BatchSize, nil)
	if err != nil && summary == nil {
		s.writeError(w, r, err)
		return
	}

	resp := ReindexResponse{Summary: summary}
	switch summary.Outcome() {
	case models.OutcomePartialFailure:
		resp.PartialFailure = true
	case models.OutcomeTotalFailure:
		resp.TotalFailure = true
	}

	code := http.StatusOK
	switch {
	case err != nil:
		code = http.StatusInternalServerError
		resp.Error = err.Error()
		s.logger.ErrorContext(r.Context(), "reindex aborted", slog.String("error", err.Error()))
	case resp.TotalFailure:
		code = http.StatusBadGateway
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleIndexStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.admin.IndexStatus(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.admin.GetQueueStats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListFailed(w http.ResponseWriter, r *http.Request) {
	limit := int64(100)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 || n > 1000 {
			writeErrorCode(w, http.StatusBadRequest, "INVALID_INPUT", "limit must be between 1 and 1000")
			return
		}
		limit = n
	}
	jobs, err := s.admin.ListFailed(r.Context(), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (s *Server) handleRetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := s.admin.RetryFailedJobs(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"requeued": n})
}

func (s *Server) handleClearQueue(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := models.ParseQueueName(name); err != nil {
		writeErrorCode(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}
	if r.URL.Query().Get("confirm") != "true" {
		writeErrorCode(w, http.StatusBadRequest, "CONFIRMATION_REQUIRED", "clearing a queue is irreversible; repeat with confirm=true")
		return
	}
	n, err := s.admin.ClearQueue(r.Context(), name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"queue": name, "removed": n})
}

type testIndexResponse struct {
	*admin.TestIndexResult
	Error string `json:"error,omitempty"`
}

func (s *Server) handleIndexProduct(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if r.URL.Query().Get("sync") == "true" {
		out, err := s.admin.TestIndex(r.Context(), id)
		if err != nil && out == nil {
			s.writeError(w, r, err)
			return
		}
		if err != nil {
			// indexed, but the stored document could not be read back
			writeJSON(w, http.StatusBadGateway, testIndexResponse{TestIndexResult: out, Error: err.Error()})
			return
		}
		code := http.StatusOK
		if !out.Result.Success {
			code = http.StatusBadGateway
			if out.Result.Permanent {
				code = http.StatusNotFound
			}
		}
		writeJSON(w, code, out)
		return
	}
	jobID, err := s.admin.EnqueueProductIndex(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}
