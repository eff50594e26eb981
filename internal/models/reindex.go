package models

import "time"

// IndexResult is the outcome of indexing one product.
type IndexResult struct {
	ProductID    string `json:"productId"`
	Success      bool   `json:"success"`
	EngineTaskID string `json:"engineTaskId,omitempty"`
	DurationMs   int64  `json:"durationMs"`
	Error        string `json:"error,omitempty"`

	// Permanent marks failures that no retry can fix (missing product, malformed id).
	Permanent bool            `json:"permanent,omitempty"`
	Err       error           `json:"-"`
	Document  *SearchDocument `json:"-"`
}

// ReindexProgress is a snapshot handed to progress observers after each product.
type ReindexProgress struct {
	Total   int `json:"total"`
	Indexed int `json:"indexed"`
	Failed  int `json:"failed"`
}

// ReindexError records one product that failed during a run.
type ReindexError struct {
	ProductID string `json:"productId"`
	Error     string `json:"error"`
}

// PopularityStats aggregates the popularity score of the indexed documents.
type PopularityStats struct {
	Average float64 `json:"average"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// Reindex outcomes.
const (
	OutcomeSuccess        = "success"
	OutcomePartialFailure = "partial_failure"
	OutcomeTotalFailure   = "total_failure"
)

// ReindexSummary is returned at the end of a reindex run.
type ReindexSummary struct {
	Filters         ReindexFilters   `json:"filters"`
	StartedAt       time.Time        `json:"startedAt"`
	Total           int              `json:"total"`
	Indexed         int              `json:"indexed"`
	Failed          int              `json:"failed"`
	DurationMs      int64            `json:"durationMs"`
	Popularity      *PopularityStats `json:"popularity,omitempty"`
	Errors          []ReindexError   `json:"errors"`
	ErrorsTruncated bool             `json:"errorsTruncated"`
}

// Outcome classifies the run: no failures, some failures, or nothing indexed at all.
func (s *ReindexSummary) Outcome() string {
	switch {
	case s.Failed == 0:
		return OutcomeSuccess
	case s.Indexed == 0:
		return OutcomeTotalFailure
	default:
		return OutcomePartialFailure
	}
}
