package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind discriminates the payload a job carries.
type JobKind string

const (
	KindIndexSingle     JobKind = "index-single"
	KindReindexFiltered JobKind = "reindex-filtered"
)

// Valid reports whether k is a known job kind.
func (k JobKind) Valid() bool {
	return k == KindIndexSingle || k == KindReindexFiltered
}

// QueueName names one of the three job queues.
type QueueName string

const (
	QueueMain       QueueName = "main"
	QueueProcessing QueueName = "processing"
	QueueFailed     QueueName = "failed"
)

// QueueNames returns the queues in lifecycle order.
func QueueNames() []QueueName {
	return []QueueName{QueueMain, QueueProcessing, QueueFailed}
}

// ParseQueueName validates an operator-supplied queue name.
func ParseQueueName(s string) (QueueName, error) {
	for _, q := range QueueNames() {
		if string(q) == s {
			return q, nil
		}
	}
	return "", fmt.Errorf("unknown queue %q (want main, processing or failed)", s)
}

// Job is a unit of indexing work tracked through the queues.
type Job struct {
	ID            string          `json:"id"`
	Kind          JobKind         `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	MaxAttempts   int             `json:"max_attempts"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	LastAttemptAt *time.Time      `json:"last_attempt_at,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`

	// Set while the job sits in the processing queue.
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	ClaimToken string     `json:"-"`
}

// IndexSinglePayload is the payload of an index-single job.
type IndexSinglePayload struct {
	ProductID string `json:"product_id"`
}

// ProductID decodes the payload of an index-single job.
func (j Job) ProductID() (string, error) {
	var p IndexSinglePayload
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return "", fmt.Errorf("decode index-single payload: %w", err)
	}
	if p.ProductID == "" {
		return "", fmt.Errorf("index-single payload: product_id is required")
	}
	return p.ProductID, nil
}

// Filters decodes the payload of a reindex-filtered job.
func (j Job) Filters() (ReindexFilters, error) {
	var f ReindexFilters
	if len(j.Payload) == 0 {
		return f, nil
	}
	if err := json.Unmarshal(j.Payload, &f); err != nil {
		return f, fmt.Errorf("decode reindex-filtered payload: %w", err)
	}
	return f, nil
}

// QueueStats reports how many jobs each queue holds.
type QueueStats struct {
	Main       int64 `json:"mainQueue"`
	Processing int64 `json:"processingQueue"`
	Failed     int64 `json:"failedQueue"`
}
