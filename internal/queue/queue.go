package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/models"
)

// DefaultMaxAttempts is the retry ceiling stamped on new jobs.
const DefaultMaxAttempts = 5

// RetryParams describes how a failed attempt is resolved.
type RetryParams struct {
	// Error is recorded as the job's last error.
	Error string
	// Delay postpones visibility in main. Zero re-appends immediately.
	Delay time.Duration
	// Permanent sends the job straight to failed.
	Permanent bool
}

// Store is the durable job store shared by producers and workers.
// Every membership transition is atomic per job.
type Store interface {
	Enqueue(ctx context.Context, kind models.JobKind, payload any) (string, error)
	// ClaimNext moves the head of main into processing. It returns nil when main is empty.
	ClaimNext(ctx context.Context) (*models.Job, error)
	// Ack removes a claimed job. It fails with apperrors.ErrNotClaimed when the claim was lost.
	Ack(ctx context.Context, job *models.Job) error
	// Retry records a failed attempt and returns the queue the job landed in.
	Retry(ctx context.Context, job *models.Job, p RetryParams) (models.QueueName, error)
	// ExtendClaim restarts the visibility clock of a job still being worked on.
	// It fails with apperrors.ErrNotClaimed when the claim was lost.
	ExtendClaim(ctx context.Context, job *models.Job) error
	// RequeueStale moves processing jobs whose claim is older than their kind's visibility timeout back to main.
	RequeueStale(ctx context.Context, timeouts map[models.JobKind]time.Duration) ([]string, error)
	Stats(ctx context.Context) (models.QueueStats, error)
	Clear(ctx context.Context, name string) (int64, error)
	DrainFailed(ctx context.Context) ([]models.Job, error)
	RequeueFailed(ctx context.Context) (int64, error)
	ListFailed(ctx context.Context, limit int64) ([]models.Job, error)
	Ping(ctx context.Context) error
	Close() error
}

// Options tune a store.
type Options struct {
	KeyPrefix   string
	MaxAttempts int
	Clock       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "search:queue"
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return o
}

// newJob validates the request and builds a fresh job in its initial state.
func newJob(kind models.JobKind, payload any, maxAttempts int, now time.Time) (*models.Job, error) {
	if !kind.Valid() {
		return nil, apperrors.InvalidInput(fmt.Sprintf("unknown job kind %q", kind))
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &models.Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now.UTC().Truncate(time.Millisecond),
	}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, apperrors.InvalidInput("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, apperrors.InvalidInput("payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return raw, nil
	}
}

// staleThreshold picks the timeout for a kind, falling back to the longest configured one.
func staleThreshold(timeouts map[models.JobKind]time.Duration, kind models.JobKind) time.Duration {
	if d, ok := timeouts[kind]; ok && d > 0 {
		return d
	}
	var longest time.Duration
	for _, d := range timeouts {
		if d > longest {
			longest = d
		}
	}
	return longest
}
