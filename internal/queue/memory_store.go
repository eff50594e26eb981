package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/models"
)

// MemoryStore is an in-process Store with the same transitions as RedisStore.
type MemoryStore struct {
	mu          sync.Mutex
	jobs        map[string]*models.Job
	main        []string
	delayed     map[string]time.Time
	processing  map[string]time.Time
	failed      []string
	maxAttempts int
	now         func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts Options) *MemoryStore {
	opts = opts.withDefaults()
	return &MemoryStore{
		jobs:        make(map[string]*models.Job),
		delayed:     make(map[string]time.Time),
		processing:  make(map[string]time.Time),
		maxAttempts: opts.MaxAttempts,
		now:         opts.Clock,
	}
}

func (s *MemoryStore) Enqueue(_ context.Context, kind models.JobKind, payload any) (string, error) {
	job, err := newJob(kind, payload, s.maxAttempts, s.now())
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.main = append(s.main, job.ID)
	return job.ID, nil
}

func (s *MemoryStore) ClaimNext(_ context.Context) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.promoteDue(now)
	if len(s.main) == 0 {
		return nil, nil
	}
	id := s.main[0]
	s.main = s.main[1:]

	job := s.jobs[id]
	claimed := now.UTC().Truncate(time.Millisecond)
	job.ClaimedAt = &claimed
	job.LastAttemptAt = &claimed
	job.ClaimToken = uuid.NewString()
	s.processing[id] = now

	out := *job
	return &out, nil
}

// promoteDue moves delayed jobs whose backoff has elapsed onto the tail of main.
func (s *MemoryStore) promoteDue(now time.Time) {
	if len(s.delayed) == 0 {
		return
	}
	due := make([]string, 0, len(s.delayed))
	for id, at := range s.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := s.delayed[due[i]], s.delayed[due[j]]
		if a.Equal(b) {
			return due[i] < due[j]
		}
		return a.Before(b)
	})
	for _, id := range due {
		delete(s.delayed, id)
		s.main = append(s.main, id)
	}
}

// owned reports whether job still holds the claim it was handed.
func (s *MemoryStore) owned(job *models.Job) (*models.Job, bool) {
	stored, ok := s.jobs[job.ID]
	if !ok {
		return nil, false
	}
	if _, claimed := s.processing[job.ID]; !claimed {
		return nil, false
	}
	if stored.ClaimToken == "" || stored.ClaimToken != job.ClaimToken {
		return nil, false
	}
	return stored, true
}

func (s *MemoryStore) Ack(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owned(job); !ok {
		return fmt.Errorf("ack job %s: %w", job.ID, apperrors.ErrNotClaimed)
	}
	delete(s.processing, job.ID)
	delete(s.jobs, job.ID)
	return nil
}

func (s *MemoryStore) ExtendClaim(_ context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.owned(job); !ok {
		return fmt.Errorf("extend claim on job %s: %w", job.ID, apperrors.ErrNotClaimed)
	}
	s.processing[job.ID] = s.now()
	return nil
}

func (s *MemoryStore) Retry(_ context.Context, job *models.Job, p RetryParams) (models.QueueName, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.owned(job)
	if !ok {
		return "", fmt.Errorf("retry job %s: %w", job.ID, apperrors.ErrNotClaimed)
	}
	delete(s.processing, job.ID)

	stored.Attempts++
	msg := p.Error
	stored.LastError = &msg
	stored.ClaimToken = ""
	stored.ClaimedAt = nil

	job.Attempts = stored.Attempts
	job.LastError = &msg
	job.ClaimToken = ""
	job.ClaimedAt = nil

	if p.Permanent || stored.Attempts >= stored.MaxAttempts {
		s.failed = append(s.failed, job.ID)
		return models.QueueFailed, nil
	}
	if p.Delay > 0 {
		s.delayed[job.ID] = s.now().Add(p.Delay)
	} else {
		s.main = append(s.main, job.ID)
	}
	return models.QueueMain, nil
}

func (s *MemoryStore) RequeueStale(_ context.Context, timeouts map[models.JobKind]time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ids := make([]string, 0, len(s.processing))
	for id := range s.processing {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.processing[ids[i]], s.processing[ids[j]]
		if a.Equal(b) {
			return ids[i] < ids[j]
		}
		return a.Before(b)
	})

	var moved []string
	for _, id := range ids {
		job := s.jobs[id]
		timeout := staleThreshold(timeouts, job.Kind)
		if timeout <= 0 || now.Sub(s.processing[id]) <= timeout {
			continue
		}
		delete(s.processing, id)
		job.ClaimToken = ""
		job.ClaimedAt = nil
		s.main = append(s.main, id)
		moved = append(moved, id)
	}
	return moved, nil
}

func (s *MemoryStore) Stats(_ context.Context) (models.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.QueueStats{
		Main:       int64(len(s.main) + len(s.delayed)),
		Processing: int64(len(s.processing)),
		Failed:     int64(len(s.failed)),
	}, nil
}

func (s *MemoryStore) Clear(_ context.Context, name string) (int64, error) {
	q, err := models.ParseQueueName(name)
	if err != nil {
		return 0, apperrors.InvalidInput(err.Error())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	switch q {
	case models.QueueMain:
		ids = append(ids, s.main...)
		for id := range s.delayed {
			ids = append(ids, id)
		}
		s.main = nil
		s.delayed = make(map[string]time.Time)
	case models.QueueProcessing:
		for id := range s.processing {
			ids = append(ids, id)
		}
		s.processing = make(map[string]time.Time)
	case models.QueueFailed:
		ids = s.failed
		s.failed = nil
	}
	for _, id := range ids {
		delete(s.jobs, id)
	}
	return int64(len(ids)), nil
}

func (s *MemoryStore) DrainFailed(_ context.Context) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.Job, 0, len(s.failed))
	for _, id := range s.failed {
		job := s.jobs[id]
		job.Attempts = 0
		s.main = append(s.main, id)
		out = append(out, *job)
	}
	s.failed = nil
	return out, nil
}

func (s *MemoryStore) RequeueFailed(ctx context.Context) (int64, error) {
	jobs, err := s.DrainFailed(ctx)
	if err != nil {
		return 0, err
	}
	return int64(len(jobs)), nil
}

func (s *MemoryStore) ListFailed(_ context.Context, limit int64) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	out := make([]models.Job, 0, min(int64(len(s.failed)), limit))
	for i, id := range s.failed {
		if int64(i) >= limit {
			break
		}
		out = append(out, *s.jobs[id])
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }
