package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/catalog"
	"search-indexer/internal/indexer"
	"search-indexer/internal/logger"
	"search-indexer/internal/models"
	"search-indexer/internal/queue"
	"search-indexer/internal/search"
)

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < 2*base || b3 > 4*base {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	for attempt := 4; attempt < 80; attempt++ {
		b := backoffWithJitter(base, max, attempt)
		if b < max/2 || b > max {
			t.Fatalf("backoff not capped for attempt %d: %s", attempt, b)
		}
	}
}

func testOptions() Options {
	return Options{
		WorkerID:       "test-worker",
		PollInterval:   5 * time.Millisecond,
		SweepInterval:  time.Hour,
		ShutdownGrace:  50 * time.Millisecond,
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
		VisibilityTimeouts: map[models.JobKind]time.Duration{
			models.KindIndexSingle:     time.Minute,
			models.KindReindexFiltered: time.Hour,
		},
	}
}

func newIndexerFixture(products ...models.ProductRecord) (*indexer.Indexer, *search.Memory) {
	engine := search.NewMemory()
	return indexer.New(catalog.NewMemory(products...), engine, "", logger.Discard()), engine
}

func TestProcessNext_EmptyQueue(t *testing.T) {
	p := NewProcessor(queue.NewMemoryStore(queue.Options{}), testOptions(), logger.Discard())
	processed, err := p.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessNext_IndexSingleSuccess(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore(queue.Options{})
	ix, engine := newIndexerFixture(models.ProductRecord{ID: "p1", Name: "Lamp", Stock: 2})

	p := NewProcessor(store, testOptions(), logger.Discard())
	p.RegisterHandler(models.KindIndexSingle, IndexSingleHandler(ix))

	_, err := store.Enqueue(ctx, models.KindIndexSingle, models.IndexSinglePayload{ProductID: "p1"})
	require.NoError(t, err)

	processed, err := p.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{}, stats)

	doc, err := engine.GetDocument(ctx, search.DefaultIndex, "p1")
	require.NoError(t, err)
	assert.True(t, doc.InStock)
}

func TestProcessNext_MissingProductIsNotRetried(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore(queue.Options{})
	ix, _ := newIndexerFixture()

	p := NewProcessor(store, testOptions(), logger.Discard())
	p.RegisterHandler(models.KindIndexSingle, IndexSingleHandler(ix))

	_, err := store.Enqueue(ctx, models.KindIndexSingle, models.IndexSinglePayload{ProductID: "missing-id"})
	require.NoError(t, err)

	_, err = p.ProcessNext(ctx)
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Failed: 1}, stats)

	failed, err := store.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].Attempts)
	require.NotNil(t, failed[0].LastError)
	assert.Contains(t, *failed[0].LastError, "not found")
}

func TestProcessNext_MalformedPayloadIsPermanent(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore(queue.Options{})
	ix, _ := newIndexerFixture()

	p := NewProcessor(store, testOptions(), logger.Discard())
	p.RegisterHandler(models.KindIndexSingle, IndexSingleHandler(ix))

	_, err := store.Enqueue(ctx, models.KindIndexSingle, map[string]any{"product_id": 42})
	require.NoError(t, err)

	_, err = p.ProcessNext(ctx)
	require.NoError(t, err)
	stats, _ := store.Stats(ctx)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestProcessNext_TransientFailureRetriesUntilCeiling(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore(queue.Options{MaxAttempts: 3})
	ix, engine := newIndexerFixture(models.ProductRecord{ID: "p1", Name: "Lamp"})
	engine.FailWith(apperrors.Unavailable("search engine", errors.New("connection refused")))

	p := NewProcessor(store, testOptions(), logger.Discard())
	p.RegisterHandler(models.KindIndexSingle, IndexSingleHandler(ix))

	_, err := store.Enqueue(ctx, models.KindIndexSingle, models.IndexSinglePayload{ProductID: "p1"})
	require.NoError(t, err)

	claims := 0
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		processed, err := p.ProcessNext(ctx)
		require.NoError(t, err)
		if processed {
			claims++
		}
		if stats, _ := store.Stats(ctx); stats.Failed == 1 {
			break
		}
		time.Sleep(2 * time.Millisecond)
	}

	assert.Equal(t, 3, claims)
	failed, err := store.ListFailed(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, failed[0].Attempts)
}

func TestProcessNext_UnknownKindFailsPermanently(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore(queue.Options{})
	p := NewProcessor(store, testOptions(), logger.Discard())

	_, err := store.Enqueue(ctx, models.KindReindexFiltered, nil)
	require.NoError(t, err)

	_, err = p.ProcessNext(ctx)
	require.NoError(t, err)
	stats, _ := store.Stats(ctx)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestProcessNext_HandlerPanicIsRetried(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore(queue.Options{})
	p := NewProcessor(store, testOptions(), logger.Discard())
	p.RegisterHandler(models.KindIndexSingle, func(context.Context, *models.Job) error {
		panic("boom")
	})

	_, err := store.Enqueue(ctx, models.KindIndexSingle, models.IndexSinglePayload{ProductID: "p1"})
	require.NoError(t, err)

	_, err = p.ProcessNext(ctx)
	require.NoError(t, err)
	stats, _ := store.Stats(ctx)
	assert.Equal(t, models.QueueStats{Main: 1}, stats)
}

func TestProcessNext_StoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := queue.NewRedisStore(client, queue.Options{})
	mr.Close()

	p := NewProcessor(store, testOptions(), logger.Discard())
	processed, err := p.ProcessNext(context.Background())
	require.Error(t, err)
	assert.False(t, processed)
}

func TestRun_KeepsGoingWhenStoreIsDown(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := queue.NewRedisStore(client, queue.Options{})
	mr.Close()

	opts := testOptions()
	opts.BackoffMax = 20 * time.Millisecond
	p := NewProcessor(store, opts, logger.Discard())

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRun_DrainsQueueAndStops(t *testing.T) {
	store := queue.NewMemoryStore(queue.Options{})
	var handled atomic.Int32
	p := NewProcessor(store, testOptions(), logger.Discard())
	p.RegisterHandler(models.KindIndexSingle, func(context.Context, *models.Job) error {
		handled.Add(1)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	for i := 0; i < 5; i++ {
		_, err := store.Enqueue(ctx, models.KindIndexSingle, models.IndexSinglePayload{ProductID: "p"})
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.Eventually(t, func() bool { return handled.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	stats, _ := store.Stats(context.Background())
	assert.Equal(t, models.QueueStats{}, stats)
}

func TestRun_InFlightJobFinishesWithinGrace(t *testing.T) {
	store := queue.NewMemoryStore(queue.Options{})
	started := make(chan struct{})
	p := NewProcessor(store, testOptions(), logger.Discard())
	p.RegisterHandler(models.KindIndexSingle, func(ctx context.Context, _ *models.Job) error {
		close(started)
		time.Sleep(10 * time.Millisecond)
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := store.Enqueue(ctx, models.KindIndexSingle, models.IndexSinglePayload{ProductID: "p"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	<-started
	cancel()
	<-done

	stats, _ := store.Stats(context.Background())
	assert.Equal(t, models.QueueStats{}, stats)
}

func TestRun_SlowJobIsAbandonedAfterGrace(t *testing.T) {
	store := queue.NewMemoryStore(queue.Options{})
	started := make(chan struct{})
	p := NewProcessor(store, testOptions(), logger.Discard())
	p.RegisterHandler(models.KindIndexSingle, func(ctx context.Context, _ *models.Job) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := store.Enqueue(ctx, models.KindIndexSingle, models.IndexSinglePayload{ProductID: "p"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after the grace period")
	}
	stats, _ := store.Stats(context.Background())
	assert.Equal(t, models.QueueStats{Processing: 1}, stats)
}

func TestRun_JobCompletingAfterGraceIsAcked(t *testing.T) {
	store := queue.NewMemoryStore(queue.Options{})
	started := make(chan struct{})
	opts := testOptions()
	p := NewProcessor(store, opts, logger.Discard())
	p.RegisterHandler(models.KindIndexSingle, func(context.Context, *models.Job) error {
		close(started)
		time.Sleep(3 * opts.ShutdownGrace)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	_, err := store.Enqueue(ctx, models.KindIndexSingle, models.IndexSinglePayload{ProductID: "p"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	<-started
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	stats, _ := store.Stats(context.Background())
	assert.Equal(t, models.QueueStats{}, stats)
}

func TestProcessNext_LongJobKeepsItsClaim(t *testing.T) {
	store := queue.NewMemoryStore(queue.Options{})
	opts := testOptions()
	opts.VisibilityTimeouts = map[models.JobKind]time.Duration{
		models.KindReindexFiltered: 150 * time.Millisecond,
	}
	p := NewProcessor(store, opts, logger.Discard())

	var requeued atomic.Int32
	p.RegisterHandler(models.KindReindexFiltered, func(ctx context.Context, _ *models.Job) error {
		for i := 0; i < 16; i++ {
			time.Sleep(25 * time.Millisecond)
			ids, err := store.RequeueStale(ctx, opts.VisibilityTimeouts)
			if err != nil {
				return err
			}
			requeued.Add(int32(len(ids)))
		}
		return nil
	})

	ctx := context.Background()
	_, err := store.Enqueue(ctx, models.KindReindexFiltered, models.ReindexFilters{})
	require.NoError(t, err)

	processed, err := p.ProcessNext(ctx)
	require.NoError(t, err)
	require.True(t, processed)

	assert.Zero(t, requeued.Load())
	stats, _ := store.Stats(ctx)
	assert.Equal(t, models.QueueStats{}, stats)
}

func TestProcessNext_HeartbeatStopsWhenClaimIsLost(t *testing.T) {
	store := queue.NewMemoryStore(queue.Options{})
	opts := testOptions()
	opts.VisibilityTimeouts = map[models.JobKind]time.Duration{
		models.KindIndexSingle: 30 * time.Millisecond,
	}
	p := NewProcessor(store, opts, logger.Discard())
	p.RegisterHandler(models.KindIndexSingle, func(ctx context.Context, _ *models.Job) error {
		_, err := store.Clear(ctx, "processing")
		if err != nil {
			return err
		}
		time.Sleep(60 * time.Millisecond)
		return nil
	})

	ctx := context.Background()
	_, err := store.Enqueue(ctx, models.KindIndexSingle, models.IndexSinglePayload{ProductID: "p"})
	require.NoError(t, err)

	processed, err := p.ProcessNext(ctx)
	require.NoError(t, err)
	assert.True(t, processed)
	stats, _ := store.Stats(ctx)
	assert.Equal(t, models.QueueStats{}, stats)
}

func TestSweep_RecoversStaleClaims(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	var offset atomic.Int64
	store := queue.NewMemoryStore(queue.Options{Clock: func() time.Time {
		return now.Add(time.Duration(offset.Load()))
	}})
	ctx := context.Background()
	_, err := store.Enqueue(ctx, models.KindIndexSingle, models.IndexSinglePayload{ProductID: "p"})
	require.NoError(t, err)
	_, err = store.ClaimNext(ctx)
	require.NoError(t, err)

	p := NewProcessor(store, testOptions(), logger.Discard())
	ids, err := p.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	offset.Store(int64(2 * time.Minute))
	ids, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	ids, err = p.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	stats, _ := store.Stats(ctx)
	assert.Equal(t, models.QueueStats{Main: 1}, stats)
}

func TestResolveWorkerID(t *testing.T) {
	assert.Equal(t, "w-1", ResolveWorkerID("w-1"))
	assert.NotEmpty(t, ResolveWorkerID(""))
}
