package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"search-indexer/internal/logger"
	"search-indexer/internal/models"
	"search-indexer/internal/queue"
)

// fakeReader hands out queued messages, then blocks until ctx is done.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	fetchErrs int
	fetches   int
	committed []int64
	closed    int
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	f.fetches++
	if f.fetchErrs > 0 {
		f.fetchErrs--
		f.mu.Unlock()
		return kafka.Message{}, errors.New("broker unreachable")
	}
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeReader) commits() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.committed...)
}

type storeEnqueuer struct{ store queue.Store }

func (s storeEnqueuer) EnqueueProductIndex(ctx context.Context, id string) (string, error) {
	return s.store.Enqueue(ctx, models.KindIndexSingle, models.IndexSinglePayload{ProductID: id})
}

type failingEnqueuer struct {
	mu    sync.Mutex
	calls int
}

func (f *failingEnqueuer) EnqueueProductIndex(context.Context, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return "", errors.New("redis down")
}

func msg(topic string, offset int64, value string) kafka.Message {
	return kafka.Message{Topic: topic, Offset: offset, Value: []byte(value)}
}

func runUntilCommitted(t *testing.T, c *Consumer, r *fakeReader, n int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()
	require.Eventually(t, func() bool { return len(r.commits()) == n }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestConsumer_EnqueuesProductChanges(t *testing.T) {
	store := queue.NewMemoryStore(queue.Options{})
	r := &fakeReader{msgs: []kafka.Message{
		msg(TopicProductCreated, 1, `{"event_id":"e1","event_type":"product.created","aggregate_id":"p1"}`),
		msg(TopicProductUpdated, 2, `{"event_id":"e2","event_type":"product.updated","data":{"id":"p2"}}`),
		msg(TopicProductUpdated, 3, `not json`),
		msg(TopicProductUpdated, 4, `{"event_id":"e4","event_type":"product.updated","data":{}}`),
		msg("catalog.order.created", 5, `{"aggregate_id":"o1"}`),
	}}
	topics := []string{TopicProductCreated, TopicProductUpdated}
	c := NewConsumerWithReader(r, topics, storeEnqueuer{store}, logger.Discard())

	runUntilCommitted(t, c, r, 5)

	assert.Equal(t, []int64{1, 2, 3, 4, 5}, r.commits())
	assert.Equal(t, 1, r.closed)

	ctx := context.Background()
	first, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	id, _ := first.ProductID()
	assert.Equal(t, "p1", id)
	second, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	id, _ = second.ProductID()
	assert.Equal(t, "p2", id)

	stats, _ := store.Stats(ctx)
	assert.Equal(t, models.QueueStats{Processing: 2}, stats)
}

func TestConsumer_PoisonEventIsSkippedAfterRetries(t *testing.T) {
	r := &fakeReader{msgs: []kafka.Message{
		msg(TopicProductCreated, 7, `{"aggregate_id":"p1"}`),
	}}
	enq := &failingEnqueuer{}
	c := NewConsumerWithReader(r, nil, enq, logger.Discard())
	c.retryWait = time.Millisecond

	runUntilCommitted(t, c, r, 1)
	assert.Equal(t, maxEnqueueRetries, enq.calls)
}

func TestConsumer_FetchErrorsBackOff(t *testing.T) {
	store := queue.NewMemoryStore(queue.Options{})
	r := &fakeReader{
		fetchErrs: 1000,
		msgs:      []kafka.Message{msg(TopicProductCreated, 1, `{"aggregate_id":"p1"}`)},
	}
	c := NewConsumerWithReader(r, nil, storeEnqueuer{store}, logger.Discard())
	c.retryWait = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Start(ctx))

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.LessOrEqual(t, r.fetches, 10)
	assert.Empty(t, r.committed)
}

func TestConsumer_RecoversAfterFetchErrors(t *testing.T) {
	store := queue.NewMemoryStore(queue.Options{})
	r := &fakeReader{
		fetchErrs: 2,
		msgs:      []kafka.Message{msg(TopicProductCreated, 1, `{"aggregate_id":"p1"}`)},
	}
	c := NewConsumerWithReader(r, nil, storeEnqueuer{store}, logger.Discard())
	c.retryWait = time.Millisecond

	runUntilCommitted(t, c, r, 1)
	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.QueueStats{Main: 1}, stats)
}

func TestEvent_ProductID(t *testing.T) {
	e, err := UnmarshalEvent([]byte(`{"event_type":"x","aggregate_id":"  ","data":{"id":"p9"}}`))
	require.NoError(t, err)
	id, err := e.ProductID()
	require.NoError(t, err)
	assert.Equal(t, "p9", id)

	e, err = UnmarshalEvent([]byte(`{"event_type":"x","data":"oops"}`))
	require.NoError(t, err)
	_, err = e.ProductID()
	assert.Error(t, err)
}
