package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"search-indexer/internal/config"
	"search-indexer/internal/logger"
	"search-indexer/internal/telemetry"
)

// maxEnqueueRetries bounds attempts to enqueue one event before it is skipped.
const maxEnqueueRetries = 3

// Reader is the part of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Enqueuer schedules a product for indexing.
type Enqueuer interface {
	EnqueueProductIndex(ctx context.Context, productID string) (string, error)
}

// Consumer reads product change events and enqueues index-single jobs.
type Consumer struct {
	reader    Reader
	enqueuer  Enqueuer
	topics    map[string]bool
	logger    *slog.Logger
	retryWait time.Duration
	closeOnce sync.Once
}

// NewConsumer creates a group consumer over cfg.KafkaTopics.
func NewConsumer(cfg config.Config, enq Enqueuer, logger *slog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.KafkaBrokers,
		GroupID:     cfg.KafkaGroupID,
		GroupTopics: cfg.KafkaTopics,
		MinBytes:    1,
		MaxBytes:    1 << 20,
	})
	return NewConsumerWithReader(r, cfg.KafkaTopics, enq, logger)
}

// NewConsumerWithReader wires a consumer around an existing reader.
func NewConsumerWithReader(r Reader, topics []string, enq Enqueuer, logger *slog.Logger) *Consumer {
	set := make(map[string]bool, len(topics))
	for _, t := range topics {
		set[t] = true
	}
	return &Consumer{
		reader:    r,
		enqueuer:  enq,
		topics:    set,
		logger:    logger,
		retryWait: 100 * time.Millisecond,
	}
}

// Start consumes until ctx is cancelled. Every fetched message is committed
// once it has been enqueued or judged unprocessable.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("event consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("event consumer stopping")
				return c.Close()
			}
			c.logger.Error("failed to fetch message", slog.String("error", err.Error()))
			sleep(ctx, c.retryWait)
			continue
		}

		result := c.handle(ctx, msg)
		telemetry.EventsConsumed.WithLabelValues(msg.Topic, result).Inc()
		if ctx.Err() != nil && result == "error" {
			// leave uncommitted so the group redelivers it
			return c.Close()
		}
		commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		err = c.reader.CommitMessages(commitCtx, msg)
		cancel()
		if err != nil {
			c.logger.Error("failed to commit message",
				slog.String("topic", msg.Topic),
				slog.Int64("offset", msg.Offset),
				slog.String("error", err.Error()),
			)
		}
	}
}

// handle returns the metrics label for the message: enqueued, ignored, invalid or error.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message) string {
	log := c.logger.With(
		slog.String("topic", msg.Topic),
		slog.Int("partition", msg.Partition),
		slog.Int64("offset", msg.Offset),
	)
	if len(c.topics) > 0 && !c.topics[msg.Topic] {
		log.Warn("message from unexpected topic ignored")
		return "ignored"
	}

	event, err := UnmarshalEvent(msg.Value)
	if err != nil {
		log.Error("failed to unmarshal event", slog.String("error", err.Error()))
		return "invalid"
	}
	productID, err := event.ProductID()
	if err != nil {
		log.Error("event has no product", slog.String("error", err.Error()))
		return "invalid"
	}
	if event.CorrelationID != "" {
		ctx = logger.WithCorrelationID(ctx, event.CorrelationID)
	}

	var lastErr error
	for attempt := 1; attempt <= maxEnqueueRetries; attempt++ {
		jobID, err := c.enqueuer.EnqueueProductIndex(ctx, productID)
		if err == nil {
			logger.WithContext(ctx, log).Info("product change enqueued",
				slog.String("event_type", event.EventType),
				slog.String("product_id", productID),
				slog.String("job_id", jobID),
			)
			return "enqueued"
		}
		lastErr = err
		log.Warn("enqueue failed, will retry",
			slog.String("product_id", productID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		if attempt < maxEnqueueRetries {
			select {
			case <-ctx.Done():
				return "error"
			case <-time.After(time.Duration(attempt) * c.retryWait):
			}
		}
	}
	log.Error("enqueue failed after all retries, skipping event",
		slog.String("product_id", productID),
		slog.String("error", lastErr.Error()),
	)
	return "error"
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// Close closes the reader. It is safe to call multiple times.
func (c *Consumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.reader.Close()
	})
	return err
}
