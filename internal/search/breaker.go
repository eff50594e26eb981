package search

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/models"
	"search-indexer/internal/telemetry"
)

// BreakerConfig tunes the circuit breaker around document writes.
type BreakerConfig struct {
	Name         string
	MaxRequests  uint32
	Interval     time.Duration
	Timeout      time.Duration
	FailureRatio float64
	MinRequests  uint32
}

// DefaultBreakerConfig returns the settings used when none are configured.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:         name,
		MaxRequests:  1,
		Interval:     time.Minute,
		Timeout:      30 * time.Second,
		FailureRatio: 0.5,
		MinRequests:  5,
	}
}

// BreakerEngine stops hammering an unhealthy engine. Only upserts pass
// through the breaker; reads and pings go straight to the wrapped engine.
type BreakerEngine struct {
	Engine
	breaker *gobreaker.CircuitBreaker[string]
	name    string
}

// NewBreakerEngine wraps next with a circuit breaker.
func NewBreakerEngine(next Engine, cfg BreakerConfig, logger *slog.Logger) *BreakerEngine {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		// a rejected document says nothing about engine health
		IsSuccessful: func(err error) bool {
			return err == nil || apperrors.IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			telemetry.BreakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
	}
	telemetry.BreakerState.WithLabelValues(cfg.Name).Set(0)

	return &BreakerEngine{
		Engine:  next,
		breaker: gobreaker.NewCircuitBreaker[string](settings),
		name:    cfg.Name,
	}
}

// UpsertDocument fails fast while the breaker is open.
func (b *BreakerEngine) UpsertDocument(ctx context.Context, index string, doc *models.SearchDocument) (string, error) {
	taskID, err := b.breaker.Execute(func() (string, error) {
		return b.Engine.UpsertDocument(ctx, index, doc)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return "", apperrors.Unavailable("search engine", err)
	}
	return taskID, err
}

// State reports the breaker state.
func (b *BreakerEngine) State() gobreaker.State {
	return b.breaker.State()
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}
