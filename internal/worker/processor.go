package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"search-indexer/internal/apperrors"
	"search-indexer/internal/config"
	"search-indexer/internal/logger"
	"search-indexer/internal/models"
	"search-indexer/internal/queue"
	"search-indexer/internal/telemetry"
)

// resolveTimeout bounds the ack/retry call made after a handler returns.
const resolveTimeout = 5 * time.Second

// Outcome labels recorded per resolved job.
const (
	OutcomeSucceeded = "succeeded"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
	OutcomeLost      = "lost"
)

// Handler executes a job of a given kind.
type Handler func(ctx context.Context, job *models.Job) error

// Options tune the worker loop.
type Options struct {
	WorkerID           string
	PollInterval       time.Duration
	SweepInterval      time.Duration
	ShutdownGrace      time.Duration
	VisibilityTimeouts map[models.JobKind]time.Duration
	BackoffInitial     time.Duration
	BackoffMax         time.Duration
}

// OptionsFromConfig maps worker settings out of the application config.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		WorkerID:           ResolveWorkerID(cfg.WorkerID),
		PollInterval:       cfg.WorkerPollInterval,
		SweepInterval:      cfg.SweepInterval,
		ShutdownGrace:      cfg.ShutdownGrace,
		VisibilityTimeouts: cfg.VisibilityTimeouts(),
		BackoffInitial:     cfg.BackoffInitial,
		BackoffMax:         cfg.BackoffMax,
	}
}

// ResolveWorkerID prefers the configured id, then the hostname.
func ResolveWorkerID(configured string) string {
	if configured != "" {
		return configured
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fmt.Sprintf("worker-%d", os.Getpid())
}

func (o Options) withDefaults() Options {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 30 * time.Second
	}
	if o.ShutdownGrace < 0 {
		o.ShutdownGrace = 0
	}
	if o.BackoffInitial <= 0 {
		o.BackoffInitial = 2 * time.Second
	}
	if o.BackoffMax < o.BackoffInitial {
		o.BackoffMax = max(5*time.Minute, o.BackoffInitial)
	}
	return o
}

// Processor drives the worker execution loop.
type Processor struct {
	store    queue.Store
	handlers map[models.JobKind]Handler
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewProcessor creates a processor draining store.
func NewProcessor(store queue.Store, opts Options, logger *slog.Logger) *Processor {
	opts = opts.withDefaults()
	return &Processor{
		store:    store,
		handlers: make(map[models.JobKind]Handler),
		opts:     opts,
		logger:   logger.With(slog.String("worker_id", opts.WorkerID)),
		tracer:   otel.Tracer("search-indexer/worker"),
	}
}

// RegisterHandler binds a handler to a job kind.
func (p *Processor) RegisterHandler(kind models.JobKind, handler Handler) {
	if kind == "" || handler == nil {
		return
	}
	p.handlers[kind] = handler
}

// Run claims and processes jobs until ctx is cancelled. The stale sweep runs
// once at start and then every SweepInterval. Store failures never end the
// loop; it backs off and claims again.
func (p *Processor) Run(ctx context.Context) error {
	p.logger.Info("worker started",
		slog.Duration("poll_interval", p.opts.PollInterval),
		slog.Duration("sweep_interval", p.opts.SweepInterval),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.sweepLoop(ctx)
	}()
	defer wg.Wait()

	storeFailures := 0
	for {
		if ctx.Err() != nil {
			p.logger.Info("worker stopping")
			return ctx.Err()
		}

		processed, err := p.ProcessNext(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			storeFailures++
			telemetry.StoreErrors.Inc()
			wait := backoffWithJitter(p.opts.PollInterval, p.opts.BackoffMax, storeFailures)
			p.logger.Error("job store unavailable",
				slog.String("error", err.Error()),
				slog.Int("consecutive_failures", storeFailures),
				slog.Duration("retry_in", wait),
			)
			sleep(ctx, wait)
		case err != nil:
		case !processed:
			storeFailures = 0
			sleep(ctx, p.opts.PollInterval)
		default:
			storeFailures = 0
		}
	}
}

// ProcessNext claims one job and resolves it. It reports false when main was
// empty. A returned error means the job store could not be reached.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	job, err := p.store.ClaimNext(ctx)
	if err != nil {
		return false, fmt.Errorf("claim next: %w", err)
	}
	if job == nil {
		return false, nil
	}
	return true, p.process(ctx, job)
}

func (p *Processor) process(ctx context.Context, job *models.Job) error {
	ctx = logger.WithJobID(ctx, job.ID)
	ctx, span := p.tracer.Start(ctx, "worker.process", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.kind", string(job.Kind)),
		attribute.Int("job.attempts", job.Attempts),
	))
	defer span.End()
	log := logger.WithContext(ctx, p.logger).With(slog.String("kind", string(job.Kind)))

	execCtx, cancel := p.executionContext(ctx)
	defer cancel()

	log.Debug("job claimed", slog.Int("attempts", job.Attempts))
	stopHeartbeat := p.heartbeat(execCtx, job, log)
	runErr := p.runJob(execCtx, job)
	stopHeartbeat()

	// a job that completed is resolved even when it ran past the grace period
	if runErr != nil && ctx.Err() != nil && execCtx.Err() != nil {
		telemetry.JobOutcomes.WithLabelValues(string(job.Kind), OutcomeAbandoned).Inc()
		log.Warn("job abandoned at shutdown, left for the stale sweep",
			slog.Duration("grace", p.opts.ShutdownGrace))
		return nil
	}

	resolveCtx, cancelResolve := context.WithTimeout(context.WithoutCancel(ctx), resolveTimeout)
	defer cancelResolve()

	if runErr == nil {
		if err := p.store.Ack(resolveCtx, job); err != nil {
			return p.resolveFailed(log, job, "ack", err)
		}
		telemetry.JobOutcomes.WithLabelValues(string(job.Kind), OutcomeSucceeded).Inc()
		log.Info("job succeeded")
		return nil
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())

	params := queue.RetryParams{Error: runErr.Error(), Permanent: apperrors.IsPermanent(runErr)}
	if !params.Permanent {
		params.Delay = backoffWithJitter(p.opts.BackoffInitial, p.opts.BackoffMax, job.Attempts+1)
	}
	landed, err := p.store.Retry(resolveCtx, job, params)
	if err != nil {
		return p.resolveFailed(log, job, "retry", err)
	}

	outcome := OutcomeRetried
	if landed == models.QueueFailed {
		outcome = OutcomeFailed
	}
	telemetry.JobOutcomes.WithLabelValues(string(job.Kind), outcome).Inc()
	log.Warn("job attempt failed",
		slog.String("error", runErr.Error()),
		slog.Bool("permanent", params.Permanent),
		slog.Int("attempts", job.Attempts),
		slog.String("queue", string(landed)),
		slog.Duration("retry_in", params.Delay),
	)
	return nil
}

// resolveFailed treats a lost claim as handled; anything else is a store failure.
func (p *Processor) resolveFailed(log *slog.Logger, job *models.Job, op string, err error) error {
	if errors.Is(err, apperrors.ErrNotClaimed) {
		telemetry.JobOutcomes.WithLabelValues(string(job.Kind), OutcomeLost).Inc()
		log.Warn("claim lost before "+op+", job now belongs to another worker")
		return nil
	}
	return fmt.Errorf("%s job %s: %w", op, job.ID, err)
}

// heartbeat extends job's claim every third of its visibility timeout until
// the returned stop func is called.
func (p *Processor) heartbeat(ctx context.Context, job *models.Job, log *slog.Logger) (stop func()) {
	interval := p.visibilityTimeout(job.Kind) / 3
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			extendCtx, cancel := context.WithTimeout(ctx, resolveTimeout)
			err := p.store.ExtendClaim(extendCtx, job)
			cancel()
			switch {
			case errors.Is(err, apperrors.ErrNotClaimed):
				log.Warn("claim lost while the job was running")
				return
			case err != nil && ctx.Err() == nil:
				telemetry.StoreErrors.Inc()
				log.Error("extend claim failed", slog.String("error", err.Error()))
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// visibilityTimeout mirrors the store's lookup: the kind's timeout, else the longest configured.
func (p *Processor) visibilityTimeout(kind models.JobKind) time.Duration {
	if d, ok := p.opts.VisibilityTimeouts[kind]; ok && d > 0 {
		return d
	}
	var longest time.Duration
	for _, d := range p.opts.VisibilityTimeouts {
		longest = max(longest, d)
	}
	return longest
}

// executionContext outlives ctx by ShutdownGrace so an in-flight job can finish.
func (p *Processor) executionContext(ctx context.Context) (context.Context, context.CancelFunc) {
	execCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(p.opts.ShutdownGrace, cancel)
	})
	return execCtx, func() {
		stop()
		cancel()
	}
}

func (p *Processor) runJob(ctx context.Context, job *models.Job) (err error) {
	handler, ok := p.handlers[job.Kind]
	if !ok {
		return apperrors.Permanent(fmt.Errorf("no handler registered for kind %q", job.Kind))
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// Sweep returns stale claims to main and refreshes the queue depth gauges.
func (p *Processor) Sweep(ctx context.Context) ([]string, error) {
	ids, err := p.store.RequeueStale(ctx, p.opts.VisibilityTimeouts)
	if err != nil {
		telemetry.StoreErrors.Inc()
		return nil, fmt.Errorf("requeue stale: %w", err)
	}
	if len(ids) > 0 {
		telemetry.StaleRequeued.Add(float64(len(ids)))
		p.logger.Warn("recovered stale jobs", slog.Int("count", len(ids)), slog.Any("job_ids", ids))
	}
	if stats, err := p.store.Stats(ctx); err == nil {
		telemetry.QueueDepth.WithLabelValues(string(models.QueueMain)).Set(float64(stats.Main))
		telemetry.QueueDepth.WithLabelValues(string(models.QueueProcessing)).Set(float64(stats.Processing))
		telemetry.QueueDepth.WithLabelValues(string(models.QueueFailed)).Set(float64(stats.Failed))
	}
	return ids, nil
}

func (p *Processor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()
	for {
		if _, err := p.Sweep(ctx); err != nil && ctx.Err() == nil {
			p.logger.Error("stale sweep failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
