// Package app builds the indexing pipeline from configuration and runs its processes.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"search-indexer/internal/admin"
	"search-indexer/internal/api"
	"search-indexer/internal/catalog"
	"search-indexer/internal/config"
	"search-indexer/internal/events"
	"search-indexer/internal/indexer"
	"search-indexer/internal/models"
	"search-indexer/internal/queue"
	"search-indexer/internal/ratelimit"
	"search-indexer/internal/reindex"
	"search-indexer/internal/report"
	"search-indexer/internal/search"
	"search-indexer/internal/telemetry"
	"search-indexer/internal/worker"
)

// Container holds the wired components shared by every entry point.
type Container struct {
	Config       config.Config
	Logger       *slog.Logger
	Store        queue.Store
	Redis        *redis.Client
	Catalog      catalog.Catalog
	Engine       search.Engine
	Indexer      *indexer.Indexer
	Orchestrator *reindex.Orchestrator
	Admin        *admin.Service
	Archiver     *report.Archiver

	checks  map[string]api.Checker
	closers []func()
}

// New connects to every configured backend. On error, anything already
// opened is closed.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (_ *Container, err error) {
	c := &Container{Config: cfg, Logger: logger, checks: map[string]api.Checker{}}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	switch cfg.QueueBackend {
	case "memory":
		c.Store = queue.NewMemoryStore(queue.Options{MaxAttempts: cfg.MaxAttempts})
	default:
		rs := queue.OpenRedis(cfg)
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := rs.Ping(pingCtx)
		cancel()
		if err != nil {
			// the worker backs off until the store answers; readiness reports it meanwhile
			logger.Warn("job store not reachable yet", slog.String("addr", cfg.RedisAddr), slog.String("error", err.Error()))
		}
		c.Store = rs
		c.Redis = rs.Client()
		c.checks["redis"] = rs.Ping
	}
	c.closers = append(c.closers, func() { _ = c.Store.Close() })

	if cfg.PostgresDSN == "" {
		logger.Warn("POSTGRES_DSN is empty, using an empty in-memory catalog")
		c.Catalog = catalog.NewMemory()
	} else {
		pg, err := catalog.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("catalog: %w", err)
		}
		c.Catalog = pg
		c.closers = append(c.closers, pg.Close)
		c.checks["postgres"] = pg.Ping
	}

	engine, err := c.buildEngine(ctx)
	if err != nil {
		return nil, err
	}
	c.Engine = engine
	c.checks["search"] = func(ctx context.Context) error {
		if !engine.IsAvailable(ctx) {
			return errors.New("search engine unavailable")
		}
		return nil
	}

	c.Indexer = indexer.New(c.Catalog, c.Engine, cfg.SearchIndex, logger)
	c.Orchestrator = reindex.New(c.Catalog, c.Indexer, reindex.Options{
		PageSize:  cfg.ReindexPageSize,
		MaxErrors: cfg.ReindexMaxErrors,
	}, logger)
	c.Admin = admin.New(c.Store, c.Engine, c.Indexer, c.Orchestrator, logger)

	c.Archiver, err = report.FromConfig(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("report archiver: %w", err)
	}
	return c, nil
}

func (c *Container) buildEngine(ctx context.Context) (search.Engine, error) {
	if c.Config.SearchEngine == "memory" {
		return search.NewMemory(), nil
	}
	es, err := search.NewElasticsearch(c.Config.ElasticsearchURL, c.Logger)
	if err != nil {
		return nil, err
	}
	if err := es.EnsureIndex(ctx, c.Config.SearchIndex); err != nil {
		// not fatal: upserts fail and are retried until the cluster is reachable
		c.Logger.Warn("ensure search index failed", slog.String("index", c.Config.SearchIndex), slog.String("error", err.Error()))
	}
	bc := search.DefaultBreakerConfig("search-engine")
	bc.Timeout = c.Config.BreakerTimeout
	bc.MinRequests = c.Config.BreakerMinRequests
	bc.FailureRatio = c.Config.BreakerFailRatio
	return search.NewBreakerEngine(es, bc, c.Logger), nil
}

// Close releases connections in reverse order of opening.
func (c *Container) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

// Checks returns the readiness checks for the configured backends.
func (c *Container) Checks() map[string]api.Checker {
	return c.checks
}

// NewProcessor builds a worker with handlers for both job kinds.
func (c *Container) NewProcessor() *worker.Processor {
	p := worker.NewProcessor(c.Store, worker.OptionsFromConfig(c.Config), c.Logger)
	p.RegisterHandler(models.KindIndexSingle, worker.IndexSingleHandler(c.Indexer))
	var saver worker.ReportSaver
	if c.Archiver != nil {
		saver = c.Archiver
	}
	p.RegisterHandler(models.KindReindexFiltered, worker.ReindexHandler(c.Orchestrator, saver, c.Logger))
	return p
}

// NewAPIServer builds the admin HTTP server. The rate limiter needs Redis.
func (c *Container) NewAPIServer() *api.Server {
	var limiter ratelimit.Limiter
	if c.Redis != nil {
		limiter = ratelimit.NewTokenBucket(c.Redis, c.Config.QueueKeyPrefix+":ratelimit",
			c.Config.RateLimitCapacity, c.Config.RateLimitRefill, time.Hour)
	}
	tokens := api.NewTokenSet(c.Config.AdminReadToken, c.Config.AdminWriteToken)
	if len(tokens) == 0 {
		c.Logger.Warn("no admin tokens configured, every authenticated route will answer 401")
	}
	return api.New(c.Admin, tokens, limiter, c.checks, c.Logger)
}

// RunAPI serves the admin API until ctx is cancelled.
func (c *Container) RunAPI(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(c.Config.HTTPPort),
		Handler:           c.NewAPIServer().Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return serve(ctx, srv, c.Logger)
}

// RunWorker drains the job store until ctx is cancelled. It also serves
// /metrics and, when brokers are configured, consumes product change events.
func (c *Container) RunWorker(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if c.Config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		srv := &http.Server{Addr: c.Config.MetricsAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serve(ctx, srv, c.Logger); err != nil {
				c.Logger.Error("metrics server stopped", slog.String("error", err.Error()))
			}
		}()
	}

	if len(c.Config.KafkaBrokers) > 0 {
		consumer := events.NewConsumer(c.Config, c.Admin, c.Logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Start(ctx); err != nil {
				c.Logger.Error("event consumer stopped", slog.String("error", err.Error()))
			}
		}()
	}

	err := c.NewProcessor().Run(ctx)
	cancel()
	wg.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serve(ctx context.Context, srv *http.Server, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
