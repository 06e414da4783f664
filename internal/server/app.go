// Package server builds the scrape engine's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/realtime-social-scraper/internal/api"
	"github.com/JakeFAU/realtime-social-scraper/internal/cache"
	"github.com/JakeFAU/realtime-social-scraper/internal/clock/system"
	"github.com/JakeFAU/realtime-social-scraper/internal/config"
	"github.com/JakeFAU/realtime-social-scraper/internal/dispatcher"
	"github.com/JakeFAU/realtime-social-scraper/internal/fetcher/apiclient"
	"github.com/JakeFAU/realtime-social-scraper/internal/fetcher/page"
	"github.com/JakeFAU/realtime-social-scraper/internal/id/uuid"
	"github.com/JakeFAU/realtime-social-scraper/internal/metrics"
	"github.com/JakeFAU/realtime-social-scraper/internal/orchestrator"
	"github.com/JakeFAU/realtime-social-scraper/internal/policy/ratelimit"
	"github.com/JakeFAU/realtime-social-scraper/internal/progress"
	progresssinks "github.com/JakeFAU/realtime-social-scraper/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/realtime-social-scraper/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/realtime-social-scraper/internal/publisher/pubsub"
	queuemem "github.com/JakeFAU/realtime-social-scraper/internal/queue/memory"
	"github.com/JakeFAU/realtime-social-scraper/internal/retry"
	"github.com/JakeFAU/realtime-social-scraper/internal/scrape"
	badgerstore "github.com/JakeFAU/realtime-social-scraper/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/realtime-social-scraper/internal/storage/gcs"
	localstorage "github.com/JakeFAU/realtime-social-scraper/internal/storage/local"
	memorystorage "github.com/JakeFAU/realtime-social-scraper/internal/storage/memory"
	mongostore "github.com/JakeFAU/realtime-social-scraper/internal/storage/mongodb"
	pgstore "github.com/JakeFAU/realtime-social-scraper/internal/storage/postgres"
	"github.com/JakeFAU/realtime-social-scraper/internal/telemetry"
	"github.com/JakeFAU/realtime-social-scraper/internal/validate"
	"github.com/JakeFAU/realtime-social-scraper/internal/warming"
	"github.com/JakeFAU/realtime-social-scraper/internal/worker"
)

const defaultShutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  scrape.Clock

	cache        *cache.Cache
	orchestrator *orchestrator.Orchestrator
	dispatch     *dispatcher.Dispatcher
	queue        *queuemem.Queue
	warmer       *warming.Warmer
	progressHub  *progress.Hub
	apiServer    *api.Server

	jobStore scrape.JobStore
	sweeper  warming.Sweeper
	pgPool   *pgxpool.Pool

	// closers run in reverse order of registration.
	closers        []namedCloser
	tracerShutdown telemetry.ShutdownFunc
}

type namedCloser struct {
	name string
	c    io.Closer
}

// Orchestrator exposes the resolver for one-shot commands.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orchestrator
}

// Cache exposes the two-tier cache.
func (a *App) Cache() *cache.Cache {
	return a.cache
}

// Handler returns the HTTP handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) addCloser(name string, c io.Closer) {
	a.closers = append(a.closers, namedCloser{name: name, c: c})
}

// Build creates the application's dependencies. The returned App must be
// closed by the caller, or run with Run which closes it on shutdown.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger, clock: system.New()}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("l2_backend", cfg.L2.Backend),
		zap.String("fetcher", cfg.Fetcher.Kind),
	)

	if err := app.build(ctx); err != nil {
		_ = app.Close(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	_, shutdown, err := telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:  a.cfg.Telemetry.ServiceName,
		OTLPEndpoint: a.cfg.Telemetry.OTLPEndpoint,
		Insecure:     a.cfg.Telemetry.Insecure,
		SampleRatio:  a.cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.tracerShutdown = shutdown

	policies, err := a.cfg.PolicyRegistry()
	if err != nil {
		return err
	}
	schemas, err := a.cfg.SchemaRegistry()
	if err != nil {
		return err
	}

	l2, err := a.setupL2(ctx)
	if err != nil {
		return err
	}
	a.cache, err = cache.New(a.cfg.CacheSettings(), l2, a.clock, a.logger)
	if err != nil {
		if closer, ok := l2.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("cache init failed: %w", err)
	}
	// Closing the cache closes its L2 store.
	a.addCloser("cache", a.cache)
	metrics.Init()
	collector := metrics.NewCacheCollector(a.cache.Stats, a.cache.Len)
	if err := prometheus.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return fmt.Errorf("register cache collector: %w", err)
		}
	}

	archive, err := a.setupArchive(ctx)
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	a.setupProgress(ctx, publisher)

	engine := retry.NewEngine(retry.Options{
		Clock:  a.clock,
		Logger: a.logger.Named("retry"),
	})
	a.orchestrator, err = orchestrator.New(orchestrator.Options{
		Policies:       policies,
		Schemas:        schemas,
		Engine:         engine,
		Validator:      validate.New(a.clock),
		Cache:          a.cache,
		Fetcher:        a.setupFetcher(),
		Clock:          a.clock,
		IDs:            uuid.New(),
		ContentRetries: a.cfg.Engine.ContentRetries,
		Archive:        archive,
		ArchivePrefix:  a.cfg.Archive.Prefix,
		Publisher:      publisher,
		ResultTopic:    a.cfg.PubSub.ResultTopic,
		Progress:       a.progressEmitter(),
		Tracer:         telemetry.Tracer("scrapeengine/orchestrator"),
		Logger:         a.logger.Named("orchestrator"),
	})
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}

	a.setupDispatcher()

	if a.cfg.Warming.Enabled {
		a.warmer, err = warming.New(warming.Config{
			Schedule:      a.cfg.Warming.Schedule,
			LeadTime:      a.cfg.Warming.LeadTime,
			RunTimeout:    a.cfg.Warming.RunTimeout,
			SweepSchedule: a.cfg.Warming.SweepSchedule,
		}, a.cache, a.orchestrator, a.sweeper, a.clock, a.logger)
		if err != nil {
			return fmt.Errorf("warmer init failed: %w", err)
		}
	}

	deps := api.Deps{
		Engine: a.orchestrator,
		Jobs:   a.dispatch,
		Cache:  a.cache,
		Ready:  a.ready,
	}
	if a.warmer != nil {
		deps.Warmer = a.warmer
	}
	a.apiServer = api.NewServer(deps, a.cfg, a.logger)
	return nil
}

func (a *App) setupL2(ctx context.Context) (cache.Store, error) {
	l2cfg := a.cfg.L2
	switch l2cfg.Backend {
	case config.BackendPostgres:
		pool, err := pgstore.Connect(ctx, l2cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("postgres init failed: %w", err)
		}
		a.pgPool = pool
		entries, err := pgstore.NewEntryStoreWithPool(pool, l2cfg.Postgres.EntryTable)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres entry store init failed: %w", err)
		}
		jobs, err := pgstore.NewJobStoreWithPool(pool, l2cfg.Postgres.JobTable)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres job store init failed: %w", err)
		}
		if l2cfg.Postgres.AutoMigrate {
			if err := errors.Join(entries.EnsureSchema(ctx), jobs.EnsureSchema(ctx)); err != nil {
				pool.Close()
				return nil, err
			}
		}
		a.jobStore = jobs
		a.sweeper = entries
		a.logger.Info("using postgres L2 tier",
			zap.String("entry_table", l2cfg.Postgres.EntryTable),
			zap.String("job_table", l2cfg.Postgres.JobTable),
		)
		return entries, nil
	case config.BackendBadger:
		store, err := badgerstore.Open(l2cfg.Badger)
		if err != nil {
			return nil, fmt.Errorf("badger init failed: %w", err)
		}
		a.logger.Info("using badger L2 tier", zap.String("dir", l2cfg.Badger.Dir))
		return store, nil
	case config.BackendMongo:
		store, err := mongostore.NewEntryStore(ctx, l2cfg.Mongo)
		if err != nil {
			return nil, fmt.Errorf("mongodb init failed: %w", err)
		}
		a.logger.Info("using mongodb L2 tier",
			zap.String("database", l2cfg.Mongo.Database),
			zap.String("collection", l2cfg.Mongo.Collection),
		)
		return store, nil
	case config.BackendNone:
		a.logger.Warn("no L2 tier configured, cache is process-local")
		return nil, nil
	default:
		a.logger.Info("using in-memory L2 tier")
		return memorystorage.NewEntryStore(), nil
	}
}

func (a *App) setupFetcher() scrape.Fetcher {
	fcfg := a.cfg.Fetcher
	var fetcher scrape.Fetcher
	switch fcfg.Kind {
	case config.FetcherPage:
		headers := make(http.Header, len(fcfg.Headers))
		for k, v := range fcfg.Headers {
			headers.Set(k, v)
		}
		fetcher = page.New(page.Config{
			UserAgent:     fcfg.UserAgent,
			RespectRobots: fcfg.RespectRobots,
			Timeout:       fcfg.Timeout,
			Headers:       headers,
		}, a.clock)
		a.logger.Info("using colly page fetcher", zap.String("user_agent", fcfg.UserAgent))
	default:
		fetcher = apiclient.New(apiclient.Config{
			BaseURL:   fcfg.BaseURL,
			UserAgent: fcfg.UserAgent,
			Timeout:   fcfg.Timeout,
			Headers:   fcfg.Headers,
			Envelope:  fcfg.Envelope,
		}, a.clock)
		a.logger.Info("using api fetcher", zap.String("base_url", fcfg.BaseURL))
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   fcfg.RateLimit.DefaultRPS,
		DefaultBurst: fcfg.RateLimit.DefaultBurst,
		PerHost:      fcfg.RateLimit.PerHostRPS(),
	})
	a.logger.Info("rate limiter enabled",
		zap.Float64("default_rps", fcfg.RateLimit.DefaultRPS),
		zap.Int("default_burst", fcfg.RateLimit.DefaultBurst),
		zap.Int("host_overrides", len(fcfg.RateLimit.PerHost)),
	)
	return limiter.Wrap(fetcher)
}

func (a *App) setupArchive(ctx context.Context) (scrape.BlobStore, error) {
	acfg := a.cfg.Archive
	switch acfg.Backend {
	case config.BackendGCS:
		store, err := gcsstorage.Dial(ctx, acfg.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.addCloser("gcs", store)
		a.logger.Info("archiving raw payloads to GCS", zap.String("bucket", acfg.GCS.Bucket))
		return store, nil
	case config.BackendLocal:
		store, err := localstorage.New(acfg.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("archiving raw payloads locally", zap.String("path", acfg.Local.BaseDir))
		return store, nil
	case config.BackendMemory:
		a.logger.Info("archiving raw payloads in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (scrape.Publisher, error) {
	pcfg := a.cfg.PubSub
	switch pcfg.Backend {
	case config.BackendPubSub:
		pub, err := gcppublisher.Dial(ctx, pcfg.ProjectID, pcfg.ResultTopic)
		if err != nil {
			return nil, fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.addCloser("pubsub", pub)
		a.logger.Info("Pub/Sub publisher initialized",
			zap.String("project", pcfg.ProjectID),
			zap.String("result_topic", pcfg.ResultTopic),
		)
		return pub, nil
	case config.BackendMemory:
		a.logger.Info("using in-memory publisher")
		return memorypublisher.New(), nil
	default:
		return nil, nil
	}
}

func (a *App) setupProgress(ctx context.Context, publisher scrape.Publisher) {
	sinks := []progress.Sink{progresssinks.NewLogSink(a.logger.Named("progress_log"))}
	if publisher != nil && a.cfg.PubSub.ProgressTopic != "" {
		sinks = append(sinks, progresssinks.NewPublisherSink(publisher, a.cfg.PubSub.ProgressTopic))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinks...)
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinks)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
}

func (a *App) progressEmitter() progress.Emitter {
	if a.progressHub == nil {
		return nil
	}
	return a.progressHub
}

func (a *App) setupDispatcher() {
	if a.jobStore == nil {
		a.jobStore = memorystorage.NewJobStore()
	}
	a.queue = queuemem.NewQueue(a.cfg.Engine.QueueDepth)
	workers := make([]*worker.Worker, 0, a.cfg.Engine.Workers)
	for i := 0; i < a.cfg.Engine.Workers; i++ {
		workers = append(workers, worker.New(i, a.queue, a.jobStore, a.orchestrator, a.clock, a.logger))
	}
	a.dispatch = dispatcher.New(a.queue, a.jobStore, a.clock, workers)
	a.logger.Info("worker pool configured",
		zap.Int("workers", a.cfg.Engine.Workers),
		zap.Int("queue_depth", a.cfg.Engine.QueueDepth),
	)
}

func (a *App) ready(ctx context.Context) error {
	if a.pgPool != nil {
		if err := a.pgPool.Ping(ctx); err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
	}
	return nil
}

// Run serves HTTP, drives the worker pool and the warming schedule, and
// blocks until the context is canceled or SIGINT/SIGTERM arrives. It closes
// the App before returning.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	dispatchDone := make(chan struct{})
	go func() {
		defer close(dispatchDone)
		a.logger.Info("dispatcher started")
		a.dispatch.Run(workCtx)
	}()

	if a.warmer != nil {
		if err := a.warmer.Start(workCtx); err != nil {
			stop()
			a.queue.Close()
			<-dispatchDone
			return errors.Join(err, a.Close(context.WithoutCancel(ctx)))
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.shutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.shutdownTimeout())
	defer cancel()

	var stopErr error
	if a.warmer != nil {
		if stopErr = a.warmer.Stop(shutdownCtx); stopErr != nil {
			a.logger.Warn("warmer stop failed", zap.Error(stopErr))
		}
	}
	a.queue.Close()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before the shutdown deadline; canceling in-flight jobs")
		cancelWork()
		<-dispatchDone
	}

	return errors.Join(runErr, stopErr, a.Close(shutdownCtx))
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return defaultShutdownTimeout
}

// Close releases every resource Build acquired. It is safe to call on a
// partially built App.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		nc := a.closers[i]
		if err := nc.c.Close(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", nc.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", nc.name, err))
		}
	}
	a.closers = nil
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
