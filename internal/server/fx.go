// Package server builds the harvester's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/prl-harvester/internal/api"
	"github.com/JakeFAU/prl-harvester/internal/clock/system"
	"github.com/JakeFAU/prl-harvester/internal/config"
	"github.com/JakeFAU/prl-harvester/internal/events"
	"github.com/JakeFAU/prl-harvester/internal/events/sinks"
	"github.com/JakeFAU/prl-harvester/internal/executor"
	collyfetcher "github.com/JakeFAU/prl-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/prl-harvester/internal/harvest"
	"github.com/JakeFAU/prl-harvester/internal/hash/sha256"
	"github.com/JakeFAU/prl-harvester/internal/id/uuid"
	indexmemory "github.com/JakeFAU/prl-harvester/internal/index/memory"
	"github.com/JakeFAU/prl-harvester/internal/index/solr"
	"github.com/JakeFAU/prl-harvester/internal/logging"
	"github.com/JakeFAU/prl-harvester/internal/oaipmh"
	memorypublisher "github.com/JakeFAU/prl-harvester/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/prl-harvester/internal/publisher/pubsub"
	"github.com/JakeFAU/prl-harvester/internal/ratelimit"
	"github.com/JakeFAU/prl-harvester/internal/scheduler"
	"github.com/JakeFAU/prl-harvester/internal/service"
	gcsstorage "github.com/JakeFAU/prl-harvester/internal/storage/gcs"
	localstorage "github.com/JakeFAU/prl-harvester/internal/storage/local"
	memorystorage "github.com/JakeFAU/prl-harvester/internal/storage/memory"
	pgstore "github.com/JakeFAU/prl-harvester/internal/storage/postgres"
	"github.com/JakeFAU/prl-harvester/internal/telemetry"
	"github.com/JakeFAU/prl-harvester/internal/transform"
)

// Version is stamped into traces.
var Version = "dev"

type closer struct {
	name string
	fn   func(context.Context) error
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	scheduler *scheduler.Scheduler
	service   *service.Service
	apiServer *api.Server
	hub       *events.Hub
	closers   []closer
	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies. Resources opened before a
// failure are released.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Options{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	app := &App{cfg: cfg, logger: logger}
	if err := app.build(ctx); err != nil {
		if app.hub != nil {
			_ = app.hub.Close(context.WithoutCancel(ctx))
		}
		app.closeResources(context.WithoutCancel(ctx))
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.cfg
	a.logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("index_backend", cfg.Index.Backend),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("postgres", cfg.DB.DSN != ""),
	)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     Version,
		ProjectID:   cfg.Telemetry.ProjectID,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.onClose("tracing", shutdownTracing)

	store, err := a.setupStore(ctx)
	if err != nil {
		return err
	}
	archive, err := a.setupStorage(ctx)
	if err != nil {
		return err
	}
	index, err := a.setupIndex()
	if err != nil {
		return err
	}
	publisher, err := a.setupPublisher(ctx)
	if err != nil {
		return err
	}
	a.hub = a.setupEvents(publisher)

	clock := system.New()
	ids := uuid.New()
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Harvest.UserAgent,
		RespectRobots: cfg.Harvest.RespectRobots,
		Timeout:       cfg.Harvest.HTTPTimeout(),
		MaxBodyBytes:  cfg.Harvest.MaxBodyBytes,
	})
	source := oaipmh.New(oaipmh.Config{
		SetConcurrency: cfg.Harvest.SetConcurrency,
		ArchivePages:   cfg.Storage.ArchivePages,
		ArchivePrefix:  cfg.Storage.Prefix,
		MaxPages:       cfg.Harvest.MaxPages,
	}, oaipmh.Deps{
		Fetcher: fetcher,
		Limiter: a.setupLimiter(),
		Archive: archive,
		Hasher:  sha256.New(),
		Logger:  a.logger,
	})
	runner := executor.New(executor.Config{
		MaxBatchSize:         cfg.Harvest.MaxBatchSize,
		TransformConcurrency: cfg.Harvest.TransformConcurrency,
	}, executor.Deps{
		Source:       source,
		Institutions: store,
		Index:        index,
		Transformer: transform.New(transform.Options{
			Prober:               fetcher,
			ThumbnailConcurrency: cfg.Harvest.ThumbnailConcurrency,
			Logger:               a.logger,
		}),
		Clock:  clock,
		Logger: a.logger,
	})

	loc, err := cfg.Scheduler.Location()
	if err != nil {
		return err
	}
	a.scheduler = scheduler.New(scheduler.Config{
		Workers:    cfg.Scheduler.Workers,
		QueueDepth: cfg.Scheduler.QueueDepth,
		Location:   loc,
	}, scheduler.Deps{
		Executor: runner,
		Store:    store,
		Events:   a.hub,
		Clock:    clock,
		IDs:      ids,
		Logger:   a.logger,
	})
	a.service = service.New(service.Deps{
		Store:     store,
		Scheduler: a.scheduler,
		Source:    source,
		Index:     index,
		Runner:    runner,
		Events:    a.hub,
		Clock:     clock,
		IDs:       ids,
		Logger:    a.logger,
	})
	a.apiServer = api.NewServer(a.service, api.Options{
		RequestTimeout: cfg.Server.RequestTimeout(),
		AuthEnabled:    cfg.Auth.Enabled,
		APIKey:         cfg.Auth.APIKey,
		Ready:          a.scheduler.Running,
	}, a.logger)
	return nil
}

func (a *App) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

func (a *App) setupStore(ctx context.Context) (harvest.ScheduleStore, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no database DSN configured, institutions and jobs are kept in memory")
		return memorystorage.NewScheduleStore(), nil
	}
	store, err := pgstore.NewScheduleStore(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("schedule store init failed: %w", err)
	}
	a.onClose("postgres", func(context.Context) error {
		store.Close()
		return nil
	})
	if a.cfg.DB.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			return nil, fmt.Errorf("schedule store migrate failed: %w", err)
		}
	}
	a.logger.Info("postgres schedule store initialized")
	return store, nil
}

func (a *App) setupStorage(ctx context.Context) (harvest.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case config.StorageGCS:
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.onClose("gcs", func(context.Context) error { return store.Close() })
		a.logger.Info("using GCS page archive", zap.String("bucket", a.cfg.Storage.Bucket))
		return store, nil
	case config.StorageLocal:
		store, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.onClose("local archive", func(context.Context) error { return store.Close() })
		a.logger.Info("using local page archive", zap.String("path", a.cfg.Storage.Local.BaseDir))
		return store, nil
	default:
		a.logger.Info("using in-memory page archive")
		return memorystorage.NewBlobStore(), nil
	}
}

func (a *App) setupIndex() (harvest.SearchIndex, error) {
	if a.cfg.Index.Backend != config.IndexSolr {
		a.logger.Warn("using in-memory search index")
		return indexmemory.New(), nil
	}
	client, err := solr.New(solr.Config{
		BaseURL: a.cfg.Index.SolrURL,
		Timeout: a.cfg.Harvest.HTTPTimeout(),
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("solr client init failed: %w", err)
	}
	a.logger.Info("using solr search index", zap.String("url", a.cfg.Index.SolrURL))
	return client, nil
}

func (a *App) setupPublisher(ctx context.Context) (harvest.Publisher, error) {
	if a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub project configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Open(ctx, gcppublisher.Config{
		ProjectID: a.cfg.PubSub.ProjectID,
		TopicName: a.cfg.PubSub.TopicName,
	})
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.onClose("pubsub", func(context.Context) error { return pub.Close() })
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return pub, nil
}

func (a *App) setupEvents(publisher harvest.Publisher) *events.Hub {
	sinkList := []events.Sink{
		sinks.NewPublishSink(publisher, a.cfg.PubSub.TopicName),
		sinks.NewMetricsSink(),
	}
	if a.cfg.Events.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("run_events")))
	}
	hubCfg := events.Config{
		BufferSize:     a.cfg.Events.BufferSize,
		MaxBatchEvents: a.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   time.Duration(a.cfg.Events.MaxBatchWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Events.SinkTimeoutMs) * time.Millisecond,
		Logger:         a.logger.Named("events_hub"),
	}
	hub := events.NewHub(hubCfg, sinkList...)
	a.logger.Info("run event hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Int("sinks", len(sinkList)),
	)
	return hub
}

func (a *App) setupLimiter() harvest.Limiter {
	if !a.cfg.RateLimit.Enabled {
		a.logger.Info("rate limiter disabled")
		return ratelimit.Noop{}
	}
	a.logger.Info("rate limiter enabled",
		zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
		zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst),
		zap.Int("host_overrides", len(a.cfg.RateLimit.Hosts)),
	)
	return ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.RateLimit.DefaultRPS,
		DefaultBurst: a.cfg.RateLimit.DefaultBurst,
		Hosts:        a.cfg.RateLimit.Hosts,
	})
}

// Service exposes the application service.
func (a *App) Service() *service.Service {
	return a.service
}

// HarvestOnce runs a stored job outside the scheduler.
func (a *App) HarvestOnce(ctx context.Context, jobID int) (harvest.JobResult, error) {
	res, err := a.service.HarvestOnce(ctx, jobID)
	if err != nil {
		return harvest.JobResult{}, fmt.Errorf("harvest job %d: %w", jobID, err)
	}
	return res, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run starts the scheduler and HTTP server and blocks until the context is
// canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.logger.Info("scheduler started", zap.Int("triggers", len(a.scheduler.Triggers())))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Scheduler.ShutdownTimeout()+10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close stops the scheduler, waiting up to the configured shutdown timeout for
// in-flight runs, then flushes run events and releases every resource. Only
// the first call has an effect.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() { a.closeErr = a.close(ctx) })
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		schedCtx, cancel := context.WithTimeout(ctx, a.cfg.Scheduler.ShutdownTimeout())
		if err := a.scheduler.Close(schedCtx); err != nil {
			a.logger.Warn("scheduler close failed", zap.Error(err))
			errs = append(errs, err)
		}
		cancel()
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("event hub close failed", zap.Error(err))
			errs = append(errs, err)
		}
	}
	a.closeResources(ctx)
	a.logger.Info("shutdown complete")
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}

func (a *App) closeResources(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}
