// Package server provides the core application server and dependency injection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/kbforge/scrapeindex/internal/api"
	"github.com/kbforge/scrapeindex/internal/browser"
	"github.com/kbforge/scrapeindex/internal/clock/system"
	"github.com/kbforge/scrapeindex/internal/config"
	"github.com/kbforge/scrapeindex/internal/crawler"
	"github.com/kbforge/scrapeindex/internal/dispatcher"
	"github.com/kbforge/scrapeindex/internal/discovery"
	"github.com/kbforge/scrapeindex/internal/embedding"
	"github.com/kbforge/scrapeindex/internal/id/uuid"
	"github.com/kbforge/scrapeindex/internal/ingest"
	"github.com/kbforge/scrapeindex/internal/jobrunner"
	"github.com/kbforge/scrapeindex/internal/kb"
	"github.com/kbforge/scrapeindex/internal/logging"
	"github.com/kbforge/scrapeindex/internal/policy/ratelimit"
	"github.com/kbforge/scrapeindex/internal/policy/simple"
	"github.com/kbforge/scrapeindex/internal/progress"
	progresssinks "github.com/kbforge/scrapeindex/internal/progress/sinks"
	memorypublisher "github.com/kbforge/scrapeindex/internal/publisher/memory"
	gcppublisher "github.com/kbforge/scrapeindex/internal/publisher/pubsub"
	queueMemory "github.com/kbforge/scrapeindex/internal/queue/memory"
	"github.com/kbforge/scrapeindex/internal/retrieval"
	"github.com/kbforge/scrapeindex/internal/scrapejob"
	memoryStorage "github.com/kbforge/scrapeindex/internal/storage/memory"
	pgstore "github.com/kbforge/scrapeindex/internal/storage/postgres"
	"github.com/kbforge/scrapeindex/internal/store"
	"github.com/kbforge/scrapeindex/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg             *config.Config
	logger          *zap.Logger
	apiServer       *api.Server
	dispatch        *dispatcher.Dispatcher
	progressHub     *progress.Hub
	queue           *queueMemory.Queue
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	browserPool     *browser.Pool
	progressRepo    store.ProgressRepository
	tracerShutdown  func(context.Context) error
	metricShutdown  func(context.Context) error
}

// NewApp creates a new App with the given configuration.
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	type SanitizedConfig struct {
		ServiceName string `json:"service_name"`
		ServerPort  int    `json:"server_port"`
	}
	safeCfg := SanitizedConfig{
		ServiceName: cfg.Application.ServiceName,
		ServerPort:  cfg.Server.Port,
	}
	logger.Info("Creating application", zap.Any("config", safeCfg))
	return &App{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Run starts the application and blocks until the context is canceled.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.queue.Close()
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.browserPool != nil {
		a.browserPool.Shutdown(ctx)
	}
	if a.progressRepo != nil {
		if pgRepo, ok := a.progressRepo.(*pgstore.ProgressStore); ok {
			pgRepo.Close()
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.logger.Sync(); err != nil {
		a.logger.Warn("logger sync failed", zap.Error(err))
	}
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if a.metricShutdown != nil {
		if err := a.metricShutdown(ctx); err != nil {
			a.logger.Warn("metric shutdown failed", zap.Error(err))
		}
	}
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}

	tp, mp, err := telemetry.InitTelemetry(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown
	app.metricShutdown = mp.Shutdown

	app.logger.Info("building application dependencies")

	jobStore, kbStore, err := setupStores(ctx, app)
	if err != nil {
		return nil, err
	}

	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}

	progressEmitter, err := setupProgress(ctx, app, app.progressRepo)
	if err != nil {
		return nil, err
	}
	hub, _ := progressEmitter.(*progress.Hub)

	embedder := setupEmbedder(app)
	searcher := retrieval.New(kbStore, embedder)

	app.queue = queueMemory.NewQueue(cfg.Crawler.GlobalQueueDepth)
	app.dispatch, err = setupDispatcher(app, jobStore, kbStore, embedder, publisher, hub)
	if err != nil {
		return nil, err
	}

	app.apiServer = api.NewServer(
		jobStore,
		kbStore,
		searcher,
		app.dispatch,
		uuid.NewUUIDGenerator(),
		system.New(),
		*cfg,
		api.NewProgressHandler(app.progressRepo, app.logger.Named("progress")),
	)

	return app, nil
}

// setupStores builds the job/knowledge-base store port implementations.
// A configured database.dsn selects Postgres-backed progress tracking;
// the job and knowledge-base stores themselves are in-memory until a
// Postgres-backed kb.Store/scrapejob.Store implementation lands (see
// DESIGN.md).
func setupStores(ctx context.Context, app *App) (scrapejob.Store, kb.Store, error) {
	if err := setupDatabase(ctx, app); err != nil {
		return nil, nil, err
	}
	jobStore := memoryStorage.NewScrapeJobStore()
	kbStore := memoryStorage.NewKBStore()
	app.logger.Info("using in-memory job and knowledge base stores")
	return jobStore, kbStore, nil
}

func setupDatabase(ctx context.Context, app *App) error {
	if app.cfg.Database.DSN == "" {
		app.logger.Warn("no DSN specified for database, skipping progress repository initialization")
		return nil
	}
	var err error
	app.progressRepo, err = pgstore.NewProgressStore(ctx, app.cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("progress store init failed: %w", err)
	}
	app.logger.Info("progress store initialized", zap.String("table", app.cfg.Database.ProgressTable))
	return nil
}

func setupPublisher(ctx context.Context, app *App) (crawler.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

func setupProgress(
	ctx context.Context,
	app *App,
	progressRepo store.ProgressRepository,
) (progress.Emitter, error) {
	if !app.cfg.Progress.Enabled {
		app.logger.Info("progress tracking disabled")
		return nil, nil
	}
	var sinkList []progress.Sink
	if progressRepo != nil {
		sinkList = append(
			sinkList,
			progresssinks.NewStoreSink(progressRepo, app.logger.Named("progress_store")),
		)
		app.logger.Debug("added progress store sink")
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(
			sinkList,
			progresssinks.NewLogSink(app.logger.Named("progress_log")),
		)
		app.logger.Debug("added progress log sink")
	}
	if len(sinkList) == 0 {
		app.logger.Warn("progress tracking enabled but no sinks configured")
		return nil, nil
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   app.cfg.Progress.MaxWait(),
		SinkTimeout:    app.cfg.Progress.SinkTimeout(),
		BaseContext:    ctx,
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

// setupEmbedder builds the embedding.Service the ingestion pipeline and
// retrieval searcher share. A configured embedding.api_key selects the
// Jina-shaped RestyClient; otherwise a deterministic Fake keeps the
// service runnable without external credentials.
func setupEmbedder(app *App) embedding.Service {
	if app.cfg.Embedding.APIKey == "" {
		app.logger.Warn("no embedding API key configured, using deterministic fake embedder")
		dim := app.cfg.Embedding.Dimensions
		if dim <= 0 {
			dim = 768
		}
		return embedding.NewFake(dim)
	}
	app.logger.Info("using resty embedding client", zap.String("provider", app.cfg.Embedding.Provider))
	return embedding.NewRestyClient(
		app.cfg.Embedding.APIKey,
		embedding.WithEndpoint(app.cfg.Embedding.Endpoint),
		embedding.WithDimensions(app.cfg.Embedding.Dimensions),
	)
}

func setupDispatcher(
	app *App,
	jobStore scrapejob.Store,
	kbStore kb.Store,
	embedder embedding.Service,
	publisher crawler.Publisher,
	hub *progress.Hub,
) (*dispatcher.Dispatcher, error) {
	pool := browser.New(browser.Config{
		MaxPages:      app.cfg.Browser.MaxPages,
		UserAgent:     app.cfg.Crawler.UserAgent,
		LaunchTimeout: app.cfg.Browser.Duration(),
	}, app.logger.Named("browser"))
	app.browserPool = pool

	probe, err := crawler.NewCollyProbe(crawler.CrawlerConfig{
		UserAgent:          app.cfg.Crawler.UserAgent,
		Concurrency:        app.cfg.Crawler.Concurrency,
		RateLimitPerDomain: app.cfg.Crawler.PerDomainMax,
		RequestTimeout:     time.Duration(app.cfg.HTTP.TimeoutSeconds) * time.Second,
	}, app.logger.Named("probe"))
	if err != nil {
		return nil, fmt.Errorf("colly probe init failed: %w", err)
	}

	robots := crawler.NewRobotsEnforcer(!app.cfg.Crawler.IgnoreRobots, app.cfg.Crawler.UserAgent, app.logger.Named("robots"))

	var policy crawler.Policy
	if app.cfg.RateLimit.Enabled {
		policy = ratelimit.New(ratelimit.Config{
			DefaultRPS:   app.cfg.RateLimit.DefaultRPS,
			DefaultBurst: app.cfg.RateLimit.DefaultBurst,
		})
		app.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", app.cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", app.cfg.RateLimit.DefaultBurst),
		)
	} else {
		policy = simple.New()
		app.logger.Info("rate limiter disabled, using simple policy")
	}

	engine := discovery.New(probe, &discovery.BrowserRenderer{Pool: pool}, app.logger.Named("discovery"))
	engine.Policy = policy
	engine.Robots = robots

	pipeline := ingest.New(
		&ingest.BrowserScraper{Pool: pool},
		embedder,
		kbStore,
		jobStore,
		publisher,
		app.logger.Named("ingest"),
		ingest.Config{
			MaxConcurrency: app.cfg.Crawler.Concurrency,
			PublishTopic:   app.cfg.PubSub.TopicName,
		},
	)
	pipeline.Policy = policy

	var runners []*jobrunner.Runner
	for i := 0; i < app.cfg.Crawler.Concurrency; i++ {
		runners = append(runners, jobrunner.New(
			app.queue,
			jobStore,
			kbStore,
			engine,
			pipeline,
			hub,
			app.logger.Named("jobrunner").With(zap.Int("index", i)),
			jobrunner.Config{},
		))
	}
	return dispatcher.New(app.queue, runners), nil
}
