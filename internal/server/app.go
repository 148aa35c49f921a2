// Package server builds the application's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/opendata-ingest/internal/api"
	"github.com/JakeFAU/opendata-ingest/internal/clock/system"
	"github.com/JakeFAU/opendata-ingest/internal/config"
	"github.com/JakeFAU/opendata-ingest/internal/cycle"
	collyfetcher "github.com/JakeFAU/opendata-ingest/internal/fetcher/colly"
	"github.com/JakeFAU/opendata-ingest/internal/hash/sha256"
	"github.com/JakeFAU/opendata-ingest/internal/id/uuid"
	"github.com/JakeFAU/opendata-ingest/internal/ingest"
	"github.com/JakeFAU/opendata-ingest/internal/normalize"
	"github.com/JakeFAU/opendata-ingest/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/opendata-ingest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/opendata-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/opendata-ingest/internal/registry"
	"github.com/JakeFAU/opendata-ingest/internal/scheduler"
	gcsstorage "github.com/JakeFAU/opendata-ingest/internal/storage/gcs"
	localstorage "github.com/JakeFAU/opendata-ingest/internal/storage/local"
	memorystorage "github.com/JakeFAU/opendata-ingest/internal/storage/memory"
	pgstore "github.com/JakeFAU/opendata-ingest/internal/storage/postgres"
	"github.com/JakeFAU/opendata-ingest/internal/telemetry"
	"github.com/JakeFAU/opendata-ingest/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	registry  *registry.Registry
	scheduler *scheduler.Scheduler
	apiServer *api.Server

	recordStore ingest.RecordStore
	pgStore     *pgstore.RecordStore
	gcsArchive  *gcsstorage.BlobStore
	pubsub      *gcppublisher.Publisher

	tracerShutdown telemetry.ShutdownFunc

	closeOnce sync.Once
	closeErr  error
}

// Build creates the application's dependencies. Any failure here is fatal:
// a missing DSN or an unreachable store stops the process before it serves.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.String("store_backend", cfg.Store.Backend),
		zap.String("archive_backend", cfg.Archive.Backend),
		zap.Int("sources", len(cfg.Sources)),
	)

	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure()
		}
	}()

	tracerShutdown, err := telemetry.Init(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tracerShutdown
	if cfg.Telemetry.Enabled {
		logger.Info("tracing enabled",
			zap.String("project", cfg.Telemetry.ProjectID),
			zap.Float64("sample_ratio", cfg.Telemetry.SampleRatio),
		)
	}

	if err := app.setupStore(ctx); err != nil {
		return nil, err
	}
	archive, err := app.setupArchive(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}

	app.registry, err = registry.New(cfg.Seeds())
	if err != nil {
		return nil, fmt.Errorf("registry init failed: %w", err)
	}

	orchestrator := app.setupOrchestrator(archive, publisher)
	app.scheduler, err = scheduler.New(orchestrator, scheduler.Config{
		Interval:   cfg.Scheduler.Interval,
		Cron:       cfg.Scheduler.Cron,
		RunOnStart: cfg.Scheduler.RunOnStart,
	}, logger.Named("scheduler"))
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}

	app.apiServer = api.NewServer(
		app.registry,
		app.scheduler,
		app.readyCheck(),
		api.Config{APIKey: cfg.Server.APIKey},
		logger.Named("api"),
	)
	ok = true
	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case config.StorePostgres:
		store, err := pgstore.NewRecordStore(ctx, pgstore.RecordStoreConfig{
			DSN:             a.cfg.Store.DSN,
			Schema:          a.cfg.Store.Schema,
			MaxConns:        a.cfg.Store.MaxConns,
			MinConns:        a.cfg.Store.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.Store.MaxConnLifetimeSeconds) * time.Second,
			Caps:            a.cfg.Store.Caps,
		})
		if err != nil {
			return fmt.Errorf("record store init failed: %w", err)
		}
		a.pgStore = store
		a.recordStore = store
		a.logger.Info("using postgres record store", zap.String("schema", a.cfg.Store.Schema))
	default:
		a.recordStore = memorystorage.NewRecordStore(a.cfg.Store.Caps)
		a.logger.Warn("using in-memory record store; ingested rows are lost on restart")
	}
	return nil
}

func (a *App) setupArchive(ctx context.Context) (ingest.BlobStore, error) {
	switch a.cfg.Archive.Backend {
	case config.ArchiveGCS:
		store, err := gcsstorage.Open(ctx, a.cfg.Archive.GCS)
		if err != nil {
			return nil, fmt.Errorf("gcs archive init failed: %w", err)
		}
		a.gcsArchive = store
		a.logger.Info("archiving payloads to GCS", zap.String("bucket", a.cfg.Archive.GCS.Bucket))
		return store, nil
	case config.ArchiveLocal:
		store, err := localstorage.New(a.cfg.Archive.Local)
		if err != nil {
			return nil, fmt.Errorf("local archive init failed: %w", err)
		}
		a.logger.Info("archiving payloads locally", zap.String("path", a.cfg.Archive.Local.BaseDir))
		return store, nil
	case config.ArchiveMemory:
		a.logger.Info("archiving payloads in memory")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("payload archive disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (ingest.Publisher, error) {
	if !a.cfg.PubSub.Enabled() {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	publisher, err := gcppublisher.Open(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.pubsub = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.Topic),
	)
	return publisher, nil
}

func (a *App) setupOrchestrator(archive ingest.BlobStore, publisher ingest.Publisher) *cycle.Orchestrator {
	fetchCfg := collyfetcher.Config{
		UserAgent:     a.cfg.Crawler.UserAgent,
		RespectRobots: a.cfg.Crawler.RespectRobots,
		Timeout:       a.cfg.FetchTimeout(),
		MaxBodyBytes:  a.cfg.Crawler.MaxBodyBytes,
	}
	fetcher := collyfetcher.New(fetchCfg, nil)
	discoverer := collyfetcher.NewDiscoverer(fetchCfg, a.cfg.Crawler.LinkSuffix, nil)

	var limiter ingest.Limiter
	if a.cfg.RateLimit.Enabled {
		limiter = ratelimit.New(a.cfg.RateLimit.Limiter())
		a.logger.Info("rate limiter enabled",
			zap.Float64("default_rps", a.cfg.RateLimit.DefaultRPS),
			zap.Int("default_burst", a.cfg.RateLimit.DefaultBurst),
			zap.Int("host_rules", len(a.cfg.RateLimit.Hosts)),
		)
	}

	workerCfg := worker.Config{
		ContentType:  a.cfg.Archive.ContentType,
		Topic:        a.cfg.PubSub.Topic,
		FetchTimeout: a.cfg.FetchTimeout(),
	}
	w := worker.New(
		a.recordStore,
		fetcher,
		normalize.New(normalize.Config{}),
		archive,
		publisher,
		limiter,
		sha256.New(),
		system.New(),
		workerCfg,
		a.logger.Named("worker"),
	)

	return cycle.New(
		a.registry,
		discoverer,
		w,
		uuid.New(),
		system.New(),
		cycle.Config{
			Concurrency: a.cfg.Crawler.Concurrency,
			QueueDepth:  a.cfg.Crawler.QueueDepth,
		},
		a.logger.Named("cycle"),
	)
}

func (a *App) readyCheck() api.ReadyCheck {
	if a.pgStore == nil {
		return nil
	}
	return a.pgStore.Ping
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Registry exposes the monitored sources.
func (a *App) Registry() *registry.Registry {
	return a.registry
}

// Serve starts the scheduler and the HTTP server and blocks until ctx is
// canceled. Resources are released before it returns.
func (a *App) Serve(ctx context.Context) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	if a.cfg.Scheduler.Enabled {
		a.scheduler.Start()
	} else {
		a.logger.Info("scheduler disabled; cycles run only on demand")
	}

	// Request contexts outlive ctx so Shutdown can drain them, and are
	// canceled once the drain period is over.
	reqCtx, cancelRequests := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelRequests()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return reqCtx },
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	cancelRequests()
	closeErr := a.Close()

	select {
	case err := <-serveErr:
		return fmt.Errorf("serve http: %w", err)
	default:
		return closeErr
	}
}

// RunOnce runs a single cycle over the configured sources.
func (a *App) RunOnce(ctx context.Context) (cycle.Summary, error) {
	summary, err := a.scheduler.Trigger(ctx)
	if err != nil {
		return summary, fmt.Errorf("run once: %w", err)
	}
	return summary, nil
}

// Close gracefully shuts down the application. A running cycle is waited for
// before the stores close. It is safe to call more than once.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		if a.scheduler != nil {
			a.closeErr = a.scheduler.Stop()
			waitCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
			if err := a.scheduler.Wait(waitCtx); err != nil {
				a.logger.Warn("closing while a cycle is still running", zap.Error(err))
			}
			cancel()
		}
		a.closeInfrastructure()
		a.logger.Info("shutdown complete")
	})
	return a.closeErr
}

func (a *App) closeInfrastructure() {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsub = nil
	}
	if a.gcsArchive != nil {
		if err := a.gcsArchive.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsArchive = nil
	}
	if a.recordStore != nil {
		a.recordStore.Close()
		a.recordStore = nil
	}
	if a.tracerShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		cancel()
		a.tracerShutdown = nil
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(a.cfg.Server.ShutdownTimeoutSeconds) * time.Second
}
