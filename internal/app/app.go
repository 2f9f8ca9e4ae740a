// Package app initializes and holds long-lived application services, acting as
// a dependency injection container for the CLI commands.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/serial-crawler/internal/adapter"
	"github.com/JakeFAU/serial-crawler/internal/api"
	"github.com/JakeFAU/serial-crawler/internal/catalog"
	"github.com/JakeFAU/serial-crawler/internal/clock/system"
	"github.com/JakeFAU/serial-crawler/internal/config"
	collyfetcher "github.com/JakeFAU/serial-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/serial-crawler/internal/fiction"
	"github.com/JakeFAU/serial-crawler/internal/metrics"
	"github.com/JakeFAU/serial-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/serial-crawler/internal/queue"
	amqpqueue "github.com/JakeFAU/serial-crawler/internal/queue/amqp"
	queuememory "github.com/JakeFAU/serial-crawler/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/serial-crawler/internal/queue/pubsub"
	storememory "github.com/JakeFAU/serial-crawler/internal/storage/memory"
	"github.com/JakeFAU/serial-crawler/internal/storage/postgres"
	"github.com/JakeFAU/serial-crawler/internal/storage/sqlite"
	"github.com/JakeFAU/serial-crawler/internal/telemetry"
	"github.com/JakeFAU/serial-crawler/internal/worker"
)

// Version is reported as the service.version trace attribute.
var Version = "dev"

// App holds the shared, long-lived services for one process. It is built once
// at startup; the adapter registry it holds never changes afterwards.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	clock    fiction.Clock
	store    fiction.Store
	queue    queue.Backend
	fetcher  *collyfetcher.Fetcher
	registry *adapter.Registry
	catalog  *catalog.Service

	shutdownTracing telemetry.ShutdownFunc
}

// New opens the configured store and queue and builds the remaining services.
// It fails fast if either backend cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Initializing application services...",
		zap.String("db_driver", cfg.DB.Driver),
		zap.String("queue_provider", cfg.Queue.Provider),
	)

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Exporter:       cfg.Tracing.Exporter,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		ProjectID:      cfg.Tracing.ProjectID,
		SampleRatio:    cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	store, err := openStore(ctx, cfg.DB, logger)
	if err != nil {
		_ = shutdownTracing(ctx)
		return nil, err
	}
	backend, err := openQueue(ctx, cfg.Queue, logger)
	if err != nil {
		_ = store.Close()
		_ = shutdownTracing(ctx)
		return nil, err
	}

	a, err := NewWithDeps(ctx, cfg, logger, store, backend)
	if err != nil {
		_ = backend.Close()
		_ = store.Close()
		_ = shutdownTracing(ctx)
		return nil, err
	}
	a.shutdownTracing = shutdownTracing
	logger.Info("Application services initialized successfully.",
		zap.Strings("sites", a.registry.Sites()),
		zap.Strings("skipped_adapters", a.registry.Skipped()),
	)
	return a, nil
}

// NewWithDeps builds the services around an already-open store and queue. The
// App takes ownership of both and closes them in Close.
func NewWithDeps(ctx context.Context, cfg config.Config, logger *zap.Logger, store fiction.Store, backend queue.Backend) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DB.Driver == config.DriverMemory {
		// Nothing else can populate an in-memory config table.
		if _, err := adapter.SeedConfigs(ctx, store, adapter.Builtin()); err != nil {
			return nil, err
		}
	}
	configs, err := store.AdapterConfigs(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("load adapter configs: %w", err)
	}

	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   cfg.Crawler.PerDomainRPS,
		DefaultBurst: cfg.Crawler.PerDomainBurst,
		Observer:     metrics.ObserveRateLimitDelay,
	})
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: cfg.Crawler.UserAgent,
		Timeout:   cfg.RequestTimeout(),
	}, limiter)
	registry := adapter.Build(configs, adapter.Builtin(), adapter.Deps{
		Fetcher: fetcher,
		Retry:   cfg.RetryPolicy(),
		Logger:  logger,
	}, logger)

	clock := system.New()
	return &App{
		cfg:      cfg,
		logger:   logger,
		clock:    clock,
		store:    store,
		queue:    backend,
		fetcher:  fetcher,
		registry: registry,
		catalog:  catalog.New(registry, store, backend, clock, logger),
	}, nil
}

// Config returns the configuration the App was built with.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Store exposes the configured persistence backend.
func (a *App) Store() fiction.Store { return a.store }

// Queue exposes the configured job queue.
func (a *App) Queue() queue.Backend { return a.queue }

// Registry returns the adapter registry built at startup.
func (a *App) Registry() *adapter.Registry { return a.registry }

// Catalog returns the search/refresh/progress service.
func (a *App) Catalog() *catalog.Service { return a.catalog }

// Worker builds a consumer bound to the App's queue, registry and store.
func (a *App) Worker() *worker.Worker {
	return worker.New(a.queue, a.registry, a.store, a.clock, a.logger)
}

// APIServer builds the HTTP API. Readiness pings the store.
func (a *App) APIServer() *api.Server {
	return api.NewServer(a.catalog, a.store, a.ready, a.cfg, a.logger)
}

func (a *App) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return a.store.Ping(ctx)
}

// Close shuts down the queue, then the store, then flushes pending spans.
// Errors are logged and joined.
func (a *App) Close() error {
	a.logger.Info("Shutting down application services...")
	var errs []error
	defer func() {
		if a.shutdownTracing == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.Warn("Error flushing traces", zap.Error(err))
		}
	}()
	if err := a.queue.Close(); err != nil {
		a.logger.Warn("Error closing queue", zap.Error(err))
		errs = append(errs, err)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("Error closing store", zap.Error(err))
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, cfg config.DBConfig, logger *zap.Logger) (fiction.Store, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		logger.Info("Connecting to PostgreSQL...")
		store, err := postgres.New(ctx, postgres.Config{
			DSN:      cfg.DSN,
			MaxConns: int32(cfg.MaxOpenConns),
			MinConns: int32(cfg.MinConns),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
		return store, nil
	case config.DriverSQLite:
		logger.Info("Opening SQLite database", zap.String("path", cfg.DSN))
		store, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		return store, nil
	case config.DriverMemory:
		logger.Info("Using in-memory store. Cached chapters are lost on exit.")
		return storememory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
}

func openQueue(ctx context.Context, cfg config.QueueConfig, logger *zap.Logger) (queue.Backend, error) {
	topology := queue.Config{
		Exchange:   cfg.Exchange,
		Queue:      cfg.Name,
		RoutingKey: cfg.RoutingKey,
	}.WithDefaults()

	switch cfg.Provider {
	case config.QueueAMQP:
		logger.Info("Connecting to RabbitMQ", zap.String("queue", topology.Queue))
		q, err := amqpqueue.Dial(cfg.AMQPURL, amqpqueue.Options{Topology: topology, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize queue: %w", err)
		}
		return q, nil
	case config.QueuePubSub:
		logger.Info("Connecting to GCP Pub/Sub", zap.String("topic", topology.Exchange))
		q, err := pubsubqueue.Dial(ctx, cfg.PubSubProject, topology, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize queue: %w", err)
		}
		return q, nil
	case config.QueueMemory:
		logger.Info("Using in-memory queue. Jobs are only visible to this process.")
		return queuememory.NewQueue(), nil
	default:
		return nil, fmt.Errorf("unknown queue provider: %s", cfg.Provider)
	}
}
