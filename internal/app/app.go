// Package app wires configuration into the long-lived services that back the
// ingestion runtime: object storage, the fragment ledger, the notification
// publisher, the HTTP surface and the worker-pool runtime that serves it.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestion-runtime/internal/api"
	"github.com/JakeFAU/ingestion-runtime/internal/clock/system"
	"github.com/JakeFAU/ingestion-runtime/internal/config"
	"github.com/JakeFAU/ingestion-runtime/internal/id/uuid"
	"github.com/JakeFAU/ingestion-runtime/internal/ingest"
	"github.com/JakeFAU/ingestion-runtime/internal/logging"
	pubsubpub "github.com/JakeFAU/ingestion-runtime/internal/publisher/pubsub"
	"github.com/JakeFAU/ingestion-runtime/internal/server"
	"github.com/JakeFAU/ingestion-runtime/internal/storage/gcs"
	"github.com/JakeFAU/ingestion-runtime/internal/storage/local"
	"github.com/JakeFAU/ingestion-runtime/internal/storage/memory"
	"github.com/JakeFAU/ingestion-runtime/internal/storage/postgres"
	"github.com/JakeFAU/ingestion-runtime/internal/telemetry"
)

// ClosablePublisher is a Publisher that owns resources released on Close.
type ClosablePublisher interface {
	ingest.Publisher
	Close() error
}

// App holds every service built from a Config.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store        ingest.ObjectStore
	gcsClient    *gcsclient.Client
	ledger       *postgres.Ledger
	publisher    ClosablePublisher
	ingestor     *ingest.Ingestor
	consolidator *ingest.Consolidator
	api          *api.Server
	runtime      *server.Runtime

	tracerShutdown func(context.Context) error

	closeOnce sync.Once
	closeErr  error
}

// Option customizes Build.
type Option func(*App)

// WithLogger supplies a logger instead of building one from cfg.Logging.
func WithLogger(logger *zap.Logger) Option {
	return func(a *App) { a.logger = logger }
}

// WithObjectStore overrides the configured storage backend.
func WithObjectStore(store ingest.ObjectStore) Option {
	return func(a *App) { a.store = store }
}

// WithPublisher overrides the Pub/Sub publisher.
func WithPublisher(pub ClosablePublisher) Option {
	return func(a *App) { a.publisher = pub }
}

// Build constructs the application. Nothing listens until Run.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	a := &App{cfg: cfg}
	for _, opt := range opts {
		opt(a)
	}

	if a.logger == nil {
		logger, lerr := logging.New(cfg.Logging.Development,
			zap.String("service", cfg.Telemetry.ServiceName),
			zap.String("version", cfg.Telemetry.ServiceVersion),
		)
		if lerr != nil {
			return nil, fmt.Errorf("init logger: %w", lerr)
		}
		a.logger = logger
		zap.ReplaceGlobals(logger)
	}

	defer func() {
		if err != nil {
			_ = a.closeInfrastructure()
		}
	}()

	tp, err := telemetry.InitTracerProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.tracerShutdown = tp.Shutdown

	if err := a.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := a.setupDatabase(ctx); err != nil {
		return nil, err
	}
	if err := a.setupPublisher(ctx); err != nil {
		return nil, err
	}

	var ledger ingest.Ledger
	if a.ledger != nil {
		ledger = a.ledger
	}
	var pub ingest.Publisher
	if a.publisher != nil {
		pub = a.publisher
	}

	a.ingestor = ingest.NewIngestor(
		a.store,
		system.New(),
		uuid.New(),
		ledger,
		ingest.IngestorConfig{FragmentsPrefix: cfg.Storage.FragmentsPrefix},
		a.logger.Named("ingest"),
	)
	a.consolidator = ingest.NewConsolidator(
		a.store,
		pub,
		system.New(),
		ingest.ConsolidatorConfig{
			FragmentsPrefix: cfg.Storage.FragmentsPrefix,
			ProcessedPrefix: cfg.Storage.ProcessedPrefix,
			ArchivePrefix:   cfg.Storage.ArchivePrefix,
			MasterLog:       cfg.Storage.MasterLog,
			MaxLogSizeKB:    cfg.Consolidation.MaxLogSizeKB,
			ReadConcurrency: cfg.Consolidation.ReadConcurrency,
			Topic:           cfg.PubSub.TopicName,
		},
		a.logger.Named("consolidate"),
	)

	a.api = api.NewServer(a.ingestor, a.consolidator, a.logger.Named("api"))
	a.runtime = server.New(server.Config{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Workers:           cfg.Server.Workers,
		RequestTimeout:    cfg.Server.RequestTimeout,
		MaxQueue:          cfg.Server.MaxQueue,
		ShutdownGrace:     cfg.Server.ShutdownGrace,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		Unpooled:          api.HealthPaths,
	}, a.api.Handler(), a.logger.Named("runtime"))
	a.api.SetStatus(a.runtime)

	a.logger.Info("application initialized",
		zap.String("storage_backend", cfg.Storage.ResolvedBackend()),
		zap.Bool("storage_configured", a.store != nil),
		zap.Int("workers", cfg.Server.Workers),
		zap.Bool("request_deadline", cfg.RequestDeadlineEnabled()),
		zap.Bool("ledger", a.ledger != nil),
		zap.Bool("notifications", a.publisher != nil && cfg.PubSub.TopicName != ""),
	)
	return a, nil
}

func (a *App) setupStorage(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	switch a.cfg.Storage.ResolvedBackend() {
	case config.BackendNone:
		a.logger.Error("no storage backend configured, set storage.bucket (MASTER_LOG_BUCKET) or storage.backend")
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create gcs client: %w", err)
		}
		a.gcsClient = client
		store, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return fmt.Errorf("init gcs store: %w", err)
		}
		a.store = store
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return fmt.Errorf("init local store: %w", err)
		}
		a.store = store
	case "memory":
		a.store = memory.NewObjectStore()
	default:
		return fmt.Errorf("unsupported storage backend %q", a.cfg.Storage.Backend)
	}
	return nil
}

func (a *App) setupDatabase(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Info("database DSN empty, fragment ledger disabled")
		return nil
	}
	ledger, err := postgres.NewLedger(ctx, postgres.LedgerConfig{
		DSN:             a.cfg.Database.DSN,
		Table:           a.cfg.Database.Table,
		MaxConns:        a.cfg.Database.MaxConns,
		MinConns:        a.cfg.Database.MinConns,
		MaxConnLifetime: a.cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	a.ledger = ledger
	return nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.publisher != nil {
		return nil
	}
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.TopicName == "" {
		a.logger.Info("pubsub not configured, consolidation reports are not published")
		return nil
	}
	pub, err := pubsubpub.NewFromProject(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("init pubsub publisher: %w", err)
	}
	a.publisher = pub
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Runtime exposes the request-serving runtime.
func (a *App) Runtime() *server.Runtime {
	return a.runtime
}

// Consolidate runs one consolidation pass outside the HTTP surface.
func (a *App) Consolidate(ctx context.Context) (ingest.Report, error) {
	return a.consolidator.Consolidate(ctx)
}

// Run serves until ctx ends or SIGTERM arrives, drains, then releases every
// dependency.
func (a *App) Run(ctx context.Context) error {
	runErr := a.runtime.Run(ctx)
	closeErr := a.Close(context.WithoutCancel(ctx))
	if runErr != nil {
		return runErr
	}
	return closeErr
}

// Close releases infrastructure, then flushes observability. It is idempotent.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = errors.Join(a.closeInfrastructure(), a.closeObservability(ctx))
	})
	return a.closeErr
}

func (a *App) closeInfrastructure() error {
	var errs []error
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close publisher: %w", err))
		}
	}
	if a.ledger != nil {
		a.ledger.Close()
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *App) closeObservability(ctx context.Context) error {
	var errs []error
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
		}
	}
	// Sync on stderr/stdout fails with EINVAL on some platforms; ignore it.
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
