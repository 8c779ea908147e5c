package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	appscanning "github.com/eclipse/openvsx-scan-orchestrator/internal/app/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/config"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/queue"
	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	eventdispatcher "github.com/eclipse/openvsx-scan-orchestrator/internal/infra/event_dispatcher"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/eventbus/kafka"
	memevents "github.com/eclipse/openvsx-scan-orchestrator/internal/infra/eventbus/memory"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/eventbus/reliability"
	memqueue "github.com/eclipse/openvsx-scan-orchestrator/internal/infra/queue/memory"
	pgqueue "github.com/eclipse/openvsx-scan-orchestrator/internal/infra/queue/postgres"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/registry"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/scanner"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/storage"
	memstore "github.com/eclipse/openvsx-scan-orchestrator/internal/infra/storage/scanning/memory"
	pgstore "github.com/eclipse/openvsx-scan-orchestrator/internal/infra/storage/scanning/postgres"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/otel"
)

// app holds the wired components shared by the serve and allow commands.
type app struct {
	cfg       *config.Config
	telemetry *otel.Telemetry
	tracer    trace.Tracer

	pool      *pgxpool.Pool
	queue     queue.Queue
	publisher events.DomainEventPublisher
	factory   *scanner.Factory
	registry  *appscanning.ScannerRegistry
	checks    *appscanning.CheckRunner
	svc       *appscanning.Service

	closers []func(ctx context.Context)
	logger  *logger.Logger
}

func loadConfig(ctx context.Context, opts *rootOptions) (*config.FileLoader, *config.Config, error) {
	loader := config.NewFileLoader(opts.configPath, config.WithEnvFile(opts.envFile))
	cfg, err := loader.Load(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	return loader, cfg, nil
}

// newApp connects every dependency selected by cfg. Close must be called
// once the app is no longer used.
func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: log}
	defer func() {
		if err != nil {
			a.Close(context.Background())
		}
	}()

	// -------------------------------------------------------------------------
	// Telemetry
	log.Info(ctx, "startup", "status", "initializing telemetry")
	telemetry, teardown, err := otel.InitTelemetry(log, cfg.TelemetryConfig())
	if err != nil {
		return nil, fmt.Errorf("starting telemetry: %w", err)
	}
	a.closers = append(a.closers, teardown)
	a.telemetry = telemetry
	a.tracer = telemetry.TracerProvider.Tracer(cfg.Service.Name)

	// -------------------------------------------------------------------------
	// Database
	if cfg.Storage.Driver == "postgres" || cfg.Queue.Driver == "postgres" {
		log.Info(ctx, "startup", "status", "connecting to database")
		if a.pool, err = connectDatabase(ctx, cfg.Database, log); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) { a.pool.Close() })

		if cfg.Database.MigrateOnStart {
			if err := storage.MigrateUp(a.pool); err != nil {
				return nil, err
			}
			log.Info(ctx, "startup", "status", "database migrations applied")
		}
	}

	// -------------------------------------------------------------------------
	// Storage and queue
	var (
		scans domain.ScanRepository
		jobs  domain.ScannerJobRepository
		audit domain.AuditRepository
	)
	switch cfg.Storage.Driver {
	case "postgres":
		scans = pgstore.NewScanStore(a.pool, a.tracer)
		jobs = pgstore.NewScannerJobStore(a.pool, a.tracer)
		audit = pgstore.NewAuditStore(a.pool, a.tracer)
	default:
		log.Warn(ctx, "Using in-memory storage, scan state is lost on restart")
		scans = memstore.NewScanStore()
		jobs = memstore.NewScannerJobStore()
		audit = memstore.NewAuditStore()
	}

	switch cfg.Queue.Driver {
	case "postgres":
		a.queue = pgqueue.New(a.pool, a.tracer)
	default:
		a.queue = memqueue.New(time.Now)
	}

	// -------------------------------------------------------------------------
	// Registry
	var (
		catalog  domain.ExtensionCatalog
		packages domain.PackageStore
	)
	switch cfg.Registry.Driver {
	case "memory":
		reg := registry.NewMemoryRegistry(cfg.Registry.PackageDir)
		catalog, packages = reg, reg
	default:
		client, err := registry.NewClient(cfg.Registry, log, a.tracer)
		if err != nil {
			return nil, err
		}
		catalog, packages = client, client
	}

	// -------------------------------------------------------------------------
	// Events
	switch cfg.Events.Driver {
	case "kafka":
		log.Info(ctx, "startup", "status", "connecting to kafka")
		metrics, err := kafka.NewPublisherMetrics(telemetry.MeterProvider)
		if err != nil {
			return nil, fmt.Errorf("creating kafka metrics: %w", err)
		}
		publisher, err := kafka.Connect(ctx, cfg.Kafka, common.DefaultRetryConfig, log, metrics, a.tracer)
		if err != nil {
			return nil, fmt.Errorf("connecting to kafka: %w", err)
		}
		a.closers = append(a.closers, closeWith(ctx, log, "kafka publisher", publisher))
		a.publisher = reliability.NewRetryingPublisher(publisher, reliability.DefaultRetryPolicy, log, a.tracer)
	default:
		publisher := memevents.NewPublisher(cfg.Events.MemoryLimit)
		a.closers = append(a.closers, closeWith(ctx, log, "memory publisher", publisher))
		if err := a.subscribeLifecycleLog(ctx, publisher); err != nil {
			return nil, err
		}
		a.publisher = publisher
	}

	// -------------------------------------------------------------------------
	// Scanners and checks
	a.factory = scanner.NewFactory(cfg.Secrets, log, a.tracer)
	scanners, err := a.factory.Scanners(cfg.Scanners)
	if err != nil {
		return nil, fmt.Errorf("building scanners: %w", err)
	}
	checks, err := a.factory.Checks(cfg.Checks)
	if err != nil {
		return nil, fmt.Errorf("building checks: %w", err)
	}

	scanMetrics, err := appscanning.NewScanMetrics(telemetry.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("creating scan metrics: %w", err)
	}

	a.registry = appscanning.NewScannerRegistry(log, scanners...)
	a.checks = appscanning.NewCheckRunner(checks, audit, scanMetrics, domain.DefaultTimeProvider(), a.tracer, log)
	a.svc = appscanning.NewService(appscanning.Dependencies{
		Scans:     scans,
		Jobs:      jobs,
		Audit:     audit,
		Catalog:   catalog,
		Packages:  packages,
		Queue:     a.queue,
		Publisher: a.publisher,
		Registry:  a.registry,
		Checks:    a.checks,
		Metrics:   scanMetrics,
		Tracer:    a.tracer,
		Logger:    log,
	}, cfg.ScanningConfig())

	log.Info(ctx, "startup", "status", "orchestrator wired",
		"scanners", a.registry.Types(),
		"checks", len(checks),
		"storage", cfg.Storage.Driver,
		"queue", cfg.Queue.Driver,
		"events", cfg.Events.Driver,
	)
	return a, nil
}

// subscribeLifecycleLog logs every lifecycle event published in process.
func (a *app) subscribeLifecycleLog(ctx context.Context, publisher *memevents.Publisher) error {
	dispatcher := eventdispatcher.New(a.tracer, a.logger)
	if err := eventdispatcher.RegisterLifecycleLog(ctx, dispatcher, a.logger); err != nil {
		return err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	a.closers = append(a.closers, func(context.Context) { cancel() })
	return publisher.Subscribe(subCtx, func(evt events.DomainEvent) error {
		if !dispatcher.Handles(evt.Type) {
			return nil
		}
		if err := dispatcher.Dispatch(subCtx, evt); err != nil {
			a.logger.Warn(subCtx, "Lifecycle event handler failed", "event_type", evt.Type, "err", err)
		}
		return nil
	})
}

// reload applies scanner and check changes from a new configuration. Other
// sections require a restart.
func (a *app) reload(ctx context.Context, cfg *config.Config) {
	scanners, err := a.factory.Scanners(cfg.Scanners)
	if err != nil {
		a.logger.Error(ctx, "Reloaded scanners are invalid, keeping current set", "err", err)
		return
	}
	checks, err := a.factory.Checks(cfg.Checks)
	if err != nil {
		a.logger.Error(ctx, "Reloaded checks are invalid, keeping current set", "err", err)
		return
	}

	added, removed := a.registry.Sync(ctx, scanners)
	a.checks.SetChecks(checks)
	a.logger.Info(ctx, "Configuration reloaded", "scanners_added", added, "scanners_removed", removed, "checks", len(checks))
}

// ready reports whether the database, when used, is reachable.
func (a *app) ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.pool.Ping(ctx)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
	a.closers = nil
}

func connectDatabase(ctx context.Context, cfg config.DatabaseConfig, log *logger.Logger) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, errors.New("database.url is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing db config: %w", err)
	}
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConns = cfg.MaxConns
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	var pool *pgxpool.Pool
	err = common.ConnectWithRetry(ctx, log, "postgres", common.DefaultRetryConfig, func(ctx context.Context) error {
		p, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return fmt.Errorf("creating db pool: %w", err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return fmt.Errorf("pinging database: %w", err)
		}
		pool = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return pool, nil
}

func closeWith(ctx context.Context, log *logger.Logger, name string, c io.Closer) func(context.Context) {
	return func(context.Context) {
		if err := c.Close(); err != nil {
			log.Error(ctx, "Failed to close", "resource", name, "err", err)
		}
	}
}

// podIdentity is the leader election identity: the pod name in Kubernetes,
// the hostname elsewhere.
func podIdentity() string {
	if name := os.Getenv("POD_NAME"); name != "" {
		return name
	}
	name, _ := os.Hostname()
	return name
}
