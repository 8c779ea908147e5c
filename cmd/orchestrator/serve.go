package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/api"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/app/cluster"
	appqueue "github.com/eclipse/openvsx-scan-orchestrator/internal/app/queue"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/config"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/queue"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/cluster/kubernetes"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/cluster/standalone"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the API, queue workers and leader-only maintenance",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *rootOptions) error {
	// Set the correct number of threads for the service
	_, _ = maxprocs.Set()

	loader, cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	log := newLogger(cfg.Service.Name, cfg.Service.LogLevel)
	log.Info(ctx, "startup", "GOMAXPROCS", runtime.GOMAXPROCS(0), "build", build)

	if err := run(ctx, loader, cfg, log); err != nil {
		log.Error(ctx, "startup", "err", err)
		return err
	}
	return nil
}

func run(ctx context.Context, loader *config.FileLoader, cfg *config.Config, log *logger.Logger) error {
	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	// -------------------------------------------------------------------------
	// Leader election
	var coord cluster.Coordinator
	switch cfg.Cluster.Mode {
	case "kubernetes":
		k8sCfg := cfg.Cluster.Kubernetes
		if k8sCfg.Identity == "" {
			k8sCfg.Identity = podIdentity()
		}
		if coord, err = kubernetes.NewCoordinator(k8sCfg, log, a.tracer); err != nil {
			return fmt.Errorf("creating coordinator: %w", err)
		}
	default:
		coord = standalone.NewCoordinator(log)
	}

	leadership := cluster.NewLeadership(func(ctx context.Context) {
		report, err := a.svc.Recovery.Run(ctx)
		if err != nil {
			log.Error(ctx, "Startup recovery failed", "err", err)
		} else {
			log.Info(ctx, "Startup recovery finished",
				"jobs_removed", report.JobsRemoved,
				"polls_resumed", report.PollsResumed,
				"invokes_resumed", report.InvokesResumed,
				"scans_resumed", report.ScansResumed,
				"scans_closed", report.ScansClosed,
			)
		}

		a.svc.Watchdog.Start(ctx)
		<-ctx.Done()
		a.svc.Watchdog.Stop()
	}, log)

	// -------------------------------------------------------------------------
	// Workers
	pool := appqueue.NewWorkerPool(podIdentity(), a.queue, cfg.WorkerPoolConfig(), a.tracer, log)
	pool.Register(queue.TaskKindInvokeScanner, a.svc.Handlers.HandleInvoke)
	pool.Register(queue.TaskKindPollScanner, a.svc.Handlers.HandlePoll)

	// -------------------------------------------------------------------------
	// API
	apiMetrics, err := api.NewMetrics(a.telemetry.MeterProvider)
	if err != nil {
		return fmt.Errorf("creating api metrics: %w", err)
	}
	server, err := api.NewServer(api.Config{
		Build:       build,
		ServiceName: cfg.Service.Name,
		Debug:       cfg.API.Debug,
		Scans:       a.svc.Orchestrator,
		Queue:       a.queue,
		Ready:       a.ready,
		Metrics:     apiMetrics,
		Log:         log,
		Tracer:      a.tracer,
	})
	if err != nil {
		return fmt.Errorf("creating api server: %w", err)
	}

	watcher := config.NewWatcher(loader, a.reload, log)

	g, gctx := errgroup.WithContext(ctx)
	leadership.Attach(gctx, coord)

	g.Go(func() error { return coord.Start(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })
	g.Go(func() error {
		if err := server.Run(gctx, cfg.API); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	err = g.Wait()
	leadership.Wait()
	if stopErr := coord.Stop(); stopErr != nil {
		log.Error(ctx, "shutdown", "status", "stopping coordinator", "err", stopErr)
	}
	log.Info(ctx, "shutdown", "status", "stopped")
	return err
}
