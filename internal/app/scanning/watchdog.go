package scanning

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// WatchdogReport counts the repairs made by one pass.
type WatchdogReport struct {
	Requeued     int
	QueuedFailed int
	TimedOut     int
	Removed      int
	Aggregated   int
}

// Watchdog periodically repairs work the event-driven path missed: stuck
// QUEUED jobs, async jobs past their scanner's timeout, jobs of unregistered
// scanners and scans whose completion check was lost.
type Watchdog struct {
	scans      domain.ScanRepository
	jobs       domain.ScannerJobRepository
	registry   *ScannerRegistry
	aggregator *CompletionAggregator
	tasks      *taskScheduler
	publisher  events.DomainEventPublisher
	metrics    Metrics
	cfg        WatchdogConfig
	clock      domain.TimeProvider

	mu      sync.Mutex
	cancel  context.CancelCauseFunc
	stopped chan struct{}

	tracer trace.Tracer
	logger *logger.Logger
}

// NewWatchdog returns a Watchdog.
func NewWatchdog(
	deps Dependencies,
	cfg WatchdogConfig,
	aggregator *CompletionAggregator,
	tasks *taskScheduler,
) *Watchdog {
	return &Watchdog{
		scans:      deps.Scans,
		jobs:       deps.Jobs,
		registry:   deps.Registry,
		aggregator: aggregator,
		tasks:      tasks,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		cfg:        cfg,
		clock:      deps.Clock,
		tracer:     deps.Tracer,
		logger:     deps.Logger.With("component", "scan_watchdog"),
	}
}

// Start launches the periodic pass. It is a no-op if already running.
func (w *Watchdog) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}

	ctx, w.cancel = context.WithCancelCause(ctx)
	w.stopped = make(chan struct{})
	stopped := w.stopped

	w.logger.Info(ctx, "Watchdog started",
		"interval", w.cfg.Interval,
		"requeue_after", w.cfg.QueuedRequeueAfter,
		"fail_after", w.cfg.QueuedFailAfter,
	)

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
					w.logger.Error(ctx, "Watchdog pass failed", "err", err)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop terminates the periodic pass and waits for it to exit.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	cancel, stopped := w.cancel, w.stopped
	w.cancel, w.stopped = nil, nil
	w.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel(errors.New("watchdog stopped"))
	<-stopped
	w.logger.Info(context.Background(), "Watchdog stopped")
}

// RunOnce performs a single repair pass.
func (w *Watchdog) RunOnce(ctx context.Context) (*WatchdogReport, error) {
	ctx, span := w.tracer.Start(ctx, "scan_watchdog.scanning.run_once")
	defer span.End()

	now := w.clock.Now()
	report := new(WatchdogReport)

	jobs, err := w.jobs.ListJobsByStatus(ctx, domain.NonTerminalJobStatuses()...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs")
		return report, fmt.Errorf("failed to list non-terminal scanner jobs: %w", err)
	}

	for _, job := range jobs {
		w.inspectJob(ctx, job, now, report)
	}

	scans, err := w.scans.ListScansByStatus(ctx, domain.ScanStatusScanning)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list scans")
		return report, fmt.Errorf("failed to list scanning scans: %w", err)
	}
	for _, scan := range scans {
		w.inspectScan(ctx, scan, report)
	}

	span.SetAttributes(
		attribute.Int("requeued", report.Requeued),
		attribute.Int("queued_failed", report.QueuedFailed),
		attribute.Int("timed_out", report.TimedOut),
		attribute.Int("removed", report.Removed),
		attribute.Int("aggregated", report.Aggregated),
	)
	span.SetStatus(codes.Ok, "watchdog pass completed")
	return report, nil
}

func (w *Watchdog) inspectJob(ctx context.Context, job *domain.ScannerJob, now time.Time, report *WatchdogReport) {
	logr := w.logger.With("scan_id", job.ScanID(), "scanner_type", job.ScannerType(), "status", job.Status())

	scanner, registered := w.registry.Get(job.ScannerType())
	if !registered {
		if w.close(ctx, job, func(j *domain.ScannerJob) error { return j.MarkRemoved(now) }) {
			report.Removed++
			w.metrics.IncWatchdogActions(ctx, "removed")
		}
		return
	}

	switch {
	case job.Status() == domain.ScannerJobStatusQueued:
		queuedFor := now.Sub(job.UpdatedAt())
		switch {
		case w.cfg.QueuedFailAfter > 0 && queuedFor >= w.cfg.QueuedFailAfter:
			reason := fmt.Sprintf("job stayed queued for %s", queuedFor.Round(time.Second))
			if w.close(ctx, job, func(j *domain.ScannerJob) error { return j.MarkFailed(reason, now) }) {
				report.QueuedFailed++
				w.metrics.IncWatchdogActions(ctx, "queued_failed")
			}
		case w.cfg.QueuedRequeueAfter > 0 && queuedFor >= w.cfg.QueuedRequeueAfter:
			if err := w.tasks.enqueueInvoke(ctx, job.ScanID(), job.ScannerType(), 0); err != nil {
				logr.Error(ctx, "Failed to re-enqueue stuck job", "err", err)
				return
			}
			report.Requeued++
			w.metrics.IncWatchdogActions(ctx, "requeued")
			logr.Info(ctx, "Re-enqueued stuck queued job", "queued_for", queuedFor)
		}

	case scanner.IsAsync():
		timeout := scanner.Timeout()
		if timeout <= 0 || job.Age(now) < timeout {
			return
		}
		reason := fmt.Sprintf("scanner exceeded its %s timeout", timeout)
		if w.close(ctx, job, func(j *domain.ScannerJob) error { return j.MarkFailed(reason, now) }) {
			report.TimedOut++
			w.metrics.IncWatchdogActions(ctx, "timed_out")
		}
	}
}

// close applies a terminal transition and re-triggers completion. It reports
// whether the job was closed by this call.
func (w *Watchdog) close(ctx context.Context, job *domain.ScannerJob, mark func(*domain.ScannerJob) error) bool {
	updated, err := w.jobs.UpdateJob(ctx, job.ScanID(), job.ScannerType(), mark)
	if err != nil {
		if !errors.Is(err, domain.ErrJobTerminal) && !errors.Is(err, domain.ErrScannerJobNotFound) {
			w.logger.Error(ctx, "Watchdog failed to close job",
				"scan_id", job.ScanID(), "scanner_type", job.ScannerType(), "err", err)
		}
		return false
	}
	_ = finishJob(ctx, updated, w.metrics, w.publisher, w.aggregator, w.logger)
	return true
}

// inspectScan re-runs completion for a scanning scan with no live jobs.
func (w *Watchdog) inspectScan(ctx context.Context, scan *domain.Scan, report *WatchdogReport) {
	jobs, err := w.jobs.ListJobsByScan(ctx, scan.ID())
	if err != nil {
		w.logger.Error(ctx, "Failed to list scan jobs", "scan_id", scan.ID(), "err", err)
		return
	}
	for _, j := range jobs {
		if !j.IsTerminal() {
			return
		}
	}

	res, err := w.aggregator.CheckCompletion(ctx, scan.ID())
	if err != nil {
		w.logger.Error(ctx, "Watchdog completion check failed", "scan_id", scan.ID(), "err", err)
		return
	}
	if res.Changed {
		report.Aggregated++
		w.metrics.IncWatchdogActions(ctx, "aggregated")
	}
}
