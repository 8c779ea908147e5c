// Package scanning implements the extension scan lifecycle: gating checks,
// scanner job execution, completion and crash recovery.
package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/queue"
	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// Config holds lifecycle tunables.
type Config struct {
	// NewScannerGracePeriod is how long a scan may wait for jobs of scanners
	// registered after it started before those jobs are created.
	NewScannerGracePeriod time.Duration
	// PollLease bounds how long one poll owns a scanner job.
	PollLease time.Duration
	// InvokeMaxAttempts bounds invoke task deliveries.
	InvokeMaxAttempts int
	// PollMaxAttempts bounds poll task deliveries on storage errors. Scanner
	// poll attempts are governed by the scanner's PollConfig.
	PollMaxAttempts int
	Watchdog        WatchdogConfig
}

// WatchdogConfig controls the periodic repair pass.
type WatchdogConfig struct {
	Interval           time.Duration
	QueuedRequeueAfter time.Duration
	QueuedFailAfter    time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		NewScannerGracePeriod: time.Minute,
		PollLease:             2 * time.Minute,
		InvokeMaxAttempts:     5,
		PollMaxAttempts:       5,
		Watchdog: WatchdogConfig{
			Interval:           time.Minute,
			QueuedRequeueAfter: 5 * time.Minute,
			QueuedFailAfter:    30 * time.Minute,
		},
	}
}

// Dependencies are the ports the lifecycle components share.
type Dependencies struct {
	Scans     domain.ScanRepository
	Jobs      domain.ScannerJobRepository
	Audit     domain.AuditRepository
	Catalog   domain.ExtensionCatalog
	Packages  domain.PackageStore
	Queue     queue.Queue
	Publisher events.DomainEventPublisher
	Registry  *ScannerRegistry
	Checks    *CheckRunner
	Metrics   Metrics
	Clock     domain.TimeProvider
	Tracer    trace.Tracer
	Logger    *logger.Logger
}

// Service groups the wired lifecycle components.
type Service struct {
	Orchestrator *Orchestrator
	Handlers     *JobHandlers
	Aggregator   *CompletionAggregator
	Recovery     *Recovery
	Watchdog     *Watchdog
}

// NewService wires every lifecycle component from deps and cfg.
func NewService(deps Dependencies, cfg Config) *Service {
	if deps.Clock == nil {
		deps.Clock = domain.DefaultTimeProvider()
	}
	if deps.Metrics == nil {
		deps.Metrics = NoopMetrics()
	}

	writer := newScanStateWriter(deps)
	tasks := newTaskScheduler(deps.Queue, deps.Clock, cfg)
	aggregator := NewCompletionAggregator(deps, cfg, writer, tasks)
	orchestrator := NewOrchestrator(deps, writer, tasks)

	return &Service{
		Orchestrator: orchestrator,
		Handlers:     NewJobHandlers(deps, cfg, aggregator, tasks),
		Aggregator:   aggregator,
		Recovery:     NewRecovery(deps, orchestrator, aggregator, writer, tasks),
		Watchdog:     NewWatchdog(deps, cfg.Watchdog, aggregator, tasks),
	}
}

// taskScheduler enqueues invoke and poll tasks.
type taskScheduler struct {
	queue             queue.Queue
	clock             domain.TimeProvider
	invokeMaxAttempts int
	pollMaxAttempts   int
}

func newTaskScheduler(q queue.Queue, clock domain.TimeProvider, cfg Config) *taskScheduler {
	return &taskScheduler{
		queue:             q,
		clock:             clock,
		invokeMaxAttempts: cfg.InvokeMaxAttempts,
		pollMaxAttempts:   cfg.PollMaxAttempts,
	}
}

func (s *taskScheduler) enqueueInvoke(ctx context.Context, scanID int64, scannerType string, delay time.Duration) error {
	task, err := queue.NewTask(queue.TaskKindInvokeScanner,
		queue.ScannerPayload{ScanID: scanID, ScannerType: scannerType},
		s.clock.Now().Add(delay), s.invokeMaxAttempts)
	if err != nil {
		return err
	}
	task.DedupKey = queue.InvokeDedupKey(scanID, scannerType)
	if _, err := s.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue invoke for scan %d scanner %s: %w", scanID, scannerType, err)
	}
	return nil
}

func (s *taskScheduler) enqueuePoll(ctx context.Context, scanID int64, scannerType string, delay time.Duration) error {
	task, err := queue.NewTask(queue.TaskKindPollScanner,
		queue.ScannerPayload{ScanID: scanID, ScannerType: scannerType},
		s.clock.Now().Add(delay), s.pollMaxAttempts)
	if err != nil {
		return err
	}
	if _, err := s.queue.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("failed to enqueue poll for scan %d scanner %s: %w", scanID, scannerType, err)
	}
	return nil
}

// errUnchanged aborts a scan update without writing.
var errUnchanged = errors.New("scan unchanged")

// scanStateWriter is the single path through which scan status is persisted.
// Every write is checked against the transition table under the scan's row
// lock, and successful transitions are published.
type scanStateWriter struct {
	scans     domain.ScanRepository
	publisher events.DomainEventPublisher
	metrics   Metrics
	logger    *logger.Logger
}

func newScanStateWriter(deps Dependencies) *scanStateWriter {
	return &scanStateWriter{
		scans:     deps.Scans,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		logger:    deps.Logger.With("component", "scan_state_writer"),
	}
}

// decideFunc inspects a locked, non-terminal scan and returns the status to
// move to. An empty status leaves the scan as it is.
type decideFunc func(scan *domain.Scan) (domain.ScanStatus, string, error)

// apply runs decide under the scan's row lock and persists the result. It
// returns the current scan and whether its status changed. Terminal scans are
// returned unchanged without calling decide.
func (w *scanStateWriter) apply(ctx context.Context, scanID int64, decide decideFunc) (*domain.Scan, bool, error) {
	var (
		current *domain.Scan
		from    domain.ScanStatus
	)
	updated, err := w.scans.UpdateScan(ctx, scanID, func(scan *domain.Scan) error {
		current = scan
		if scan.IsTerminal() {
			return errUnchanged
		}
		to, msg, err := decide(scan)
		if err != nil {
			return err
		}
		if to == "" {
			return errUnchanged
		}
		from = scan.Status()
		return scan.TransitionTo(to, msg)
	})
	if errors.Is(err, errUnchanged) {
		return current, false, nil
	}
	if err != nil {
		return current, false, err
	}

	w.published(ctx, updated, from)
	return updated, true, nil
}

// transition moves the scan to status. A terminal scan is left alone.
func (w *scanStateWriter) transition(
	ctx context.Context,
	scanID int64,
	status domain.ScanStatus,
	msg string,
) (*domain.Scan, bool, error) {
	return w.apply(ctx, scanID, func(*domain.Scan) (domain.ScanStatus, string, error) {
		return status, msg, nil
	})
}

func (w *scanStateWriter) published(ctx context.Context, scan *domain.Scan, from domain.ScanStatus) {
	logr := w.logger.With("scan_id", scan.ID(), "from", from, "to", scan.Status())
	logr.Info(ctx, "Scan status changed", "extension", scan.Extension().String())

	if scan.IsTerminal() {
		w.metrics.IncScansCompleted(ctx, scan.Status().String())
	}
	if w.publisher == nil {
		return
	}

	evt := events.NewDomainEvent(events.EventTypeScanStatusChanged, fmt.Sprint(scan.ID()), events.ScanStatusChanged{
		ScanID:             scan.ID(),
		ExtensionVersionID: scan.ExtensionVersionID(),
		Extension:          scan.Extension().String(),
		From:               from.String(),
		To:                 scan.Status().String(),
		Message:            scan.ErrorMessage(),
	})
	if err := w.publisher.PublishDomainEvent(ctx, evt, events.WithKey(evt.Key)); err != nil {
		logr.Error(ctx, "Scan status event publication failed", "err", err)
	}
}
