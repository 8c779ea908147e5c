package scanning

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// RecoveryReport counts what a recovery pass did.
type RecoveryReport struct {
	JobsRemoved     int
	PollsResumed    int
	InvokesResumed  int
	ScansResumed    int
	ScansClosed     int
	ScansLeftAsIs   int
	ScansAggregated int
}

// Recovery reconciles scans and scanner jobs left non-terminal by a crash. It
// runs when this instance becomes leader.
type Recovery struct {
	scans        domain.ScanRepository
	jobs         domain.ScannerJobRepository
	audit        domain.AuditRepository
	registry     *ScannerRegistry
	checks       *CheckRunner
	orchestrator *Orchestrator
	aggregator   *CompletionAggregator
	writer       *scanStateWriter
	tasks        *taskScheduler
	publisher    events.DomainEventPublisher
	metrics      Metrics
	clock        domain.TimeProvider

	tracer trace.Tracer
	logger *logger.Logger
}

// NewRecovery returns a Recovery.
func NewRecovery(
	deps Dependencies,
	orchestrator *Orchestrator,
	aggregator *CompletionAggregator,
	writer *scanStateWriter,
	tasks *taskScheduler,
) *Recovery {
	return &Recovery{
		scans:        deps.Scans,
		jobs:         deps.Jobs,
		audit:        deps.Audit,
		registry:     deps.Registry,
		checks:       deps.Checks,
		orchestrator: orchestrator,
		aggregator:   aggregator,
		writer:       writer,
		tasks:        tasks,
		publisher:    deps.Publisher,
		metrics:      deps.Metrics,
		clock:        deps.Clock,
		tracer:       deps.Tracer,
		logger:       deps.Logger.With("component", "scan_recovery"),
	}
}

// Run performs one recovery pass over jobs first, then scans. Errors on
// individual records are logged and the pass continues.
func (r *Recovery) Run(ctx context.Context) (*RecoveryReport, error) {
	ctx, span := r.tracer.Start(ctx, "scan_recovery.scanning.run")
	defer span.End()

	report := new(RecoveryReport)
	if err := r.recoverJobs(ctx, report); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "job recovery failed")
		return report, err
	}
	if err := r.recoverScans(ctx, report); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan recovery failed")
		return report, err
	}

	r.logger.Info(ctx, "Recovery completed",
		"jobs_removed", report.JobsRemoved,
		"polls_resumed", report.PollsResumed,
		"invokes_resumed", report.InvokesResumed,
		"scans_resumed", report.ScansResumed,
		"scans_closed", report.ScansClosed,
		"scans_aggregated", report.ScansAggregated,
		"scans_left", report.ScansLeftAsIs,
	)
	span.SetStatus(codes.Ok, "recovery completed")
	return report, nil
}

func (r *Recovery) recoverJobs(ctx context.Context, report *RecoveryReport) error {
	jobs, err := r.jobs.ListJobsByStatus(ctx, domain.NonTerminalJobStatuses()...)
	if err != nil {
		return fmt.Errorf("failed to list non-terminal scanner jobs: %w", err)
	}

	for _, job := range jobs {
		logr := r.logger.With("scan_id", job.ScanID(), "scanner_type", job.ScannerType(), "status", job.Status())
		scanner, registered := r.registry.Get(job.ScannerType())

		switch {
		case !registered:
			updated, err := r.jobs.UpdateJob(ctx, job.ScanID(), job.ScannerType(), func(j *domain.ScannerJob) error {
				return j.MarkRemoved(r.clock.Now())
			})
			if err != nil {
				if !errors.Is(err, domain.ErrJobTerminal) {
					logr.Error(ctx, "Failed to remove job of unregistered scanner", "err", err)
				}
				continue
			}
			report.JobsRemoved++
			_ = finishJob(ctx, updated, r.metrics, r.publisher, r.aggregator, r.logger)

		case scanner.IsAsync() && job.HasExternalHandle():
			if _, err := r.jobs.UpdateJob(ctx, job.ScanID(), job.ScannerType(), func(j *domain.ScannerJob) error {
				if j.IsTerminal() {
					return domain.ErrJobTerminal
				}
				j.FlagRecovery(r.clock.Now())
				return nil
			}); err != nil {
				if !errors.Is(err, domain.ErrJobTerminal) {
					logr.Error(ctx, "Failed to flag job for recovery", "err", err)
				}
				continue
			}
			if err := r.tasks.enqueuePoll(ctx, job.ScanID(), job.ScannerType(), 0); err != nil {
				logr.Error(ctx, "Failed to enqueue recovery poll", "err", err)
				continue
			}
			report.PollsResumed++
			logr.Info(ctx, "Resumed polling for async scanner job")

		default:
			// QUEUED, or PROCESSING without a handle: the invoke never finished.
			if job.Status() == domain.ScannerJobStatusProcessing {
				if _, err := r.jobs.UpdateJob(ctx, job.ScanID(), job.ScannerType(), func(j *domain.ScannerJob) error {
					return j.RequeueForRetry("interrupted by restart", r.clock.Now())
				}); err != nil {
					if !errors.Is(err, domain.ErrJobTerminal) {
						logr.Error(ctx, "Failed to requeue interrupted job", "err", err)
					}
					continue
				}
			}
			if err := r.tasks.enqueueInvoke(ctx, job.ScanID(), job.ScannerType(), 0); err != nil {
				logr.Error(ctx, "Failed to enqueue recovery invoke", "err", err)
				continue
			}
			report.InvokesResumed++
			logr.Info(ctx, "Resumed invoke for scanner job")
		}
	}
	return nil
}

func (r *Recovery) recoverScans(ctx context.Context, report *RecoveryReport) error {
	scans, err := r.scans.ListScansByStatus(ctx,
		domain.ScanStatusStarted, domain.ScanStatusValidating, domain.ScanStatusScanning)
	if err != nil {
		return fmt.Errorf("failed to list non-terminal scans: %w", err)
	}

	for _, scan := range scans {
		ctx, span := r.tracer.Start(ctx, "scan_recovery.scanning.recover_scan",
			trace.WithAttributes(
				attribute.Int64("scan_id", scan.ID()),
				attribute.String("status", scan.Status().String()),
			))
		logr := r.logger.With("scan_id", scan.ID(), "status", scan.Status())

		var err error
		switch scan.Status() {
		case domain.ScanStatusStarted:
			_, _, err = r.writer.transition(ctx, scan.ID(), domain.ScanStatusErrored, "scan interrupted before validation")
			if err == nil {
				report.ScansClosed++
			}
		case domain.ScanStatusValidating:
			err = r.recoverValidating(ctx, scan, report)
		case domain.ScanStatusScanning:
			err = r.recoverScanning(ctx, scan, report)
		}
		if err != nil {
			span.RecordError(err)
			logr.Error(ctx, "Scan recovery failed", "err", err)
		}
		span.End()
	}
	return nil
}

// recoverValidating closes or resumes a scan using its recorded check results.
func (r *Recovery) recoverValidating(ctx context.Context, scan *domain.Scan, report *RecoveryReport) error {
	results, err := r.audit.ListCheckResults(ctx, scan.ID())
	if err != nil {
		return fmt.Errorf("failed to list check results: %w", err)
	}
	failures, err := r.audit.ListValidationFailures(ctx, scan.ID())
	if err != nil {
		return fmt.Errorf("failed to list validation failures: %w", err)
	}

	verdict := EvaluateChecks(r.checks.EnabledCheckTypes(), results, failures)
	switch {
	case !verdict.Complete:
		report.ScansLeftAsIs++
		r.logger.Info(ctx, "Validating scan has incomplete check results; leaving it", "scan_id", scan.ID())
		return nil
	case verdict.Status == domain.ScanStatusPassed:
		if _, err := r.orchestrator.beginScanning(ctx, scan.ID()); err != nil {
			return err
		}
		report.ScansResumed++
		return nil
	default:
		if _, _, err := r.writer.transition(ctx, scan.ID(), verdict.Status, verdict.Message); err != nil {
			return err
		}
		report.ScansClosed++
		return nil
	}
}

// recoverScanning re-runs completion for a scan whose jobs are all terminal.
// Scans with live jobs are left to those jobs.
func (r *Recovery) recoverScanning(ctx context.Context, scan *domain.Scan, report *RecoveryReport) error {
	jobs, err := r.jobs.ListJobsByScan(ctx, scan.ID())
	if err != nil {
		return fmt.Errorf("failed to list scanner jobs: %w", err)
	}
	for _, j := range jobs {
		if !j.IsTerminal() {
			return nil
		}
	}

	if _, aggErr := r.aggregator.CheckCompletion(ctx, scan.ID()); aggErr != nil {
		if _, _, err := r.writer.transition(ctx, scan.ID(), domain.ScanStatusErrored,
			fmt.Sprintf("scan could not be completed during recovery: %v", aggErr)); err != nil {
			return errors.Join(aggErr, err)
		}
		report.ScansClosed++
		return nil
	}
	report.ScansAggregated++
	return nil
}
