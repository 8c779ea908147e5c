package scanning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/queue"
	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// JobHandlers runs the invoke and poll tasks for scanner jobs. Both are safe
// to redeliver: jobs are found-or-created by (scan, scanner type) and a task
// that observes a terminal job does nothing.
type JobHandlers struct {
	scans      domain.ScanRepository
	jobs       domain.ScannerJobRepository
	audit      domain.AuditRepository
	packages   domain.PackageStore
	registry   *ScannerRegistry
	aggregator *CompletionAggregator
	tasks      *taskScheduler
	publisher  events.DomainEventPublisher
	metrics    Metrics

	pollLease time.Duration
	clock     domain.TimeProvider

	tracer trace.Tracer
	logger *logger.Logger
}

// NewJobHandlers returns JobHandlers.
func NewJobHandlers(
	deps Dependencies,
	cfg Config,
	aggregator *CompletionAggregator,
	tasks *taskScheduler,
) *JobHandlers {
	return &JobHandlers{
		scans:      deps.Scans,
		jobs:       deps.Jobs,
		audit:      deps.Audit,
		packages:   deps.Packages,
		registry:   deps.Registry,
		aggregator: aggregator,
		tasks:      tasks,
		publisher:  deps.Publisher,
		metrics:    deps.Metrics,
		pollLease:  cfg.PollLease,
		clock:      deps.Clock,
		tracer:     deps.Tracer,
		logger:     deps.Logger.With("component", "scanner_job_handlers"),
	}
}

// HandleInvoke starts a scanner for one job. Scanner errors are returned so
// the queue retries; on the final attempt the job is failed first.
func (h *JobHandlers) HandleInvoke(ctx context.Context, task *queue.Task) error {
	var p queue.ScannerPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	logr := logger.NewLoggerContext(h.logger.With(
		"operation", "invoke_scanner",
		"scan_id", p.ScanID,
		"scanner_type", p.ScannerType,
		"attempt", task.Attempts,
	))
	ctx, span := h.tracer.Start(ctx, "scanner_job_handlers.scanning.invoke",
		trace.WithAttributes(
			attribute.Int64("scan_id", p.ScanID),
			attribute.String("scanner_type", p.ScannerType),
			attribute.Int("attempt", task.Attempts),
		))
	defer span.End()

	scan, err := h.scans.GetScan(ctx, p.ScanID)
	if errors.Is(err, domain.ErrScanNotFound) {
		logr.Warn(ctx, "Scan no longer exists; dropping invoke")
		return nil
	}
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to load scan %d: %w", p.ScanID, err)
	}

	scanner, registered := h.registry.Get(p.ScannerType)
	if !registered {
		span.AddEvent("scanner_not_registered")
		return h.closeJob(ctx, p, func(j *domain.ScannerJob) error { return j.MarkRemoved(h.clock.Now()) })
	}

	job, created, err := h.jobs.FindOrCreateJob(ctx,
		domain.NewScannerJob(p.ScanID, p.ScannerType, scan.ExtensionVersionID(), h.clock.Now()))
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to find or create scanner job: %w", err)
	}
	if created {
		span.AddEvent("scanner_job_created")
	}
	if job.IsTerminal() || job.Status() == domain.ScannerJobStatusSubmitted {
		logr.Debug(ctx, "Scanner job already handled", "status", job.Status())
		span.AddEvent("invoke_noop", trace.WithAttributes(attribute.String("status", job.Status().String())))
		return nil
	}
	if scan.IsTerminal() {
		return h.closeJob(ctx, p, func(j *domain.ScannerJob) error {
			return j.MarkFailed(fmt.Sprintf("scan already %s", scan.Status()), h.clock.Now())
		})
	}

	if _, err := h.jobs.UpdateJob(ctx, p.ScanID, p.ScannerType, func(j *domain.ScannerJob) error {
		return j.MarkProcessing(h.clock.Now())
	}); err != nil {
		if errors.Is(err, domain.ErrJobTerminal) || errors.Is(err, domain.ErrInvalidJobTransition) {
			return nil
		}
		return fmt.Errorf("failed to mark scanner job processing: %w", err)
	}

	inv, scanErr := h.startScan(ctx, scanner, scan)
	if scanErr != nil {
		span.RecordError(scanErr)
		span.SetStatus(codes.Error, "scanner invocation failed")
		return h.invokeFailed(ctx, task, p, scanErr)
	}

	if inv.IsCompleted() {
		threats := toThreats(scan.ID(), scanner, inv.Result(), h.clock.Now())
		if err := h.audit.ReplaceThreats(ctx, p.ScanID, p.ScannerType, threats); err != nil {
			return fmt.Errorf("failed to persist threats: %w", err)
		}
		span.AddEvent("scan_completed_synchronously", trace.WithAttributes(attribute.Int("threats", len(threats))))
		logr.Info(ctx, "Scanner completed", "threats", len(threats))
		return h.closeJob(ctx, p, func(j *domain.ScannerJob) error { return j.MarkComplete(h.clock.Now()) })
	}

	if _, ok := scanner.(domain.AsyncScanner); !ok {
		return h.closeJob(ctx, p, func(j *domain.ScannerJob) error {
			return j.MarkFailed("scanner returned a job handle but does not support polling", h.clock.Now())
		})
	}
	if _, err := h.jobs.UpdateJob(ctx, p.ScanID, p.ScannerType, func(j *domain.ScannerJob) error {
		return j.MarkSubmitted(inv.Handle(), h.clock.Now())
	}); err != nil {
		return fmt.Errorf("failed to mark scanner job submitted: %w", err)
	}
	if err := h.tasks.enqueuePoll(ctx, p.ScanID, p.ScannerType, scanner.PollConfig().InitialDelay()); err != nil {
		// Recovery and the watchdog time out submitted jobs; surface the error
		// so the queue retries this invoke, which is a no-op for SUBMITTED.
		return err
	}
	logr.Info(ctx, "Scanner job submitted", "handle", inv.Handle())
	span.SetStatus(codes.Ok, "scanner job submitted")
	return nil
}

func (h *JobHandlers) startScan(ctx context.Context, scanner domain.Scanner, scan *domain.Scan) (domain.Invocation, error) {
	file, err := h.packages.GetExtensionFile(ctx, scan.ExtensionVersionID())
	if err != nil {
		return domain.Invocation{}, fmt.Errorf("failed to retrieve package: %w", err)
	}
	defer func() {
		if err := file.Release(); err != nil {
			h.logger.Warn(ctx, "Failed to release package file", "path", file.Path, "err", err)
		}
	}()

	return scanner.StartScan(ctx, domain.ScanCommand{
		ScanID:             scan.ID(),
		ScannerType:        scanner.Type(),
		ExtensionVersionID: scan.ExtensionVersionID(),
		Extension:          scan.Extension(),
		File:               file,
	})
}

// invokeFailed records a scanner error. Before the final attempt the job goes
// back to QUEUED; on the final attempt it is failed for good.
func (h *JobHandlers) invokeFailed(ctx context.Context, task *queue.Task, p queue.ScannerPayload, scanErr error) error {
	if !task.IsFinalAttempt() {
		if _, err := h.jobs.UpdateJob(ctx, p.ScanID, p.ScannerType, func(j *domain.ScannerJob) error {
			return j.RequeueForRetry(scanErr.Error(), h.clock.Now())
		}); err != nil && !errors.Is(err, domain.ErrJobTerminal) {
			return errors.Join(scanErr, err)
		}
		h.logger.Warn(ctx, "Scanner invocation failed; will retry",
			"scan_id", p.ScanID, "scanner_type", p.ScannerType, "attempt", task.Attempts, "err", scanErr)
		return scanErr
	}

	reason := fmt.Sprintf("scanner invocation failed after %d attempt(s): %v", task.Attempts, scanErr)
	if err := h.closeJob(ctx, p, func(j *domain.ScannerJob) error { return j.MarkFailed(reason, h.clock.Now()) }); err != nil {
		return errors.Join(scanErr, err)
	}
	return scanErr
}

// HandlePoll checks an async scanner job once and either closes it or
// schedules the next poll. A poll that fails after taking the lease releases
// it, so the queue's retry of this task is not mistaken for a concurrent poll.
func (h *JobHandlers) HandlePoll(ctx context.Context, task *queue.Task) (err error) {
	var p queue.ScannerPayload
	if err := task.Decode(&p); err != nil {
		return err
	}
	logr := logger.NewLoggerContext(h.logger.With(
		"operation", "poll_scanner",
		"scan_id", p.ScanID,
		"scanner_type", p.ScannerType,
	))
	ctx, span := h.tracer.Start(ctx, "scanner_job_handlers.scanning.poll",
		trace.WithAttributes(
			attribute.Int64("scan_id", p.ScanID),
			attribute.String("scanner_type", p.ScannerType),
		))
	defer span.End()

	job, err := h.jobs.UpdateJob(ctx, p.ScanID, p.ScannerType, func(j *domain.ScannerJob) error {
		return j.AcquirePollLease(h.clock.Now(), h.pollLease)
	})
	switch {
	case errors.Is(err, domain.ErrScannerJobNotFound), errors.Is(err, domain.ErrJobTerminal):
		span.AddEvent("poll_noop")
		return nil
	case errors.Is(err, domain.ErrPollLeased):
		logr.Debug(ctx, "Another poll holds the lease")
		span.AddEvent("poll_leased")
		return nil
	case err != nil:
		span.RecordError(err)
		return fmt.Errorf("failed to lease scanner job: %w", err)
	}
	defer func() {
		if err != nil {
			span.RecordError(err)
			h.releasePollLease(ctx, p, logr)
		}
	}()
	if !job.HasExternalHandle() {
		// Not submitted yet; the invoke task owns this job.
		span.AddEvent("poll_without_handle")
		return nil
	}
	logr.Add("handle", job.ExternalJobID(), "attempts", job.PollAttempts())

	scanner, registered := h.registry.Get(p.ScannerType)
	if !registered {
		return h.closeJob(ctx, p, func(j *domain.ScannerJob) error { return j.MarkRemoved(h.clock.Now()) })
	}
	async, ok := scanner.(domain.AsyncScanner)
	if !ok {
		return h.closeJob(ctx, p, func(j *domain.ScannerJob) error {
			return j.MarkFailed("scanner no longer supports polling", h.clock.Now())
		})
	}

	h.metrics.IncPollAttempts(ctx, p.ScannerType)
	status, pollErr := async.PollStatus(ctx, job.ExternalJobID())
	if pollErr != nil {
		span.RecordError(pollErr)
		logr.Warn(ctx, "Poll failed", "err", pollErr)
		return h.reschedule(ctx, p, async.PollConfig(), pollErr.Error())
	}
	span.SetAttributes(attribute.String("external_status", string(status)))

	switch status {
	case domain.ExternalStatusCompleted:
		result, err := async.FetchResults(ctx, job.ExternalJobID())
		if err != nil {
			span.RecordError(err)
			logr.Warn(ctx, "Fetching results failed", "err", err)
			return h.reschedule(ctx, p, async.PollConfig(), err.Error())
		}
		threats := toThreats(p.ScanID, scanner, result, h.clock.Now())
		if err := h.audit.ReplaceThreats(ctx, p.ScanID, p.ScannerType, threats); err != nil {
			return fmt.Errorf("failed to persist threats: %w", err)
		}
		logr.Info(ctx, "Async scanner completed", "threats", len(threats))
		return h.closeJob(ctx, p, func(j *domain.ScannerJob) error { return j.MarkComplete(h.clock.Now()) })

	case domain.ExternalStatusFailed:
		logr.Warn(ctx, "Async scanner reported failure")
		return h.closeJob(ctx, p, func(j *domain.ScannerJob) error {
			return j.MarkFailed("scanner reported the job as failed", h.clock.Now())
		})

	default:
		return h.reschedule(ctx, p, async.PollConfig(), "")
	}
}

func (h *JobHandlers) releasePollLease(ctx context.Context, p queue.ScannerPayload, logr *logger.LoggerContext) {
	_, err := h.jobs.UpdateJob(ctx, p.ScanID, p.ScannerType, func(j *domain.ScannerJob) error {
		if j.IsTerminal() {
			return domain.ErrJobTerminal
		}
		j.ReleasePollLease(h.clock.Now())
		return nil
	})
	switch {
	case err == nil, errors.Is(err, domain.ErrJobTerminal), errors.Is(err, domain.ErrScannerJobNotFound):
	default:
		logr.Warn(ctx, "Failed to release poll lease", "err", err)
	}
}

// reschedule counts a poll attempt and schedules the next poll, or fails the
// job once the scanner's attempt budget is spent.
func (h *JobHandlers) reschedule(ctx context.Context, p queue.ScannerPayload, cfg domain.PollConfig, lastErr string) error {
	var attempts int
	_, err := h.jobs.UpdateJob(ctx, p.ScanID, p.ScannerType, func(j *domain.ScannerJob) error {
		if j.IsTerminal() {
			return domain.ErrJobTerminal
		}
		attempts = j.RecordPollAttempt(h.clock.Now())
		return nil
	})
	if errors.Is(err, domain.ErrJobTerminal) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to record poll attempt: %w", err)
	}

	if cfg.Exhausted(attempts) {
		reason := fmt.Sprintf("scanner did not finish within %d poll attempt(s)", cfg.MaxAttempts)
		if lastErr != "" {
			reason += ": " + lastErr
		}
		return h.closeJob(ctx, p, func(j *domain.ScannerJob) error { return j.MarkFailed(reason, h.clock.Now()) })
	}
	return h.tasks.enqueuePoll(ctx, p.ScanID, p.ScannerType, cfg.NextDelay(attempts))
}

// closeJob applies a terminal transition and runs the completion check. A job
// that is already terminal or missing is left alone.
func (h *JobHandlers) closeJob(ctx context.Context, p queue.ScannerPayload, mark func(*domain.ScannerJob) error) error {
	job, err := h.jobs.UpdateJob(ctx, p.ScanID, p.ScannerType, mark)
	switch {
	case errors.Is(err, domain.ErrScannerJobNotFound), errors.Is(err, domain.ErrJobTerminal):
		return nil
	case err != nil:
		return fmt.Errorf("failed to close scanner job: %w", err)
	}
	return finishJob(ctx, job, h.metrics, h.publisher, h.aggregator, h.logger)
}

// finishJob records a terminal job and runs the completion check inline. A
// failed completion check is logged; the watchdog repeats it.
func finishJob(
	ctx context.Context,
	job *domain.ScannerJob,
	metrics Metrics,
	publisher events.DomainEventPublisher,
	aggregator *CompletionAggregator,
	log *logger.Logger,
) error {
	metrics.IncScannerJobsFinished(ctx, job.ScannerType(), job.Status().String())
	log.Info(ctx, "Scanner job finished",
		"scan_id", job.ScanID(),
		"scanner_type", job.ScannerType(),
		"status", job.Status(),
		"message", job.ErrorMessage(),
	)

	if publisher != nil {
		evt := events.NewDomainEvent(events.EventTypeScannerJobFinished, fmt.Sprint(job.ScanID()), events.ScannerJobFinished{
			ScanID:      job.ScanID(),
			ScannerType: job.ScannerType(),
			Status:      job.Status().String(),
			Message:     job.ErrorMessage(),
		})
		if err := publisher.PublishDomainEvent(ctx, evt, events.WithKey(evt.Key)); err != nil {
			log.Error(ctx, "Scanner job event publication failed", "scan_id", job.ScanID(), "err", err)
		}
	}

	if _, err := aggregator.CheckCompletion(ctx, job.ScanID()); err != nil {
		log.Error(ctx, "Completion check after job finish failed", "scan_id", job.ScanID(), "err", err)
	}
	return nil
}

func toThreats(scanID int64, scanner domain.Scanner, result *domain.ScanResult, now time.Time) []domain.Threat {
	if result == nil {
		return nil
	}
	threats := make([]domain.Threat, 0, len(result.Threats))
	for _, f := range result.Threats {
		threats = append(threats, domain.Threat{
			ScanID:      scanID,
			ScannerType: scanner.Type(),
			Name:        f.Name,
			Description: f.Description,
			Severity:    f.Severity,
			FilePath:    f.FilePath,
			FileHash:    f.FileHash,
			Enforced:    scanner.EnforcesThreats(),
			CreatedAt:   now,
		})
	}
	return threats
}
