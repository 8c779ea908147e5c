package scanning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// CompletionAggregator decides whether a scanning scan is finished and drives
// it to its terminal status. Decisions for the same scan are serialized by the
// scan row lock, and calls on a terminal scan are no-ops.
type CompletionAggregator struct {
	scans    domain.ScanRepository
	jobs     domain.ScannerJobRepository
	audit    domain.AuditRepository
	catalog  domain.ExtensionCatalog
	registry *ScannerRegistry
	writer   *scanStateWriter
	tasks    *taskScheduler

	gracePeriod time.Duration
	clock       domain.TimeProvider

	// activations serializes activation per scan within this process.
	activations [activationStripes]sync.Mutex

	tracer trace.Tracer
	logger *logger.Logger
}

const activationStripes = 64

// NewCompletionAggregator returns a CompletionAggregator.
func NewCompletionAggregator(
	deps Dependencies,
	cfg Config,
	writer *scanStateWriter,
	tasks *taskScheduler,
) *CompletionAggregator {
	return &CompletionAggregator{
		jobs:        deps.Jobs,
		scans:       deps.Scans,
		audit:       deps.Audit,
		catalog:     deps.Catalog,
		registry:    deps.Registry,
		writer:      writer,
		tasks:       tasks,
		gracePeriod: cfg.NewScannerGracePeriod,
		clock:       deps.Clock,
		tracer:      deps.Tracer,
		logger:      deps.Logger.With("component", "completion_aggregator"),
	}
}

// CompletionResult describes what CheckCompletion did.
type CompletionResult struct {
	Scan    *domain.Scan
	Changed bool
	// Waiting lists scanner types the scan is still waiting on.
	Waiting []string
}

// CheckCompletion evaluates scanID and, when every relevant scanner job is
// terminal, moves the scan to PASSED, QUARANTINED or ERRORED.
// The decision is taken under the scan row lock; job creation and package
// activation run after it is released.
func (a *CompletionAggregator) CheckCompletion(ctx context.Context, scanID int64) (*CompletionResult, error) {
	logr := logger.NewLoggerContext(a.logger.With("operation", "check_completion", "scan_id", scanID))
	ctx, span := a.tracer.Start(ctx, "completion_aggregator.scanning.check_completion",
		trace.WithAttributes(attribute.Int64("scan_id", scanID)))
	defer span.End()

	var d completionDecision
	scan, changed, err := a.writer.apply(ctx, scanID, func(scan *domain.Scan) (domain.ScanStatus, string, error) {
		d = completionDecision{}
		if scan.Status() != domain.ScanStatusScanning {
			return "", "", nil
		}
		var err error
		if d, err = a.decide(ctx, scan); err != nil {
			return "", "", err
		}
		return d.status, d.message, nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion check failed")
		return nil, fmt.Errorf("completion check for scan %d failed: %w", scanID, err)
	}

	if len(d.missing) > 0 {
		a.createLateJobs(ctx, scan, d.missing)
	}
	if d.activate {
		if scan, changed, err = a.activate(ctx, scan); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "activation failed")
			return nil, fmt.Errorf("completion check for scan %d failed: %w", scanID, err)
		}
	}

	if changed {
		logr.Info(ctx, "Scan completed", "status", scan.Status(), "message", scan.ErrorMessage())
		span.AddEvent("scan_completed", trace.WithAttributes(attribute.String("status", scan.Status().String())))
	} else if len(d.waiting) > 0 {
		logr.Debug(ctx, "Scan still waiting on scanners", "waiting", d.waiting)
	}
	span.SetStatus(codes.Ok, "completion checked")
	return &CompletionResult{Scan: scan, Changed: changed, Waiting: d.waiting}, nil
}

// createLateJobs adds jobs for scanners registered after the scan started and
// invokes them. Failures are logged; the next completion check retries them.
func (a *CompletionAggregator) createLateJobs(ctx context.Context, scan *domain.Scan, scannerTypes []string) {
	for _, scannerType := range scannerTypes {
		job := domain.NewScannerJob(scan.ID(), scannerType, scan.ExtensionVersionID(), a.clock.Now())
		_, created, err := a.jobs.FindOrCreateJob(ctx, job)
		if err != nil {
			a.logger.Error(ctx, "Failed to create job for late scanner",
				"scan_id", scan.ID(), "scanner_type", scannerType, "err", err)
			continue
		}
		if !created {
			continue
		}
		a.logger.Info(ctx, "Created job for late scanner", "scan_id", scan.ID(), "scanner_type", scannerType)
		if err := a.tasks.enqueueInvoke(ctx, scan.ID(), scannerType, 0); err != nil {
			// The watchdog re-enqueues QUEUED jobs, so this is not fatal.
			a.logger.Error(ctx, "Failed to enqueue invoke for late scanner",
				"scan_id", scan.ID(), "scanner_type", scannerType, "err", err)
		}
	}
}

// activate makes the package public and then writes PASSED. A crash between
// the two is repaired by the next check, which sees the active package.
func (a *CompletionAggregator) activate(ctx context.Context, scan *domain.Scan) (*domain.Scan, bool, error) {
	mu := &a.activations[uint64(scan.ID())%activationStripes]
	mu.Lock()
	defer mu.Unlock()

	// Another check may have finished the scan while this one waited.
	current, err := a.scans.GetScan(ctx, scan.ID())
	if err != nil {
		return scan, false, fmt.Errorf("failed to reload scan: %w", err)
	}
	if current.Status() != domain.ScanStatusScanning {
		return current, false, nil
	}

	if err := a.catalog.ActivateExtension(ctx, scan.ExtensionVersionID()); err != nil {
		return scan, false, fmt.Errorf("failed to activate extension version %d: %w", scan.ExtensionVersionID(), err)
	}
	return a.writer.apply(ctx, scan.ID(), func(scan *domain.Scan) (domain.ScanStatus, string, error) {
		if scan.Status() != domain.ScanStatusScanning {
			return "", "", nil
		}
		return domain.ScanStatusPassed, "", nil
	})
}

type completionDecision struct {
	status  domain.ScanStatus
	message string
	waiting []string
	// missing lists registered scanners past the grace window with no job.
	missing []string
	// activate is set when the scan is clean and the package still inactive.
	activate bool
}

// decide reads the scan's jobs and threats and returns the outcome. It has no
// side effects, since it runs while the scan row is locked.
func (a *CompletionAggregator) decide(ctx context.Context, scan *domain.Scan) (completionDecision, error) {
	version, err := a.catalog.GetExtensionVersion(ctx, scan.ExtensionVersionID())
	if errors.Is(err, domain.ErrExtensionVersionNotFound) {
		return completionDecision{
			status:  domain.ScanStatusErrored,
			message: fmt.Sprintf("extension version %d no longer exists", scan.ExtensionVersionID()),
		}, nil
	}
	if err != nil {
		return completionDecision{}, fmt.Errorf("failed to load extension version: %w", err)
	}
	// Activation happened but the PASSED write did not.
	if version.Active {
		return completionDecision{status: domain.ScanStatusPassed}, nil
	}

	jobs, err := a.jobs.ListJobsByScan(ctx, scan.ID())
	if err != nil {
		return completionDecision{}, fmt.Errorf("failed to list scanner jobs: %w", err)
	}
	byType := make(map[string]*domain.ScannerJob, len(jobs))
	for _, j := range jobs {
		byType[j.ScannerType()] = j
	}

	var d completionDecision
	var missing []string
	for _, s := range a.registry.All() {
		if _, ok := byType[s.Type()]; !ok {
			missing = append(missing, s.Type())
		}
	}
	if len(missing) > 0 {
		d.waiting = missing
		if scan.Age(a.clock.Now()) >= a.gracePeriod {
			d.missing = missing
		}
		return d, nil
	}

	var (
		requiredFailed []*domain.ScannerJob
		optionalFailed []string
		completeTypes  = make(map[string]bool)
	)
	for _, job := range jobs {
		scanner, registered := a.registry.Get(job.ScannerType())
		if !registered || job.Status() == domain.ScannerJobStatusRemoved {
			continue
		}
		switch job.Status() {
		case domain.ScannerJobStatusComplete:
			completeTypes[job.ScannerType()] = true
		case domain.ScannerJobStatusFailed:
			if scanner.IsRequired() {
				requiredFailed = append(requiredFailed, job)
			} else {
				optionalFailed = append(optionalFailed, job.ScannerType())
			}
		default:
			d.waiting = append(d.waiting, job.ScannerType())
		}
	}
	if len(d.waiting) > 0 {
		return d, nil
	}

	if len(requiredFailed) > 0 {
		parts := make([]string, len(requiredFailed))
		for i, j := range requiredFailed {
			parts[i] = fmt.Sprintf("%s: %s", j.ScannerType(), j.ErrorMessage())
		}
		d.status = domain.ScanStatusErrored
		d.message = "required scanner(s) failed: " + strings.Join(parts, "; ")
		return d, nil
	}
	if len(optionalFailed) > 0 {
		a.logger.Warn(ctx, "Optional scanners failed; continuing", "scan_id", scan.ID(), "scanners", optionalFailed)
	}

	threats, err := a.audit.ListThreats(ctx, scan.ID())
	if err != nil {
		return completionDecision{}, fmt.Errorf("failed to list threats: %w", err)
	}
	enforcedBy := make(map[string]int)
	warnings := 0
	for _, t := range threats {
		if !completeTypes[t.ScannerType] {
			continue
		}
		if t.Enforced {
			enforcedBy[t.ScannerType]++
		} else {
			warnings++
		}
	}
	if warnings > 0 {
		a.logger.Info(ctx, "Scan has warning-only threats", "scan_id", scan.ID(), "warnings", warnings)
	}
	if len(enforcedBy) > 0 {
		d.status = domain.ScanStatusQuarantined
		d.message = quarantineMessage(enforcedBy)
		return d, nil
	}

	d.activate = true
	return d, nil
}

func quarantineMessage(enforcedBy map[string]int) string {
	types := make([]string, 0, len(enforcedBy))
	total := 0
	for t, n := range enforcedBy {
		types = append(types, t)
		total += n
	}
	sort.Strings(types)
	return fmt.Sprintf("%d enforced threat(s) detected by %s", total, strings.Join(types, ", "))
}
