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

// SubmitScanCommand is a publish pipeline request to scan an extension version.
type SubmitScanCommand struct {
	ExtensionVersionID int64
	User               domain.PublishingUser
}

// ScanDetails is the full audit view of a scan.
type ScanDetails struct {
	Scan               *domain.Scan
	EffectiveStatus    domain.ScanStatus
	Jobs               []*domain.ScannerJob
	CheckResults       []domain.CheckResult
	ValidationFailures []domain.ValidationFailure
	Threats            []domain.Threat
	AdminDecisions     []domain.AdminDecision
}

// Orchestrator owns scan submission: it creates the scan, runs the gating
// checks and fans out scanner jobs.
type Orchestrator struct {
	scans     domain.ScanRepository
	jobs      domain.ScannerJobRepository
	audit     domain.AuditRepository
	catalog   domain.ExtensionCatalog
	packages  domain.PackageStore
	registry  *ScannerRegistry
	checks    *CheckRunner
	publisher events.DomainEventPublisher
	metrics   Metrics
	writer    *scanStateWriter
	tasks     *taskScheduler
	clock     domain.TimeProvider

	tracer trace.Tracer
	logger *logger.Logger
}

// NewOrchestrator returns an Orchestrator.
func NewOrchestrator(deps Dependencies, writer *scanStateWriter, tasks *taskScheduler) *Orchestrator {
	return &Orchestrator{
		scans:     deps.Scans,
		jobs:      deps.Jobs,
		audit:     deps.Audit,
		catalog:   deps.Catalog,
		packages:  deps.Packages,
		registry:  deps.Registry,
		checks:    deps.Checks,
		publisher: deps.Publisher,
		metrics:   deps.Metrics,
		writer:    writer,
		tasks:     tasks,
		clock:     deps.Clock,
		tracer:    deps.Tracer,
		logger:    deps.Logger.With("component", "scan_orchestrator"),
	}
}

// StartScan creates a scan for the extension version, runs the gating checks
// and, if they pass, starts every registered scanner. The returned scan
// reflects the status reached; gating outcomes are not errors.
func (o *Orchestrator) StartScan(ctx context.Context, cmd SubmitScanCommand) (*domain.Scan, error) {
	logr := logger.NewLoggerContext(o.logger.With(
		"operation", "start_scan",
		"extension_version_id", cmd.ExtensionVersionID,
	))
	ctx, span := o.tracer.Start(ctx, "scan_orchestrator.scanning.start_scan",
		trace.WithAttributes(attribute.Int64("extension_version_id", cmd.ExtensionVersionID)))
	defer span.End()

	version, err := o.catalog.GetExtensionVersion(ctx, cmd.ExtensionVersionID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "extension version lookup failed")
		return nil, fmt.Errorf("failed to load extension version %d: %w", cmd.ExtensionVersionID, err)
	}

	scan := domain.NewScan(version, publisherName(version, cmd.User), o.clock)
	if err := o.scans.CreateScan(ctx, scan); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create scan")
		return nil, fmt.Errorf("failed to create scan: %w", err)
	}
	o.metrics.IncScansStarted(ctx)
	logr.Add("scan_id", scan.ID())
	span.SetAttributes(attribute.Int64("scan_id", scan.ID()))
	logr.Info(ctx, "Scan started", "extension", scan.Extension().String())

	if scan, _, err = o.writer.transition(ctx, scan.ID(), domain.ScanStatusValidating, ""); err != nil {
		return nil, err
	}

	file, err := o.packages.GetExtensionFile(ctx, scan.ExtensionVersionID())
	if err != nil {
		span.RecordError(err)
		logr.Error(ctx, "Package retrieval failed", "err", err)
		scan, _, err = o.writer.transition(ctx, scan.ID(), domain.ScanStatusErrored,
			fmt.Sprintf("package could not be retrieved: %v", err))
		return scan, err
	}
	report, runErr := o.checks.Run(ctx, domain.CheckInput{Scan: scan, File: file, User: cmd.User})
	if err := file.Release(); err != nil {
		logr.Warn(ctx, "Failed to release package file", "err", err)
	}
	if runErr != nil {
		span.RecordError(runErr)
		scan, _, err = o.writer.transition(ctx, scan.ID(), domain.ScanStatusErrored,
			fmt.Sprintf("gating checks could not be recorded: %v", runErr))
		return scan, err
	}

	if report.Verdict.Status != domain.ScanStatusPassed {
		span.AddEvent("gating_blocked", trace.WithAttributes(attribute.String("status", string(report.Verdict.Status))))
		scan, _, err = o.writer.transition(ctx, scan.ID(), report.Verdict.Status, report.Verdict.Message)
		return scan, err
	}

	scan, err = o.beginScanning(ctx, scan.ID())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to start scanners")
		return scan, err
	}
	span.SetStatus(codes.Ok, "scan submitted")
	return scan, nil
}

// beginScanning moves a VALIDATING scan on once its checks passed: with no
// scanners registered the package is activated and the scan passes, otherwise
// one job per scanner is created and invoked.
func (o *Orchestrator) beginScanning(ctx context.Context, scanID int64) (*domain.Scan, error) {
	scanners := o.registry.All()
	if len(scanners) == 0 {
		scan, err := o.scans.GetScan(ctx, scanID)
		if err != nil {
			return nil, err
		}
		if scan.IsTerminal() {
			return scan, nil
		}
		status, msg := domain.ScanStatusPassed, ""
		if err := o.catalog.ActivateExtension(ctx, scan.ExtensionVersionID()); err != nil {
			status, msg = domain.ScanStatusErrored, fmt.Sprintf("activation failed: %v", err)
		}
		scan, _, err = o.writer.transition(ctx, scanID, status, msg)
		return scan, err
	}

	scan, _, err := o.writer.transition(ctx, scanID, domain.ScanStatusScanning, "")
	if err != nil {
		return nil, err
	}
	if scan.Status() != domain.ScanStatusScanning {
		return scan, nil
	}

	for _, s := range scanners {
		job := domain.NewScannerJob(scanID, s.Type(), scan.ExtensionVersionID(), o.clock.Now())
		if _, _, err := o.jobs.FindOrCreateJob(ctx, job); err != nil {
			return scan, fmt.Errorf("failed to create job for scanner %s: %w", s.Type(), err)
		}
		if err := o.tasks.enqueueInvoke(ctx, scanID, s.Type(), 0); err != nil {
			return scan, err
		}
	}
	o.logger.Info(ctx, "Scanner jobs dispatched", "scan_id", scanID, "scanners", len(scanners))
	return scan, nil
}

// AdminAllowScan records an admin decision allowing a quarantined (or already
// passed) scan and activates the package. Repeat calls are no-ops.
func (o *Orchestrator) AdminAllowScan(ctx context.Context, scanID int64, admin string) (*ScanDetails, error) {
	logr := o.logger.With("operation", "admin_allow_scan", "scan_id", scanID, "admin", admin)
	ctx, span := o.tracer.Start(ctx, "scan_orchestrator.scanning.admin_allow_scan",
		trace.WithAttributes(attribute.Int64("scan_id", scanID), attribute.String("admin", admin)))
	defer span.End()

	scan, err := o.scans.GetScan(ctx, scanID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if s := scan.Status(); s != domain.ScanStatusQuarantined && s != domain.ScanStatusPassed {
		span.SetStatus(codes.Error, "scan not allowable")
		return nil, fmt.Errorf("scan %d is %s: %w", scanID, s, domain.ErrAdminAllowNotPermitted)
	}

	decisions, err := o.audit.ListAdminDecisions(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("failed to list admin decisions: %w", err)
	}
	alreadyAllowed := false
	for _, d := range decisions {
		if d.Decision == domain.AdminDecisionAllowed {
			alreadyAllowed = true
			break
		}
	}

	if err := o.catalog.ActivateExtension(ctx, scan.ExtensionVersionID()); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "activation failed")
		return nil, fmt.Errorf("failed to activate extension version %d: %w", scan.ExtensionVersionID(), err)
	}

	if !alreadyAllowed && scan.Status() == domain.ScanStatusQuarantined {
		decision := &domain.AdminDecision{
			ScanID:    scanID,
			Decision:  domain.AdminDecisionAllowed,
			DecidedBy: admin,
			CreatedAt: o.clock.Now(),
		}
		if err := o.audit.RecordAdminDecision(ctx, decision); err != nil {
			return nil, fmt.Errorf("failed to record admin decision: %w", err)
		}
		logr.Info(ctx, "Quarantined scan allowed by admin")
		span.AddEvent("admin_decision_recorded")

		if o.publisher != nil {
			evt := events.NewDomainEvent(events.EventTypeScanAdminAllowed, fmt.Sprint(scanID),
				events.ScanAdminAllowed{ScanID: scanID, DecidedBy: admin})
			if err := o.publisher.PublishDomainEvent(ctx, evt, events.WithKey(evt.Key)); err != nil {
				logr.Error(ctx, "Admin decision event publication failed", "err", err)
			}
		}
	}

	span.SetStatus(codes.Ok, "scan allowed")
	return o.GetScanDetails(ctx, scanID)
}

// GetScanDetails returns the scan with its jobs and audit records.
func (o *Orchestrator) GetScanDetails(ctx context.Context, scanID int64) (*ScanDetails, error) {
	ctx, span := o.tracer.Start(ctx, "scan_orchestrator.scanning.get_scan_details",
		trace.WithAttributes(attribute.Int64("scan_id", scanID)))
	defer span.End()

	scan, err := o.scans.GetScan(ctx, scanID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	d := &ScanDetails{Scan: scan}
	if d.Jobs, err = o.jobs.ListJobsByScan(ctx, scanID); err != nil {
		return nil, fmt.Errorf("failed to list scanner jobs: %w", err)
	}
	if d.CheckResults, err = o.audit.ListCheckResults(ctx, scanID); err != nil {
		return nil, fmt.Errorf("failed to list check results: %w", err)
	}
	if d.ValidationFailures, err = o.audit.ListValidationFailures(ctx, scanID); err != nil {
		return nil, fmt.Errorf("failed to list validation failures: %w", err)
	}
	if d.Threats, err = o.audit.ListThreats(ctx, scanID); err != nil {
		return nil, fmt.Errorf("failed to list threats: %w", err)
	}
	if d.AdminDecisions, err = o.audit.ListAdminDecisions(ctx, scanID); err != nil {
		return nil, fmt.Errorf("failed to list admin decisions: %w", err)
	}
	d.EffectiveStatus = domain.EffectiveStatus(scan.Status(), d.AdminDecisions)
	return d, nil
}

// ListScanners reports the registered scanners.
func (o *Orchestrator) ListScanners() []domain.Scanner { return o.registry.All() }

func publisherName(version *domain.ExtensionVersion, user domain.PublishingUser) string {
	if user.LoginName != "" {
		return user.LoginName
	}
	return version.Publisher
}

// IsNotFound reports whether err means the scan does not exist.
func IsNotFound(err error) bool { return errors.Is(err, domain.ErrScanNotFound) }
