package scanning

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

const (
	maxRulesPerCheck   = 3
	maxCheckGroups     = 5
	summaryRuleNameCap = 10
)

// CheckReport is what a gating run produced. The caller converts Status into
// a scan transition; the runner never touches scan state.
type CheckReport struct {
	Results  []domain.CheckResult
	Failures []domain.ValidationFailure
	Verdict  CheckVerdict
}

// CheckVerdict is the decision derived from recorded check results.
type CheckVerdict struct {
	// Complete is false when an enabled check has no result yet.
	Complete bool
	// Status is PASSED, REJECTED, QUARANTINED or ERRORED when Complete.
	Status domain.ScanStatus
	// Message is user facing for REJECTED and QUARANTINED, and an operator
	// message for ERRORED.
	Message string
}

// CheckRunner runs the ordered set of gating checks.
type CheckRunner struct {
	checks atomic.Pointer[[]domain.Check]

	audit   domain.AuditRepository
	metrics Metrics
	clock   domain.TimeProvider

	tracer trace.Tracer
	logger *logger.Logger
}

// NewCheckRunner returns a runner over checks, executed in the given order.
func NewCheckRunner(
	checks []domain.Check,
	audit domain.AuditRepository,
	metrics Metrics,
	clock domain.TimeProvider,
	tracer trace.Tracer,
	logger *logger.Logger,
) *CheckRunner {
	r := &CheckRunner{
		audit:   audit,
		metrics: metrics,
		clock:   clock,
		tracer:  tracer,
		logger:  logger.With("component", "check_runner"),
	}
	r.SetChecks(checks)
	return r
}

// SetChecks swaps the check set, used on configuration reload.
func (r *CheckRunner) SetChecks(checks []domain.Check) {
	cp := append([]domain.Check(nil), checks...)
	r.checks.Store(&cp)
}

// Checks returns the current check set.
func (r *CheckRunner) Checks() []domain.Check { return *r.checks.Load() }

// EnabledCheckTypes returns the types of enabled checks in run order.
func (r *CheckRunner) EnabledCheckTypes() []string {
	var types []string
	for _, c := range r.Checks() {
		if c.Enabled() {
			types = append(types, c.CheckType())
		}
	}
	return types
}

// Run executes every enabled check against in and records each result. A
// failure to execute a required check stops the run.
func (r *CheckRunner) Run(ctx context.Context, in domain.CheckInput) (*CheckReport, error) {
	scanID := in.Scan.ID()
	logr := logger.NewLoggerContext(r.logger.With("operation", "run_checks", "scan_id", scanID))
	ctx, span := r.tracer.Start(ctx, "check_runner.scanning.run",
		trace.WithAttributes(
			attribute.Int64("scan_id", scanID),
			attribute.String("extension", in.Scan.Extension().String()),
		))
	defer span.End()

	report := new(CheckReport)
	var enabled []string

	for _, check := range r.Checks() {
		if !check.Enabled() {
			continue
		}
		checkType := check.CheckType()
		enabled = append(enabled, checkType)

		start := r.clock.Now()
		outcome, execErr := check.Execute(ctx, in)
		elapsed := r.clock.Now().Sub(start)

		result := domain.CheckResult{
			ScanID:    scanID,
			CheckType: checkType,
			Enforced:  check.Enforced(),
			Required:  check.Required(),
			Action:    domain.ActionOf(check),
			Duration:  elapsed,
			CreatedAt: r.clock.Now(),
		}

		var failures []domain.ValidationFailure
		switch {
		case execErr != nil:
			result.Result = domain.CheckResultErrored
			result.ErrorMessage = execErr.Error()
			span.RecordError(execErr)
			logr.Warn(ctx, "Check failed to execute", "check_type", checkType, "required", check.Required(), "err", execErr)
		case outcome.Passed:
			result.Result = domain.CheckResultPassed
		default:
			result.Result = domain.CheckResultWarning
			if check.Enforced() {
				result.Result = domain.CheckResultRejected
			}
			result.Summary = summarizeFailures(outcome.Failures)
			for _, f := range outcome.Failures {
				failures = append(failures, domain.ValidationFailure{
					ScanID:    scanID,
					CheckType: checkType,
					RuleName:  f.RuleName,
					Reason:    f.Reason,
					Enforced:  check.Enforced(),
					CreatedAt: result.CreatedAt,
				})
			}
		}

		if err := r.audit.RecordCheckResult(ctx, &result); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to record check result")
			return nil, fmt.Errorf("failed to record %s result for scan %d: %w", checkType, scanID, err)
		}
		if len(failures) > 0 {
			if err := r.audit.RecordValidationFailures(ctx, failures); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to record validation failures")
				return nil, fmt.Errorf("failed to record %s failures for scan %d: %w", checkType, scanID, err)
			}
		}

		report.Results = append(report.Results, result)
		report.Failures = append(report.Failures, failures...)
		r.metrics.ObserveCheckDuration(ctx, checkType, string(result.Result), elapsed)
		span.AddEvent("check_completed", trace.WithAttributes(
			attribute.String("check_type", checkType),
			attribute.String("result", string(result.Result)),
		))

		if execErr != nil && check.Required() {
			logr.Add("aborted_by", checkType)
			break
		}
	}

	report.Verdict = EvaluateChecks(enabled, report.Results, report.Failures)
	logr.Info(ctx, "Gating checks finished",
		"checks_run", len(report.Results),
		"verdict", report.Verdict.Status,
	)
	span.SetAttributes(attribute.String("verdict", string(report.Verdict.Status)))
	span.SetStatus(codes.Ok, "checks completed")
	return report, nil
}

// EvaluateChecks derives the gating verdict from recorded results. It is used
// both after a live run and when recovering a scan left VALIDATING.
func EvaluateChecks(
	enabledTypes []string,
	results []domain.CheckResult,
	failures []domain.ValidationFailure,
) CheckVerdict {
	byType := make(map[string]domain.CheckResult, len(results))
	for _, res := range results {
		byType[res.CheckType] = res
	}

	for _, res := range results {
		if res.Result == domain.CheckResultErrored && res.Required {
			return CheckVerdict{
				Complete: true,
				Status:   domain.ScanStatusErrored,
				Message:  fmt.Sprintf("required check %s could not be completed: %s", res.CheckType, res.ErrorMessage),
			}
		}
	}

	for _, t := range enabledTypes {
		if _, ok := byType[t]; !ok {
			return CheckVerdict{Complete: false}
		}
	}

	var blocking []domain.CheckResult
	quarantineOnly := true
	for _, res := range results {
		if res.Result != domain.CheckResultRejected {
			continue
		}
		blocking = append(blocking, res)
		if res.Action != domain.CheckActionQuarantine {
			quarantineOnly = false
		}
	}
	if len(blocking) == 0 {
		return CheckVerdict{Complete: true, Status: domain.ScanStatusPassed}
	}

	status := domain.ScanStatusRejected
	if quarantineOnly {
		status = domain.ScanStatusQuarantined
	}
	return CheckVerdict{Complete: true, Status: status, Message: BuildUserMessage(failures)}
}

// BuildUserMessage lists enforced failures grouped by check type. Rule names
// are truncated; reasons stay in the audit log.
func BuildUserMessage(failures []domain.ValidationFailure) string {
	var order []string
	rules := make(map[string][]string)
	for _, f := range failures {
		if !f.Enforced {
			continue
		}
		if _, ok := rules[f.CheckType]; !ok {
			order = append(order, f.CheckType)
		}
		if !slices.Contains(rules[f.CheckType], f.RuleName) {
			rules[f.CheckType] = append(rules[f.CheckType], f.RuleName)
		}
	}
	if len(order) == 0 {
		return "Extension publication blocked by security checks."
	}

	var b strings.Builder
	b.WriteString("Extension publication blocked by security checks: ")
	for i, checkType := range order {
		if i == maxCheckGroups {
			fmt.Fprintf(&b, "; and %d more", len(order)-maxCheckGroups)
			break
		}
		if i > 0 {
			b.WriteString("; ")
		}
		names := rules[checkType]
		shown := names
		if len(shown) > maxRulesPerCheck {
			shown = shown[:maxRulesPerCheck]
		}
		b.WriteString(checkType)
		b.WriteString(" (")
		b.WriteString(strings.Join(shown, ", "))
		if extra := len(names) - len(shown); extra > 0 {
			fmt.Fprintf(&b, " and %d more", extra)
		}
		b.WriteString(")")
	}
	return b.String()
}

func summarizeFailures(failures []domain.CheckFailure) string {
	names := make([]string, 0, min(len(failures), summaryRuleNameCap))
	for _, f := range failures {
		if len(names) == summaryRuleNameCap {
			break
		}
		if !slices.Contains(names, f.RuleName) {
			names = append(names, f.RuleName)
		}
	}
	return fmt.Sprintf("%d failure(s): %s", len(failures), strings.Join(names, ", "))
}
