// Package gitleaks runs the secret detector as a synchronous background
// scanner, so findings are recorded as threats alongside other scanners.
package gitleaks

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/secrets"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// DefaultType is the scanner type used when none is configured.
const DefaultType = "GITLEAKS"

var _ scanning.Scanner = (*Scanner)(nil)

// Settings configure how the scanner participates in a scan.
type Settings struct {
	Type            string
	Required        bool
	EnforcesThreats bool
	Timeout         time.Duration
	// Severity is attached to every finding.
	Severity string
}

// Scanner reports every secret found in a package as a threat.
type Scanner struct {
	settings Settings
	detector *secrets.Detector

	logger *logger.Logger
	tracer trace.Tracer
}

// New creates a gitleaks scanner.
func New(settings Settings, detector *secrets.Detector, log *logger.Logger, tracer trace.Tracer) *Scanner {
	if settings.Type == "" {
		settings.Type = DefaultType
	}
	if settings.Severity == "" {
		settings.Severity = "HIGH"
	}
	return &Scanner{
		settings: settings,
		detector: detector,
		logger:   log.With("component", "gitleaks_scanner", "scanner_type", settings.Type),
		tracer:   tracer,
	}
}

func (s *Scanner) Type() string                    { return s.settings.Type }
func (s *Scanner) IsAsync() bool                   { return false }
func (s *Scanner) IsRequired() bool                { return s.settings.Required }
func (s *Scanner) EnforcesThreats() bool           { return s.settings.EnforcesThreats }
func (s *Scanner) Timeout() time.Duration          { return s.settings.Timeout }
func (s *Scanner) PollConfig() scanning.PollConfig { return scanning.PollConfig{} }

// StartScan scans the package inline and always returns a completed invocation.
func (s *Scanner) StartScan(ctx context.Context, cmd scanning.ScanCommand) (scanning.Invocation, error) {
	ctx, span := s.tracer.Start(ctx, "gitleaks_scanner.scanning.scan",
		trace.WithAttributes(
			attribute.String("component", "gitleaks_scanner"),
			attribute.Int64("scan_id", cmd.ScanID),
			attribute.String("extension", cmd.Extension.String()),
		),
	)
	defer span.End()

	if cmd.File == nil {
		err := fmt.Errorf("no package file for scan %d", cmd.ScanID)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return scanning.Invocation{}, err
	}

	findings, err := s.detector.ScanArchive(ctx, cmd.File.Path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
		return scanning.Invocation{}, fmt.Errorf("gitleaks scan failed: %w", err)
	}

	result := &scanning.ScanResult{Threats: make([]scanning.ThreatFinding, 0, len(findings))}
	for _, f := range findings {
		result.Threats = append(result.Threats, scanning.ThreatFinding{
			Name:        f.RuleID,
			Description: fmt.Sprintf("%s at line %d (fingerprint %s)", f.Description, f.Line, f.Fingerprint),
			Severity:    s.settings.Severity,
			FilePath:    f.File,
		})
	}

	span.SetAttributes(attribute.Int("threats", len(result.Threats)))
	span.SetStatus(codes.Ok, "scan completed")
	s.logger.Info(ctx, "Gitleaks scan completed", "scan_id", cmd.ScanID, "threats", len(result.Threats))
	return scanning.Completed(result), nil
}
