// Package scanner builds the configured scanner and gating check sets. It is
// called at startup and on every configuration reload.
package scanner

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/config"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/checks"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/scanner/gitleaks"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/scanner/remote"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/secrets"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// Factory turns configuration entries into scanners and checks. The gitleaks
// detector is built on first use and shared by the SECRET_SCAN check and the
// gitleaks scanner.
type Factory struct {
	secretsCfg    secrets.Config
	remoteOptions []remote.Option

	mu       sync.Mutex
	detector *secrets.Detector

	logger *logger.Logger
	tracer trace.Tracer
}

// NewFactory creates a factory. remoteOpts are applied to every remote scanner.
func NewFactory(secretsCfg secrets.Config, log *logger.Logger, tracer trace.Tracer, remoteOpts ...remote.Option) *Factory {
	return &Factory{
		secretsCfg:    secretsCfg,
		remoteOptions: remoteOpts,
		logger:        log.With("component", "scanner_factory"),
		tracer:        tracer,
	}
}

func (f *Factory) secretDetector() (*secrets.Detector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.detector != nil {
		return f.detector, nil
	}
	d, err := secrets.NewDetector(f.secretsCfg, f.logger, f.tracer)
	if err != nil {
		return nil, fmt.Errorf("creating secret detector: %w", err)
	}
	f.detector = d
	return d, nil
}

// Scanners builds every enabled scanner. All entries are attempted and the
// errors joined so one bad definition does not hide another.
func (f *Factory) Scanners(specs []config.ScannerConfig) ([]scanning.Scanner, error) {
	out := make([]scanning.Scanner, 0, len(specs))
	var errs []error
	for i, spec := range specs {
		if !spec.IsEnabled() {
			continue
		}
		s, err := f.scanner(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("scanners[%d]: %w", i, err))
			continue
		}
		out = append(out, s)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (f *Factory) scanner(spec config.ScannerConfig) (scanning.Scanner, error) {
	switch spec.Kind {
	case config.ScannerKindGitleaks:
		d, err := f.secretDetector()
		if err != nil {
			return nil, err
		}
		return gitleaks.New(gitleaks.Settings{
			Type:            strings.ToUpper(spec.Type),
			Required:        spec.Required,
			EnforcesThreats: spec.EnforcesThreats,
			Timeout:         spec.Timeout,
			Severity:        spec.Severity,
		}, d, f.logger, f.tracer), nil

	case config.ScannerKindRemote:
		def := spec.Definition
		def.Type = strings.ToUpper(def.Type)
		return remote.New(def, f.logger, f.tracer, f.remoteOptions...)

	default:
		return nil, fmt.Errorf("unknown scanner kind %q", spec.Kind)
	}
}

// Checks builds every configured check, including disabled ones so the
// runner can report them.
func (f *Factory) Checks(specs []config.CheckConfig) ([]scanning.Check, error) {
	out := make([]scanning.Check, 0, len(specs))
	var errs []error
	for i, spec := range specs {
		c, err := f.check(spec)
		if err != nil {
			errs = append(errs, fmt.Errorf("checks[%d]: %w", i, err))
			continue
		}
		out = append(out, c)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return out, nil
}

func (f *Factory) check(spec config.CheckConfig) (scanning.Check, error) {
	switch spec.Type {
	case config.CheckBlocklist:
		return checks.NewBlocklistCheck(spec.Settings, spec.Path, f.logger, f.tracer)

	case config.CheckSecretScan:
		d, err := f.secretDetector()
		if err != nil {
			return nil, err
		}
		return checks.NewSecretScanCheck(spec.Settings, d), nil

	default:
		return nil, fmt.Errorf("unknown check type %q", spec.Type)
	}
}
