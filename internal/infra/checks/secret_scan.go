package checks

import (
	"context"
	"fmt"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/secrets"
)

var _ scanning.ActionCheck = (*SecretScanCheck)(nil)

// SecretScanCheck fails packages that ship credentials.
type SecretScanCheck struct {
	base
	detector *secrets.Detector
}

// NewSecretScanCheck wraps detector as a gating check.
func NewSecretScanCheck(settings Settings, detector *secrets.Detector) *SecretScanCheck {
	return &SecretScanCheck{base: base{checkType: TypeSecretScan, settings: settings}, detector: detector}
}

func (c *SecretScanCheck) Execute(ctx context.Context, in scanning.CheckInput) (scanning.CheckOutcome, error) {
	if in.File == nil {
		return scanning.CheckOutcome{}, fmt.Errorf("secret scan needs the package file")
	}

	findings, err := c.detector.ScanArchive(ctx, in.File.Path)
	if err != nil {
		return scanning.CheckOutcome{}, err
	}

	failures := make([]scanning.CheckFailure, 0, len(findings))
	for _, f := range findings {
		failures = append(failures, scanning.CheckFailure{
			RuleName: f.RuleID,
			Reason:   fmt.Sprintf("%s:%d %s", f.File, f.Line, f.Description),
		})
	}
	return scanning.Failed(failures...), nil
}
