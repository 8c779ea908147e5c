package scanning

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/queue"
	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
)

func TestStartScan_NoScannersPassesImmediately(t *testing.T) {
	h := newHarness(t)
	h.checks.SetChecks([]domain.Check{passingCheck("BLOCKLIST")})

	scan := h.start()

	assert.Equal(t, domain.ScanStatusPassed, scan.Status())
	assert.Equal(t, 1, h.catalog.activationCount())
	assert.Equal(t, int32(1), h.packages.released.Load())

	jobs, err := h.jobs.ListJobsByScan(context.Background(), scan.ID())
	require.NoError(t, err)
	assert.Empty(t, jobs)
	assert.Empty(t, h.queue.Tasks(queue.TaskKindInvokeScanner))

	changes := h.publisher.ofType(events.EventTypeScanStatusChanged)
	require.Len(t, changes, 2)
	assert.Equal(t, "PASSED", changes[1].Payload.(events.ScanStatusChanged).To)
}

func TestStartScan_ActivationFailureWithoutScannersErrors(t *testing.T) {
	h := newHarness(t)
	h.catalog.setActivateErr(errors.New("registry down"))

	scan := h.start()

	assert.Equal(t, domain.ScanStatusErrored, scan.Status())
	assert.Contains(t, scan.ErrorMessage(), "activation failed")
}

func TestStartScan_Gating(t *testing.T) {
	tests := []struct {
		name        string
		checks      []domain.Check
		wantStatus  domain.ScanStatus
		wantMessage string
	}{
		{
			name: "enforced failure rejects",
			checks: []domain.Check{
				&fakeCheck{
					checkType: "BLOCKLIST", enabled: true, enforced: true,
					outcome: domain.Failed(domain.CheckFailure{RuleName: "known-malware", Reason: "hash match"}),
				},
			},
			wantStatus:  domain.ScanStatusRejected,
			wantMessage: "Extension publication blocked by security checks: BLOCKLIST (known-malware)",
		},
		{
			name: "quarantine action quarantines",
			checks: []domain.Check{
				&fakeCheck{
					checkType: "SECRET_SCAN", enabled: true, enforced: true, action: domain.CheckActionQuarantine,
					outcome: domain.Failed(domain.CheckFailure{RuleName: "aws-key", Reason: "src/a.js:3"}),
				},
			},
			wantStatus:  domain.ScanStatusQuarantined,
			wantMessage: "SECRET_SCAN (aws-key)",
		},
		{
			name: "mixed actions reject",
			checks: []domain.Check{
				&fakeCheck{
					checkType: "SECRET_SCAN", enabled: true, enforced: true, action: domain.CheckActionQuarantine,
					outcome: domain.Failed(domain.CheckFailure{RuleName: "aws-key"}),
				},
				&fakeCheck{
					checkType: "BLOCKLIST", enabled: true, enforced: true,
					outcome: domain.Failed(domain.CheckFailure{RuleName: "known-malware"}),
				},
			},
			wantStatus:  domain.ScanStatusRejected,
			wantMessage: "SECRET_SCAN (aws-key); BLOCKLIST (known-malware)",
		},
		{
			name: "warning-only failure passes",
			checks: []domain.Check{
				&fakeCheck{
					checkType: "NAME_SQUATTING", enabled: true,
					outcome: domain.Failed(domain.CheckFailure{RuleName: "similar-name"}),
				},
			},
			wantStatus: domain.ScanStatusPassed,
		},
		{
			name: "required check error errors",
			checks: []domain.Check{
				&fakeCheck{checkType: "BLOCKLIST", enabled: true, enforced: true, required: true, err: errors.New("db down")},
				passingCheck("SECRET_SCAN"),
			},
			wantStatus:  domain.ScanStatusErrored,
			wantMessage: "required check BLOCKLIST could not be completed: db down",
		},
		{
			name: "optional check error is tolerated",
			checks: []domain.Check{
				&fakeCheck{checkType: "BLOCKLIST", enabled: true, enforced: true, err: errors.New("db down")},
			},
			wantStatus: domain.ScanStatusPassed,
		},
		{
			name: "disabled check is skipped",
			checks: []domain.Check{
				&fakeCheck{checkType: "BLOCKLIST", enforced: true, outcome: domain.Failed(domain.CheckFailure{RuleName: "x"})},
			},
			wantStatus: domain.ScanStatusPassed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.checks.SetChecks(tt.checks)

			scan := h.start()

			assert.Equal(t, tt.wantStatus, scan.Status())
			if tt.wantMessage != "" {
				assert.Contains(t, scan.ErrorMessage(), tt.wantMessage)
			}
			if tt.wantStatus != domain.ScanStatusPassed {
				assert.Zero(t, h.catalog.activationCount())
			}
		})
	}
}

func TestStartScan_RequiredCheckErrorStopsRun(t *testing.T) {
	h := newHarness(t)
	h.checks.SetChecks([]domain.Check{
		&fakeCheck{checkType: "BLOCKLIST", enabled: true, required: true, err: errors.New("boom")},
		passingCheck("SECRET_SCAN"),
	})

	scan := h.start()

	results, err := h.audit.ListCheckResults(context.Background(), scan.ID())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, domain.CheckResultErrored, results[0].Result)
}

func TestStartScan_PackageUnavailableErrors(t *testing.T) {
	h := newHarness(t, syncScanner("CLAMAV", true, true))
	h.packages.err = errors.New("storage unreachable")

	scan := h.start()

	assert.Equal(t, domain.ScanStatusErrored, scan.Status())
	assert.Contains(t, scan.ErrorMessage(), "package could not be retrieved")
}

func TestStartScan_UnknownVersion(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Orchestrator.StartScan(context.Background(), SubmitScanCommand{ExtensionVersionID: 999})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExtensionVersionNotFound)
}

func TestStartScan_FansOutOneJobPerScanner(t *testing.T) {
	h := newHarness(t, syncScanner("CLAMAV", true, true), syncScanner("YARA", false, true))

	scan := h.start()

	assert.Equal(t, domain.ScanStatusScanning, scan.Status())
	assert.Equal(t, "alice", scan.Publisher())
	for _, typ := range []string{"CLAMAV", "YARA"} {
		assert.Equal(t, domain.ScannerJobStatusQueued, h.job(scan.ID(), typ).Status())
	}
	assert.Len(t, h.queue.Tasks(queue.TaskKindInvokeScanner), 2)
}

func TestAdminAllowScan(t *testing.T) {
	scanner := syncScanner("CLAMAV", true, true)
	scanner.start = threats("Trojan.Generic")
	h := newHarness(t, scanner)

	scan := h.start()
	h.drain()
	require.Equal(t, domain.ScanStatusQuarantined, h.scan(scan.ID()).Status())
	assert.Zero(t, h.catalog.activationCount())

	ctx := context.Background()
	details, err := h.svc.Orchestrator.AdminAllowScan(ctx, scan.ID(), "admin")
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusQuarantined, details.Scan.Status())
	assert.Equal(t, domain.ScanStatusPassed, details.EffectiveStatus)
	require.Len(t, details.AdminDecisions, 1)
	assert.Equal(t, "admin", details.AdminDecisions[0].DecidedBy)
	assert.Len(t, details.Threats, 1)

	details, err = h.svc.Orchestrator.AdminAllowScan(ctx, scan.ID(), "other-admin")
	require.NoError(t, err)
	assert.Len(t, details.AdminDecisions, 1)
	assert.Len(t, h.publisher.ofType(events.EventTypeScanAdminAllowed), 1)

	version, err := h.catalog.GetExtensionVersion(ctx, testVersionID)
	require.NoError(t, err)
	assert.True(t, version.Active)
}

func TestAdminAllowScan_RejectedIsNotAllowable(t *testing.T) {
	h := newHarness(t)
	h.checks.SetChecks([]domain.Check{
		&fakeCheck{
			checkType: "BLOCKLIST", enabled: true, enforced: true,
			outcome: domain.Failed(domain.CheckFailure{RuleName: "known-malware"}),
		},
	})
	scan := h.start()

	_, err := h.svc.Orchestrator.AdminAllowScan(context.Background(), scan.ID(), "admin")
	assert.ErrorIs(t, err, domain.ErrAdminAllowNotPermitted)
	assert.Zero(t, h.catalog.activationCount())
}

func TestGetScanDetails_NotFound(t *testing.T) {
	h := newHarness(t)

	_, err := h.svc.Orchestrator.GetScanDetails(context.Background(), 404)
	assert.True(t, IsNotFound(err))
}
