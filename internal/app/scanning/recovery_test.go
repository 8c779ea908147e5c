package scanning

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
)

// createScanAt stores a scan and walks it to status without running anything.
func createScanAt(t *testing.T, h *harness, status domain.ScanStatus) *domain.Scan {
	t.Helper()
	ctx := context.Background()

	scan := domain.NewScan(testVersion(), "alice", h.clock)
	require.NoError(t, h.scans.CreateScan(ctx, scan))
	if status == domain.ScanStatusStarted {
		return scan
	}
	updated, err := h.scans.UpdateScan(ctx, scan.ID(), func(s *domain.Scan) error {
		return s.TransitionTo(status, "")
	})
	require.NoError(t, err)
	return updated
}

func TestRecovery_ResumesLostInvoke(t *testing.T) {
	scanner := syncScanner("CLAMAV", true, true)
	h := newHarness(t, scanner)

	scan := h.start()
	h.restart()

	report, err := h.svc.Recovery.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.InvokesResumed)

	h.drain()
	assert.Equal(t, int32(1), scanner.calls.Load())
	assert.Equal(t, domain.ScanStatusPassed, h.scan(scan.ID()).Status())
}

func TestRecovery_RequeuesInterruptedProcessingJob(t *testing.T) {
	scanner := syncScanner("CLAMAV", true, true)
	h := newHarness(t, scanner)
	ctx := context.Background()

	scan := h.start()
	_, err := h.jobs.UpdateJob(ctx, scan.ID(), "CLAMAV", func(j *domain.ScannerJob) error {
		return j.MarkProcessing(h.clock.Now())
	})
	require.NoError(t, err)
	h.restart()

	report, err := h.svc.Recovery.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.InvokesResumed)

	job := h.job(scan.ID(), "CLAMAV")
	assert.Equal(t, domain.ScannerJobStatusQueued, job.Status())
	assert.Equal(t, "interrupted by restart", job.ErrorMessage())

	h.drain()
	assert.Equal(t, domain.ScanStatusPassed, h.scan(scan.ID()).Status())
}

func TestRecovery_ResumesPollingAndBreaksStaleLease(t *testing.T) {
	scanner := asyncScanner("REMOTE", func(int) (domain.ExternalStatus, error) {
		return domain.ExternalStatusCompleted, nil
	})
	h := newHarness(t, scanner)
	ctx := context.Background()

	scan := h.start()
	h.drain()
	require.Equal(t, domain.ScannerJobStatusSubmitted, h.job(scan.ID(), "REMOTE").Status())

	// A poll crashed while holding the lease.
	_, err := h.jobs.UpdateJob(ctx, scan.ID(), "REMOTE", func(j *domain.ScannerJob) error {
		return j.AcquirePollLease(h.clock.Now(), time.Hour)
	})
	require.NoError(t, err)
	h.restart()

	report, err := h.svc.Recovery.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.PollsResumed)
	assert.True(t, h.job(scan.ID(), "REMOTE").RecoveryInProgress())

	h.drain()
	assert.Equal(t, int32(1), scanner.polls.Load())
	assert.Equal(t, domain.ScannerJobStatusComplete, h.job(scan.ID(), "REMOTE").Status())
	assert.Equal(t, domain.ScanStatusPassed, h.scan(scan.ID()).Status())
}

func TestRecovery_RemovesJobsOfUnregisteredScanners(t *testing.T) {
	h := newHarness(t, syncScanner("CLAMAV", true, true), syncScanner("LEGACY", true, true))

	scan := h.start()
	h.registry.Unregister("LEGACY")
	h.restart()

	report, err := h.svc.Recovery.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.JobsRemoved)
	assert.Equal(t, 1, report.InvokesResumed)

	h.drain()
	assert.Equal(t, domain.ScannerJobStatusRemoved, h.job(scan.ID(), "LEGACY").Status())
	assert.Equal(t, domain.ScanStatusPassed, h.scan(scan.ID()).Status())
}

func TestRecovery_StartedScanIsErrored(t *testing.T) {
	h := newHarness(t)
	scan := createScanAt(t, h, domain.ScanStatusStarted)

	report, err := h.svc.Recovery.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.ScansClosed)

	got := h.scan(scan.ID())
	assert.Equal(t, domain.ScanStatusErrored, got.Status())
	assert.Equal(t, "scan interrupted before validation", got.ErrorMessage())
}

func TestRecovery_ValidatingScan(t *testing.T) {
	tests := []struct {
		name       string
		results    []domain.CheckResult
		failures   []domain.ValidationFailure
		wantStatus domain.ScanStatus
		wantReport func(*testing.T, *RecoveryReport)
	}{
		{
			name: "all checks passed resumes scanning",
			results: []domain.CheckResult{
				{CheckType: "BLOCKLIST", Result: domain.CheckResultPassed},
				{CheckType: "SECRET_SCAN", Result: domain.CheckResultWarning},
			},
			wantStatus: domain.ScanStatusScanning,
			wantReport: func(t *testing.T, r *RecoveryReport) { assert.Equal(t, 1, r.ScansResumed) },
		},
		{
			name: "enforced failure rejects",
			results: []domain.CheckResult{
				{CheckType: "BLOCKLIST", Result: domain.CheckResultRejected, Action: domain.CheckActionReject},
				{CheckType: "SECRET_SCAN", Result: domain.CheckResultPassed},
			},
			failures: []domain.ValidationFailure{
				{CheckType: "BLOCKLIST", RuleName: "known-malware", Enforced: true},
			},
			wantStatus: domain.ScanStatusRejected,
			wantReport: func(t *testing.T, r *RecoveryReport) { assert.Equal(t, 1, r.ScansClosed) },
		},
		{
			name: "missing results leave the scan",
			results: []domain.CheckResult{
				{CheckType: "BLOCKLIST", Result: domain.CheckResultPassed},
			},
			wantStatus: domain.ScanStatusValidating,
			wantReport: func(t *testing.T, r *RecoveryReport) { assert.Equal(t, 1, r.ScansLeftAsIs) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, syncScanner("CLAMAV", true, true))
			h.checks.SetChecks([]domain.Check{passingCheck("BLOCKLIST"), passingCheck("SECRET_SCAN")})
			ctx := context.Background()

			scan := createScanAt(t, h, domain.ScanStatusValidating)
			for _, r := range tt.results {
				r.ScanID = scan.ID()
				require.NoError(t, h.audit.RecordCheckResult(ctx, &r))
			}
			for i := range tt.failures {
				tt.failures[i].ScanID = scan.ID()
			}
			require.NoError(t, h.audit.RecordValidationFailures(ctx, tt.failures))

			report, err := h.svc.Recovery.Run(ctx)
			require.NoError(t, err)
			tt.wantReport(t, report)
			assert.Equal(t, tt.wantStatus, h.scan(scan.ID()).Status())
		})
	}
}

func TestRecovery_ValidatingScanResumesIntoScanners(t *testing.T) {
	h := newHarness(t, syncScanner("CLAMAV", true, true))
	h.checks.SetChecks([]domain.Check{passingCheck("BLOCKLIST")})
	ctx := context.Background()

	scan := createScanAt(t, h, domain.ScanStatusValidating)
	require.NoError(t, h.audit.RecordCheckResult(ctx, &domain.CheckResult{
		ScanID: scan.ID(), CheckType: "BLOCKLIST", Result: domain.CheckResultPassed,
	}))

	_, err := h.svc.Recovery.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.ScannerJobStatusQueued, h.job(scan.ID(), "CLAMAV").Status())

	h.drain()
	assert.Equal(t, domain.ScanStatusPassed, h.scan(scan.ID()).Status())
}

func TestRecovery_ScanningScanWithFinishedJobs(t *testing.T) {
	t.Run("aggregates", func(t *testing.T) {
		h := newHarness(t, syncScanner("CLAMAV", true, true))
		h.catalog.setActivateErr(errors.New("registry unavailable"))
		scan := h.start()
		h.drain()
		require.Equal(t, domain.ScanStatusScanning, h.scan(scan.ID()).Status())

		h.catalog.setActivateErr(nil)
		h.restart()
		report, err := h.svc.Recovery.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.ScansAggregated)
		assert.Equal(t, domain.ScanStatusPassed, h.scan(scan.ID()).Status())
	})

	t.Run("errors when completion keeps failing", func(t *testing.T) {
		h := newHarness(t, syncScanner("CLAMAV", true, true))
		h.catalog.setActivateErr(errors.New("registry unavailable"))
		scan := h.start()
		h.drain()

		h.restart()
		report, err := h.svc.Recovery.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, report.ScansClosed)

		got := h.scan(scan.ID())
		assert.Equal(t, domain.ScanStatusErrored, got.Status())
		assert.Contains(t, got.ErrorMessage(), "scan could not be completed during recovery")
	})
}
