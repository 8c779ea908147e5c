package postgres

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/storage"
)

type mockTimeProvider struct{ current time.Time }

func (m *mockTimeProvider) Now() time.Time { return m.current }

func setupScanningTest(t *testing.T) (context.Context, *pgxpool.Pool, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}

	db, cleanup := storage.SetupTestContainer(t)
	return context.Background(), db, cleanup
}

func testVersion() *scanning.ExtensionVersion {
	return &scanning.ExtensionVersion{
		ID:        42,
		Publisher: "redhat",
		Identity: scanning.ExtensionIdentity{
			Namespace:      "redhat",
			Name:           "java",
			Version:        "1.2.3",
			TargetPlatform: "universal",
		},
	}
}

func newTestScan(t *testing.T) *scanning.Scan {
	t.Helper()
	return scanning.NewScan(testVersion(), "alice", &mockTimeProvider{current: time.Now().UTC()})
}

func TestScanStore_CreateGetUpdate(t *testing.T) {
	t.Parallel()
	ctx, db, cleanup := setupScanningTest(t)
	defer cleanup()

	store := NewScanStore(db, storage.NoOpTracer())

	scan := newTestScan(t)
	require.NoError(t, store.CreateScan(ctx, scan))
	require.NotZero(t, scan.ID())

	loaded, err := store.GetScan(ctx, scan.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusStarted, loaded.Status())
	assert.Equal(t, scan.Extension(), loaded.Extension())
	assert.Equal(t, "alice", loaded.Publisher())
	assert.True(t, loaded.CompletedAt().IsZero())

	updated, err := store.UpdateScan(ctx, scan.ID(), func(s *scanning.Scan) error {
		return s.TransitionTo(scanning.ScanStatusErrored, "boom")
	})
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusErrored, updated.Status())

	loaded, err = store.GetScan(ctx, scan.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusErrored, loaded.Status())
	assert.Equal(t, "boom", loaded.ErrorMessage())
	assert.False(t, loaded.CompletedAt().IsZero())

	byStatus, err := store.ListScansByStatus(ctx, scanning.ScanStatusErrored, scanning.ScanStatusPassed)
	require.NoError(t, err)
	require.Len(t, byStatus, 1)
	assert.Equal(t, scan.ID(), byStatus[0].ID())
}

func TestScanStore_NotFound(t *testing.T) {
	t.Parallel()
	ctx, db, cleanup := setupScanningTest(t)
	defer cleanup()

	store := NewScanStore(db, storage.NoOpTracer())

	_, err := store.GetScan(ctx, 999)
	assert.ErrorIs(t, err, scanning.ErrScanNotFound)

	_, err = store.UpdateScan(ctx, 999, func(*scanning.Scan) error { return nil })
	assert.ErrorIs(t, err, scanning.ErrScanNotFound)
}

func TestScanStore_UpdateScanRollsBackOnMutateError(t *testing.T) {
	t.Parallel()
	ctx, db, cleanup := setupScanningTest(t)
	defer cleanup()

	store := NewScanStore(db, storage.NoOpTracer())
	scan := newTestScan(t)
	require.NoError(t, store.CreateScan(ctx, scan))

	_, err := store.UpdateScan(ctx, scan.ID(), func(s *scanning.Scan) error {
		require.NoError(t, s.TransitionTo(scanning.ScanStatusValidating, ""))
		return assert.AnError
	})
	assert.ErrorIs(t, err, assert.AnError)

	loaded, err := store.GetScan(ctx, scan.ID())
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusStarted, loaded.Status())
}

func TestScanStore_UpdateScanSerializesWriters(t *testing.T) {
	t.Parallel()
	ctx, db, cleanup := setupScanningTest(t)
	defer cleanup()

	store := NewScanStore(db, storage.NoOpTracer())
	scan := newTestScan(t)
	require.NoError(t, store.CreateScan(ctx, scan))
	_, err := store.UpdateScan(ctx, scan.ID(), func(s *scanning.Scan) error {
		return s.TransitionTo(scanning.ScanStatusScanning, "")
	})
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.UpdateScan(ctx, scan.ID(), func(s *scanning.Scan) error {
				return s.TransitionTo(scanning.ScanStatusPassed, "")
			})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded, "exactly one writer wins the terminal transition")
}

func TestScannerJobStore_FindOrCreate(t *testing.T) {
	t.Parallel()
	ctx, db, cleanup := setupScanningTest(t)
	defer cleanup()

	scans := NewScanStore(db, storage.NoOpTracer())
	jobs := NewScannerJobStore(db, storage.NoOpTracer())

	scan := newTestScan(t)
	require.NoError(t, scans.CreateScan(ctx, scan))

	now := time.Now().UTC()
	job, created, err := jobs.FindOrCreateJob(ctx, scanning.NewScannerJob(scan.ID(), "CLAMAV", 42, now))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotZero(t, job.ID())

	again, created, err := jobs.FindOrCreateJob(ctx, scanning.NewScannerJob(scan.ID(), "CLAMAV", 42, now))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, job.ID(), again.ID())

	_, err = jobs.GetJob(ctx, scan.ID(), "YARA")
	assert.ErrorIs(t, err, scanning.ErrScannerJobNotFound)
}

func TestScannerJobStore_UpdateAndList(t *testing.T) {
	t.Parallel()
	ctx, db, cleanup := setupScanningTest(t)
	defer cleanup()

	scans := NewScanStore(db, storage.NoOpTracer())
	jobs := NewScannerJobStore(db, storage.NoOpTracer())

	scan := newTestScan(t)
	require.NoError(t, scans.CreateScan(ctx, scan))

	now := time.Now().UTC()
	for _, typ := range []string{"CLAMAV", "REMOTE"} {
		_, _, err := jobs.FindOrCreateJob(ctx, scanning.NewScannerJob(scan.ID(), typ, 42, now))
		require.NoError(t, err)
	}

	updated, err := jobs.UpdateJob(ctx, scan.ID(), "REMOTE", func(j *scanning.ScannerJob) error {
		if err := j.MarkProcessing(now); err != nil {
			return err
		}
		if err := j.MarkSubmitted("ext-1", now); err != nil {
			return err
		}
		return j.AcquirePollLease(now, time.Minute)
	})
	require.NoError(t, err)
	assert.Equal(t, scanning.ScannerJobStatusSubmitted, updated.Status())

	loaded, err := jobs.GetJob(ctx, scan.ID(), "REMOTE")
	require.NoError(t, err)
	assert.Equal(t, "ext-1", loaded.ExternalJobID())
	assert.WithinDuration(t, now.Add(time.Minute), loaded.PollLeaseUntil(), time.Millisecond)

	all, err := jobs.ListJobsByScan(ctx, scan.ID())
	require.NoError(t, err)
	assert.Len(t, all, 2)

	submitted, err := jobs.ListJobsByStatus(ctx, scanning.ScannerJobStatusSubmitted)
	require.NoError(t, err)
	require.Len(t, submitted, 1)
	assert.Equal(t, "REMOTE", submitted[0].ScannerType())
}

func TestAuditStore(t *testing.T) {
	t.Parallel()
	ctx, db, cleanup := setupScanningTest(t)
	defer cleanup()

	scans := NewScanStore(db, storage.NoOpTracer())
	audit := NewAuditStore(db, storage.NoOpTracer())

	scan := newTestScan(t)
	require.NoError(t, scans.CreateScan(ctx, scan))
	now := time.Now().UTC()

	result := &scanning.CheckResult{
		ScanID:    scan.ID(),
		CheckType: "BLOCKLIST",
		Result:    scanning.CheckResultRejected,
		Enforced:  true,
		Action:    scanning.CheckActionQuarantine,
		Duration:  1500 * time.Millisecond,
		Summary:   "1 failure(s): known-malware",
		CreatedAt: now,
	}
	require.NoError(t, audit.RecordCheckResult(ctx, result))
	assert.NotZero(t, result.ID)

	require.NoError(t, audit.RecordValidationFailures(ctx, []scanning.ValidationFailure{
		{ScanID: scan.ID(), CheckType: "BLOCKLIST", RuleName: "known-malware", Enforced: true, CreatedAt: now},
		{ScanID: scan.ID(), CheckType: "BLOCKLIST", RuleName: "typo", CreatedAt: now},
	}))
	require.NoError(t, audit.RecordValidationFailures(ctx, nil))

	results, err := audit.ListCheckResults(ctx, scan.ID())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, scanning.CheckActionQuarantine, results[0].Action)
	assert.Equal(t, 1500*time.Millisecond, results[0].Duration)

	failures, err := audit.ListValidationFailures(ctx, scan.ID())
	require.NoError(t, err)
	assert.Len(t, failures, 2)

	t.Run("threats are replaced per scanner", func(t *testing.T) {
		require.NoError(t, audit.ReplaceThreats(ctx, scan.ID(), "CLAMAV", []scanning.Threat{
			{Name: "Eicar", Enforced: true, CreatedAt: now},
			{Name: "Trojan", Enforced: true, CreatedAt: now},
		}))
		require.NoError(t, audit.ReplaceThreats(ctx, scan.ID(), "YARA", []scanning.Threat{
			{Name: "Miner", CreatedAt: now},
		}))
		require.NoError(t, audit.ReplaceThreats(ctx, scan.ID(), "CLAMAV", []scanning.Threat{
			{Name: "Eicar", Enforced: true, CreatedAt: now},
		}))

		threats, err := audit.ListThreats(ctx, scan.ID())
		require.NoError(t, err)
		require.Len(t, threats, 2)
		assert.Equal(t, "YARA", threats[0].ScannerType)
		assert.Equal(t, "CLAMAV", threats[1].ScannerType)
		assert.Equal(t, scan.ID(), threats[1].ScanID)
	})

	t.Run("admin decisions are appended", func(t *testing.T) {
		decision := &scanning.AdminDecision{ScanID: scan.ID(), Decision: "ALLOWED", DecidedBy: "admin", CreatedAt: now}
		require.NoError(t, audit.RecordAdminDecision(ctx, decision))
		assert.NotZero(t, decision.ID)

		decisions, err := audit.ListAdminDecisions(ctx, scan.ID())
		require.NoError(t, err)
		require.Len(t, decisions, 1)
		assert.Equal(t, "admin", decisions[0].DecidedBy)
	})
}
