package scanning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScannerJobStatus_Transitions(t *testing.T) {
	tests := []struct {
		name  string
		from  ScannerJobStatus
		to    ScannerJobStatus
		valid bool
	}{
		{"queued to processing", ScannerJobStatusQueued, ScannerJobStatusProcessing, true},
		{"queued to failed", ScannerJobStatusQueued, ScannerJobStatusFailed, true},
		{"queued to complete", ScannerJobStatusQueued, ScannerJobStatusComplete, false},
		{"processing to submitted", ScannerJobStatusProcessing, ScannerJobStatusSubmitted, true},
		{"processing to queued", ScannerJobStatusProcessing, ScannerJobStatusQueued, true},
		{"submitted to complete", ScannerJobStatusSubmitted, ScannerJobStatusComplete, true},
		{"submitted to processing", ScannerJobStatusSubmitted, ScannerJobStatusProcessing, false},
		{"complete to failed", ScannerJobStatusComplete, ScannerJobStatusFailed, false},
		{"removed to queued", ScannerJobStatusRemoved, ScannerJobStatusQueued, false},
		{"failed to complete", ScannerJobStatusFailed, ScannerJobStatusComplete, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.from.ValidateTransition(tt.to)
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidJobTransition)
		})
	}
}

func TestScannerJob_AsyncLifecycle(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	job := NewScannerJob(1, "remote", 42, now)

	require.NoError(t, job.MarkProcessing(now))
	require.NoError(t, job.MarkSubmitted("ext-123", now))
	assert.Equal(t, "ext-123", job.ExternalJobID())
	assert.True(t, job.HasExternalHandle())

	require.NoError(t, job.AcquirePollLease(now, time.Minute))
	assert.Equal(t, 1, job.RecordPollAttempt(now))
	assert.True(t, job.PollLeaseUntil().IsZero())

	require.NoError(t, job.MarkComplete(now))
	assert.True(t, job.IsTerminal())
}

func TestScannerJob_TerminalIsFinal(t *testing.T) {
	now := time.Now()
	job := NewScannerJob(1, "remote", 42, now)
	require.NoError(t, job.MarkFailed("boom", now))

	assert.ErrorIs(t, job.MarkProcessing(now), ErrJobTerminal)
	assert.ErrorIs(t, job.MarkComplete(now), ErrJobTerminal)
	assert.ErrorIs(t, job.MarkRemoved(now), ErrJobTerminal)
	assert.ErrorIs(t, job.AcquirePollLease(now, time.Minute), ErrJobTerminal)
	assert.Equal(t, "boom", job.ErrorMessage())
}

func TestScannerJob_ProcessingReentry(t *testing.T) {
	now := time.Now()
	job := NewScannerJob(1, "local", 42, now)
	require.NoError(t, job.MarkProcessing(now))
	assert.NoError(t, job.MarkProcessing(now.Add(time.Second)))
	assert.Equal(t, ScannerJobStatusProcessing, job.Status())
}

func TestScannerJob_RequeueForRetry(t *testing.T) {
	now := time.Now()
	job := NewScannerJob(1, "local", 42, now)
	require.NoError(t, job.MarkProcessing(now))

	require.NoError(t, job.RequeueForRetry("connection refused", now))
	assert.Equal(t, ScannerJobStatusQueued, job.Status())
	assert.Equal(t, "connection refused", job.ErrorMessage())
}

func TestScannerJob_PollLease(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	job := NewScannerJob(1, "remote", 42, now)
	require.NoError(t, job.MarkProcessing(now))
	require.NoError(t, job.MarkSubmitted("h", now))

	require.NoError(t, job.AcquirePollLease(now, time.Minute))
	assert.ErrorIs(t, job.AcquirePollLease(now.Add(30*time.Second), time.Minute), ErrPollLeased)

	// An expired lease can be taken again.
	assert.NoError(t, job.AcquirePollLease(now.Add(2*time.Minute), time.Minute))

	// Recovery breaks a live lease once.
	job.FlagRecovery(now.Add(2 * time.Minute))
	assert.NoError(t, job.AcquirePollLease(now.Add(2*time.Minute), time.Minute))
	assert.False(t, job.RecoveryInProgress())
	assert.ErrorIs(t, job.AcquirePollLease(now.Add(2*time.Minute), time.Minute), ErrPollLeased)
}

func TestScannerJob_MarkSubmittedRequiresHandle(t *testing.T) {
	now := time.Now()
	job := NewScannerJob(1, "remote", 42, now)
	require.NoError(t, job.MarkProcessing(now))
	assert.Error(t, job.MarkSubmitted("", now))
	assert.Equal(t, ScannerJobStatusProcessing, job.Status())
}
