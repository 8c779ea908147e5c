package scanning

import (
	"fmt"
	"time"
)

// ScannerJob is one scanner's work item within a scan. A job is uniquely
// identified by (scan id, scanner type).
type ScannerJob struct {
	id                 int64
	scanID             int64
	scannerType        string
	extensionVersionID int64
	status             ScannerJobStatus
	externalJobID      string
	pollAttempts       int
	pollLeaseUntil     time.Time
	recoveryInProgress bool
	errorMessage       string
	createdAt          time.Time
	updatedAt          time.Time
}

// NewScannerJob creates a QUEUED job.
func NewScannerJob(scanID int64, scannerType string, extensionVersionID int64, now time.Time) *ScannerJob {
	return &ScannerJob{
		scanID:             scanID,
		scannerType:        scannerType,
		extensionVersionID: extensionVersionID,
		status:             ScannerJobStatusQueued,
		createdAt:          now,
		updatedAt:          now,
	}
}

// ReconstructScannerJob creates a ScannerJob from persisted data.
func ReconstructScannerJob(
	id int64,
	scanID int64,
	scannerType string,
	extensionVersionID int64,
	status ScannerJobStatus,
	externalJobID string,
	pollAttempts int,
	pollLeaseUntil time.Time,
	recoveryInProgress bool,
	errorMessage string,
	createdAt time.Time,
	updatedAt time.Time,
) *ScannerJob {
	return &ScannerJob{
		id:                 id,
		scanID:             scanID,
		scannerType:        scannerType,
		extensionVersionID: extensionVersionID,
		status:             status,
		externalJobID:      externalJobID,
		pollAttempts:       pollAttempts,
		pollLeaseUntil:     pollLeaseUntil,
		recoveryInProgress: recoveryInProgress,
		errorMessage:       errorMessage,
		createdAt:          createdAt,
		updatedAt:          updatedAt,
	}
}

func (j *ScannerJob) ID() int64                  { return j.id }
func (j *ScannerJob) ScanID() int64              { return j.scanID }
func (j *ScannerJob) ScannerType() string        { return j.scannerType }
func (j *ScannerJob) ExtensionVersionID() int64  { return j.extensionVersionID }
func (j *ScannerJob) Status() ScannerJobStatus   { return j.status }
func (j *ScannerJob) ExternalJobID() string      { return j.externalJobID }
func (j *ScannerJob) PollAttempts() int          { return j.pollAttempts }
func (j *ScannerJob) PollLeaseUntil() time.Time  { return j.pollLeaseUntil }
func (j *ScannerJob) RecoveryInProgress() bool   { return j.recoveryInProgress }
func (j *ScannerJob) ErrorMessage() string       { return j.errorMessage }
func (j *ScannerJob) CreatedAt() time.Time       { return j.createdAt }
func (j *ScannerJob) UpdatedAt() time.Time       { return j.updatedAt }
func (j *ScannerJob) IsTerminal() bool           { return j.status.IsTerminal() }
func (j *ScannerJob) HasExternalHandle() bool    { return j.externalJobID != "" }

// Age is how long the job has existed at now.
func (j *ScannerJob) Age(now time.Time) time.Duration { return now.Sub(j.createdAt) }

// AssignID is called by the repository once the job row exists.
func (j *ScannerJob) AssignID(id int64) { j.id = id }

func (j *ScannerJob) transition(target ScannerJobStatus, now time.Time) error {
	if j.status.IsTerminal() {
		return fmt.Errorf("scanner job %d/%s is %s: %w", j.scanID, j.scannerType, j.status, ErrJobTerminal)
	}
	if err := j.status.ValidateTransition(target); err != nil {
		return err
	}
	j.status = target
	j.updatedAt = now
	return nil
}

// MarkProcessing moves a QUEUED job to PROCESSING. A job already PROCESSING is
// re-entered, which happens when an invoke task is redelivered after a crash.
func (j *ScannerJob) MarkProcessing(now time.Time) error {
	if j.status == ScannerJobStatusProcessing {
		j.updatedAt = now
		return nil
	}
	return j.transition(ScannerJobStatusProcessing, now)
}

// MarkSubmitted stores the external handle returned by an async scanner.
func (j *ScannerJob) MarkSubmitted(handle string, now time.Time) error {
	if handle == "" {
		return fmt.Errorf("scanner job %d/%s: empty external handle", j.scanID, j.scannerType)
	}
	if err := j.transition(ScannerJobStatusSubmitted, now); err != nil {
		return err
	}
	j.externalJobID = handle
	j.pollAttempts = 0
	return nil
}

// MarkComplete closes the job after its results were persisted.
func (j *ScannerJob) MarkComplete(now time.Time) error {
	if err := j.transition(ScannerJobStatusComplete, now); err != nil {
		return err
	}
	j.releaseLease()
	return nil
}

// MarkFailed closes the job with reason.
func (j *ScannerJob) MarkFailed(reason string, now time.Time) error {
	if err := j.transition(ScannerJobStatusFailed, now); err != nil {
		return err
	}
	j.errorMessage = reason
	j.releaseLease()
	return nil
}

// MarkRemoved closes the job because its scanner is no longer registered.
func (j *ScannerJob) MarkRemoved(now time.Time) error {
	if err := j.transition(ScannerJobStatusRemoved, now); err != nil {
		return err
	}
	j.errorMessage = fmt.Sprintf("scanner %s is no longer configured", j.scannerType)
	j.releaseLease()
	return nil
}

// RequeueForRetry returns a job to QUEUED after a failed invoke attempt that
// will be retried. QUEUED jobs are left as they are.
func (j *ScannerJob) RequeueForRetry(reason string, now time.Time) error {
	j.errorMessage = reason
	if j.status == ScannerJobStatusQueued {
		j.updatedAt = now
		return nil
	}
	return j.transition(ScannerJobStatusQueued, now)
}

// AcquirePollLease takes the poll lease until now+d. A live lease held by
// another poll yields ErrPollLeased unless the job is being recovered.
func (j *ScannerJob) AcquirePollLease(now time.Time, d time.Duration) error {
	if j.status.IsTerminal() {
		return fmt.Errorf("scanner job %d/%s is %s: %w", j.scanID, j.scannerType, j.status, ErrJobTerminal)
	}
	if now.Before(j.pollLeaseUntil) && !j.recoveryInProgress {
		return fmt.Errorf("scanner job %d/%s leased until %s: %w",
			j.scanID, j.scannerType, j.pollLeaseUntil.Format(time.RFC3339), ErrPollLeased)
	}
	j.pollLeaseUntil = now.Add(d)
	j.recoveryInProgress = false
	j.updatedAt = now
	return nil
}

// RecordPollAttempt increments the attempt counter, releases the lease and
// returns the new count.
func (j *ScannerJob) RecordPollAttempt(now time.Time) int {
	j.pollAttempts++
	j.releaseLease()
	j.updatedAt = now
	return j.pollAttempts
}

// ReleasePollLease drops the poll lease so the next poll task may run at once.
func (j *ScannerJob) ReleasePollLease(now time.Time) {
	j.releaseLease()
	j.updatedAt = now
}

// FlagRecovery marks the job so the next poll may break an existing lease.
func (j *ScannerJob) FlagRecovery(now time.Time) {
	j.recoveryInProgress = true
	j.updatedAt = now
}

func (j *ScannerJob) releaseLease() { j.pollLeaseUntil = time.Time{} }
