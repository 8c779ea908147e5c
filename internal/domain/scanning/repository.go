package scanning

import "context"

// ScanRepository persists scans. UpdateScan loads the scan under a row lock,
// applies mutate and writes the result in one transaction. If mutate returns
// an error nothing is written and the error is returned unchanged.
type ScanRepository interface {
	CreateScan(ctx context.Context, scan *Scan) error
	GetScan(ctx context.Context, scanID int64) (*Scan, error)
	UpdateScan(ctx context.Context, scanID int64, mutate func(*Scan) error) (*Scan, error)
	ListScansByStatus(ctx context.Context, statuses ...ScanStatus) ([]*Scan, error)
}

// ScannerJobRepository persists scanner jobs keyed by (scan id, scanner type).
type ScannerJobRepository interface {
	// FindOrCreateJob returns the existing job for the key, or inserts job.
	// created reports whether an insert happened.
	FindOrCreateJob(ctx context.Context, job *ScannerJob) (existing *ScannerJob, created bool, err error)
	GetJob(ctx context.Context, scanID int64, scannerType string) (*ScannerJob, error)
	UpdateJob(ctx context.Context, scanID int64, scannerType string, mutate func(*ScannerJob) error) (*ScannerJob, error)
	ListJobsByScan(ctx context.Context, scanID int64) ([]*ScannerJob, error)
	ListJobsByStatus(ctx context.Context, statuses ...ScannerJobStatus) ([]*ScannerJob, error)
}

// AuditRepository stores append-only audit rows. Each write commits in its
// own transaction.
type AuditRepository interface {
	RecordCheckResult(ctx context.Context, result *CheckResult) error
	RecordValidationFailures(ctx context.Context, failures []ValidationFailure) error
	// ReplaceThreats swaps the threats of one (scan, scanner type) pair so a
	// redelivered task cannot duplicate them.
	ReplaceThreats(ctx context.Context, scanID int64, scannerType string, threats []Threat) error
	RecordAdminDecision(ctx context.Context, decision *AdminDecision) error

	ListCheckResults(ctx context.Context, scanID int64) ([]CheckResult, error)
	ListValidationFailures(ctx context.Context, scanID int64) ([]ValidationFailure, error)
	ListThreats(ctx context.Context, scanID int64) ([]Threat, error)
	ListAdminDecisions(ctx context.Context, scanID int64) ([]AdminDecision, error)
}
