package scanning

import "fmt"

// ScannerJobStatus represents the state of one scanner's work within a scan.
type ScannerJobStatus string

const (
	// ScannerJobStatusQueued indicates an invoke task is pending.
	ScannerJobStatusQueued ScannerJobStatus = "QUEUED"

	// ScannerJobStatusProcessing indicates the scanner is being invoked.
	ScannerJobStatusProcessing ScannerJobStatus = "PROCESSING"

	// ScannerJobStatusSubmitted indicates an async scanner accepted the work
	// and returned a handle to poll.
	ScannerJobStatusSubmitted ScannerJobStatus = "SUBMITTED"

	// ScannerJobStatusComplete indicates results were persisted.
	ScannerJobStatusComplete ScannerJobStatus = "COMPLETE"

	// ScannerJobStatusFailed indicates the scanner errored or timed out.
	ScannerJobStatusFailed ScannerJobStatus = "FAILED"

	// ScannerJobStatusRemoved indicates the scanner was unregistered while the
	// job was in flight. Removed jobs never affect the scan outcome.
	ScannerJobStatusRemoved ScannerJobStatus = "REMOVED"
)

func (s ScannerJobStatus) String() string { return string(s) }

// IsTerminal reports whether the job is closed.
func (s ScannerJobStatus) IsTerminal() bool {
	return s == ScannerJobStatusComplete || s == ScannerJobStatusFailed || s == ScannerJobStatusRemoved
}

// NonTerminalJobStatuses lists statuses the watchdog and recovery inspect.
func NonTerminalJobStatuses() []ScannerJobStatus {
	return []ScannerJobStatus{ScannerJobStatusQueued, ScannerJobStatusProcessing, ScannerJobStatusSubmitted}
}

// ParseScannerJobStatus converts a string to a ScannerJobStatus.
func ParseScannerJobStatus(s string) ScannerJobStatus {
	switch s {
	case "QUEUED":
		return ScannerJobStatusQueued
	case "PROCESSING":
		return ScannerJobStatusProcessing
	case "SUBMITTED":
		return ScannerJobStatusSubmitted
	case "COMPLETE":
		return ScannerJobStatusComplete
	case "FAILED":
		return ScannerJobStatusFailed
	case "REMOVED":
		return ScannerJobStatusRemoved
	default:
		return ""
	}
}

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s ScannerJobStatus) ValidateTransition(target ScannerJobStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: from %s to %s", ErrInvalidJobTransition, s, target)
	}
	return nil
}

func (s ScannerJobStatus) isValidTransition(target ScannerJobStatus) bool {
	switch s {
	case ScannerJobStatusQueued:
		// PROCESSING on invoke; FAILED and REMOVED from the watchdog.
		return target == ScannerJobStatusProcessing ||
			target == ScannerJobStatusFailed ||
			target == ScannerJobStatusRemoved
	case ScannerJobStatusProcessing:
		// QUEUED when an invoke attempt fails with retries left.
		switch target {
		case ScannerJobStatusQueued, ScannerJobStatusSubmitted, ScannerJobStatusComplete,
			ScannerJobStatusFailed, ScannerJobStatusRemoved:
			return true
		}
		return false
	case ScannerJobStatusSubmitted:
		return target == ScannerJobStatusComplete ||
			target == ScannerJobStatusFailed ||
			target == ScannerJobStatusRemoved
	default:
		return false
	}
}
