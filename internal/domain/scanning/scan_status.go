package scanning

import "fmt"

// ScanStatus represents the current state of an extension scan. A scan moves
// forward from STARTED to exactly one terminal status.
type ScanStatus string

const (
	// ScanStatusStarted indicates the scan record exists but validation has not begun.
	ScanStatusStarted ScanStatus = "STARTED"

	// ScanStatusValidating indicates gating checks are running.
	ScanStatusValidating ScanStatus = "VALIDATING"

	// ScanStatusScanning indicates background scanner jobs are in flight.
	ScanStatusScanning ScanStatus = "SCANNING"

	// ScanStatusPassed indicates the package was found clean and activated.
	ScanStatusPassed ScanStatus = "PASSED"

	// ScanStatusQuarantined indicates an enforced threat or quarantining check
	// held the package back pending admin review.
	ScanStatusQuarantined ScanStatus = "QUARANTINED"

	// ScanStatusRejected indicates an enforced gating check failed.
	ScanStatusRejected ScanStatus = "REJECTED"

	// ScanStatusErrored indicates the scan could not be completed.
	ScanStatusErrored ScanStatus = "ERRORED"
)

func (s ScanStatus) String() string { return string(s) }

// IsTerminal reports whether no further transition is permitted from s.
func (s ScanStatus) IsTerminal() bool {
	switch s {
	case ScanStatusPassed, ScanStatusQuarantined, ScanStatusRejected, ScanStatusErrored:
		return true
	default:
		return false
	}
}

// ParseScanStatus converts a string to a ScanStatus.
func ParseScanStatus(s string) ScanStatus {
	switch s {
	case "STARTED":
		return ScanStatusStarted
	case "VALIDATING":
		return ScanStatusValidating
	case "SCANNING":
		return ScanStatusScanning
	case "PASSED":
		return ScanStatusPassed
	case "QUARANTINED":
		return ScanStatusQuarantined
	case "REJECTED":
		return ScanStatusRejected
	case "ERRORED":
		return ScanStatusErrored
	default:
		return "" // represents unspecified
	}
}

// TransitionError describes a rejected scan status change.
type TransitionError struct {
	From ScanStatus
	To   ScanStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid scan status transition from %s to %s", e.From, e.To)
}

// Unwrap lets callers match with errors.Is(err, ErrInvalidScanTransition).
func (e *TransitionError) Unwrap() error { return ErrInvalidScanTransition }

// CanTransition is the pure transition table for scans.
func CanTransition(from, to ScanStatus) bool { return from.isValidTransition(to) }

// ValidateTransition checks if a status transition is valid and returns an error if not.
func (s ScanStatus) ValidateTransition(target ScanStatus) error {
	if !s.isValidTransition(target) {
		return &TransitionError{From: s, To: target}
	}
	return nil
}

func (s ScanStatus) isValidTransition(target ScanStatus) bool {
	switch s {
	case ScanStatusStarted:
		return target == ScanStatusValidating || target == ScanStatusErrored
	case ScanStatusValidating:
		switch target {
		case ScanStatusScanning, ScanStatusPassed, ScanStatusRejected,
			ScanStatusQuarantined, ScanStatusErrored:
			return true
		}
		return false
	case ScanStatusScanning:
		switch target {
		case ScanStatusPassed, ScanStatusQuarantined, ScanStatusRejected, ScanStatusErrored:
			return true
		}
		return false
	default:
		// Terminal states - no further transitions allowed.
		return false
	}
}
