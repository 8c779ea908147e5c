package scanning

import "errors"

var (
	// ErrScanNotFound is returned when a scan id has no record.
	ErrScanNotFound = errors.New("scan not found")
	// ErrScannerJobNotFound is returned when no job exists for (scan, scanner type).
	ErrScannerJobNotFound = errors.New("scanner job not found")
	// ErrInvalidScanTransition is wrapped by every TransitionError.
	ErrInvalidScanTransition = errors.New("invalid scan status transition")
	// ErrInvalidJobTransition is returned for a rejected scanner job status change.
	ErrInvalidJobTransition = errors.New("invalid scanner job status transition")
	// ErrScanTerminal is returned when mutating a scan that already reached a terminal status.
	ErrScanTerminal = errors.New("scan is terminal")
	// ErrJobTerminal is returned when mutating a scanner job that already reached a terminal status.
	ErrJobTerminal = errors.New("scanner job is terminal")
	// ErrPollLeased is returned when another poll holds the job's lease.
	ErrPollLeased = errors.New("scanner job poll lease held")
	// ErrExtensionVersionNotFound is returned by the catalog for unknown versions.
	ErrExtensionVersionNotFound = errors.New("extension version not found")
	// ErrScannerNotRegistered is returned when a scanner type is missing from the registry.
	ErrScannerNotRegistered = errors.New("scanner not registered")
	// ErrAdminAllowNotPermitted is returned when an admin allows a scan that is not quarantined or passed.
	ErrAdminAllowNotPermitted = errors.New("scan cannot be allowed in its current status")
)
