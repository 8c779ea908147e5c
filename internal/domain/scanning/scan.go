package scanning

import (
	"fmt"
	"time"
)

// ExtensionIdentity is the denormalized (namespace, name, version, platform)
// tuple captured when a scan starts so the audit trail survives renames.
type ExtensionIdentity struct {
	Namespace      string `json:"namespace"`
	Name           string `json:"name"`
	Version        string `json:"version"`
	TargetPlatform string `json:"target_platform"`
	DisplayName    string `json:"display_name,omitempty"`
}

func (e ExtensionIdentity) String() string {
	s := fmt.Sprintf("%s.%s@%s", e.Namespace, e.Name, e.Version)
	if e.TargetPlatform != "" && e.TargetPlatform != "universal" {
		s += "+" + e.TargetPlatform
	}
	return s
}

// Scan is one attempt to publish a specific extension version. Its status is
// changed only through TransitionTo.
type Scan struct {
	id                 int64
	extensionVersionID int64
	extension          ExtensionIdentity
	publisher          string
	status             ScanStatus
	errorMessage       string
	timeline           *Timeline
}

// NewScan creates a scan in STARTED for the given extension version.
func NewScan(version *ExtensionVersion, publisher string, tp TimeProvider) *Scan {
	return &Scan{
		extensionVersionID: version.ID,
		extension:          version.Identity,
		publisher:          publisher,
		status:             ScanStatusStarted,
		timeline:           NewTimeline(tp),
	}
}

// ReconstructScan creates a Scan from persisted data.
func ReconstructScan(
	id int64,
	extensionVersionID int64,
	extension ExtensionIdentity,
	publisher string,
	status ScanStatus,
	errorMessage string,
	timeline *Timeline,
) *Scan {
	return &Scan{
		id:                 id,
		extensionVersionID: extensionVersionID,
		extension:          extension,
		publisher:          publisher,
		status:             status,
		errorMessage:       errorMessage,
		timeline:           timeline,
	}
}

func (s *Scan) ID() int64                    { return s.id }
func (s *Scan) ExtensionVersionID() int64    { return s.extensionVersionID }
func (s *Scan) Extension() ExtensionIdentity { return s.extension }
func (s *Scan) Publisher() string            { return s.publisher }
func (s *Scan) Status() ScanStatus           { return s.status }
func (s *Scan) ErrorMessage() string         { return s.errorMessage }
func (s *Scan) StartedAt() time.Time         { return s.timeline.StartedAt() }
func (s *Scan) CompletedAt() time.Time       { return s.timeline.CompletedAt() }
func (s *Scan) LastUpdate() time.Time        { return s.timeline.LastUpdate() }
func (s *Scan) IsTerminal() bool             { return s.status.IsTerminal() }

// AssignID is called by the repository once the scan row exists.
func (s *Scan) AssignID(id int64) { s.id = id }

// Age reports how long the scan has been running at now.
func (s *Scan) Age(now time.Time) time.Duration { return s.timeline.Age(now) }

// TransitionTo moves the scan to target. A non-empty message is kept as the
// scan's error message. Terminal scans return ErrScanTerminal.
func (s *Scan) TransitionTo(target ScanStatus, message string) error {
	if s.status.IsTerminal() {
		return fmt.Errorf("scan %d is %s: %w", s.id, s.status, ErrScanTerminal)
	}
	if err := s.status.ValidateTransition(target); err != nil {
		return err
	}

	s.status = target
	if message != "" {
		s.errorMessage = message
	}
	if target.IsTerminal() {
		s.timeline.MarkCompleted()
		return nil
	}
	s.timeline.UpdateLastUpdate()
	return nil
}
