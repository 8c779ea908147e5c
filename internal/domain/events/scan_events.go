package events

// ScanStatusChanged is emitted after every persisted scan transition.
type ScanStatusChanged struct {
	ScanID             int64
	ExtensionVersionID int64
	Extension          string
	From               string
	To                 string
	Message            string
}

func (e ScanStatusChanged) Fields() map[string]any {
	return map[string]any{
		"scan_id":              e.ScanID,
		"extension_version_id": e.ExtensionVersionID,
		"extension":            e.Extension,
		"from":                 e.From,
		"to":                   e.To,
		"message":              e.Message,
	}
}

// ScannerJobFinished is emitted when a scanner job reaches a terminal status.
type ScannerJobFinished struct {
	ScanID      int64
	ScannerType string
	Status      string
	Threats     int
	Message     string
}

func (e ScannerJobFinished) Fields() map[string]any {
	return map[string]any{
		"scan_id":      e.ScanID,
		"scanner_type": e.ScannerType,
		"status":       e.Status,
		"threats":      e.Threats,
		"message":      e.Message,
	}
}

// ScanAdminAllowed is emitted when an admin allows a scan.
type ScanAdminAllowed struct {
	ScanID    int64
	DecidedBy string
}

func (e ScanAdminAllowed) Fields() map[string]any {
	return map[string]any{"scan_id": e.ScanID, "decided_by": e.DecidedBy}
}
