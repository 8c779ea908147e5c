package scanning

import "time"

// CheckResultStatus is the recorded outcome of one gating check.
type CheckResultStatus string

const (
	CheckResultPassed CheckResultStatus = "PASSED"
	// CheckResultRejected is an enforced failure.
	CheckResultRejected CheckResultStatus = "REJECTED"
	// CheckResultWarning is a failure of a non-enforced check.
	CheckResultWarning CheckResultStatus = "WARNING"
	// CheckResultErrored means the check itself failed to execute.
	CheckResultErrored CheckResultStatus = "ERRORED"
)

// CheckResult is the immutable audit record of one gating check execution.
type CheckResult struct {
	ID           int64             `json:"id"`
	ScanID       int64             `json:"scan_id"`
	CheckType    string            `json:"check_type"`
	Result       CheckResultStatus `json:"result"`
	Enforced     bool              `json:"enforced"`
	Required     bool              `json:"required"`
	Action       CheckAction       `json:"action"`
	Duration     time.Duration     `json:"duration"`
	Summary      string            `json:"summary,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ValidationFailure is one rule violation reported by a gating check.
type ValidationFailure struct {
	ID        int64     `json:"id"`
	ScanID    int64     `json:"scan_id"`
	CheckType string    `json:"check_type"`
	RuleName  string    `json:"rule_name"`
	Reason    string    `json:"reason"`
	Enforced  bool      `json:"enforced"`
	CreatedAt time.Time `json:"created_at"`
}

// Threat is a security finding persisted for a completed scanner job.
// Enforced threats quarantine the scan; the rest are warnings.
type Threat struct {
	ID          int64     `json:"id"`
	ScanID      int64     `json:"scan_id"`
	ScannerType string    `json:"scanner_type"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Severity    string    `json:"severity,omitempty"`
	FilePath    string    `json:"file_path,omitempty"`
	FileHash    string    `json:"file_hash,omitempty"`
	Enforced    bool      `json:"enforced"`
	CreatedAt   time.Time `json:"created_at"`
}

// AdminDecisionAllowed is the only decision an admin can record today.
const AdminDecisionAllowed = "ALLOWED"

// AdminDecision is an append-only record of an admin overriding a scan outcome.
type AdminDecision struct {
	ID        int64     `json:"id"`
	ScanID    int64     `json:"scan_id"`
	Decision  string    `json:"decision"`
	DecidedBy string    `json:"decided_by"`
	CreatedAt time.Time `json:"created_at"`
}

// EffectiveStatus folds admin decisions into the reported outcome. The stored
// scan status is never rewritten.
func EffectiveStatus(status ScanStatus, decisions []AdminDecision) ScanStatus {
	if status != ScanStatusQuarantined {
		return status
	}
	for _, d := range decisions {
		if d.Decision == AdminDecisionAllowed {
			return ScanStatusPassed
		}
	}
	return status
}
