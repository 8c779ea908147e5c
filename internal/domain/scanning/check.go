package scanning

import "context"

// CheckAction decides what an enforced gating failure does to the scan.
type CheckAction string

const (
	CheckActionReject     CheckAction = "reject"
	CheckActionQuarantine CheckAction = "quarantine"
)

// CheckInput is what a gating check sees.
type CheckInput struct {
	Scan *Scan
	File *ExtensionFile
	User PublishingUser
}

// CheckFailure is a single rule violation.
type CheckFailure struct {
	RuleName string `json:"rule_name"`
	Reason   string `json:"reason"`
}

// CheckOutcome is the result of executing a check.
type CheckOutcome struct {
	Passed   bool
	Failures []CheckFailure
}

// Passed is a convenience constructor for a clean outcome.
func Passed() CheckOutcome { return CheckOutcome{Passed: true} }

// Failed builds an outcome from the given failures.
func Failed(failures ...CheckFailure) CheckOutcome {
	return CheckOutcome{Passed: len(failures) == 0, Failures: failures}
}

// Check is a fast synchronous policy check run before any scanner starts.
type Check interface {
	CheckType() string
	Enabled() bool
	// Enforced failures block publication; the rest are recorded as warnings.
	Enforced() bool
	// Required checks abort the run when they fail to execute.
	Required() bool
	Execute(ctx context.Context, in CheckInput) (CheckOutcome, error)
}

// ActionCheck is implemented by checks that can quarantine rather than reject.
type ActionCheck interface {
	Check
	Action() CheckAction
}

// ActionOf returns the configured action of c, defaulting to reject.
func ActionOf(c Check) CheckAction {
	if ac, ok := c.(ActionCheck); ok && ac.Action() == CheckActionQuarantine {
		return CheckActionQuarantine
	}
	return CheckActionReject
}
