// Package checks holds the gating checks run before any scanner starts.
package checks

import (
	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
)

const (
	TypeBlocklist  = "BLOCKLIST"
	TypeSecretScan = "SECRET_SCAN"
)

// Settings are the policy knobs shared by every check.
type Settings struct {
	Enabled  bool                 `mapstructure:"enabled"`
	Enforced bool                 `mapstructure:"enforced"`
	Required bool                 `mapstructure:"required"`
	Action   scanning.CheckAction `mapstructure:"action" validate:"omitempty,oneof=reject quarantine"`
}

// base implements the policy part of scanning.ActionCheck.
type base struct {
	checkType string
	settings  Settings
}

func (b base) CheckType() string { return b.checkType }
func (b base) Enabled() bool     { return b.settings.Enabled }
func (b base) Enforced() bool    { return b.settings.Enforced }
func (b base) Required() bool    { return b.settings.Required }

func (b base) Action() scanning.CheckAction {
	if b.settings.Action == "" {
		return scanning.CheckActionReject
	}
	return b.settings.Action
}
