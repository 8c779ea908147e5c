// Package reliability classifies lifecycle events by how much their loss
// matters and retries the ones that must reach downstream consumers.
package reliability

import (
	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/scanning"
)

// IsCriticalEvent reports whether losing evt would leave consumers with a
// wrong view of a scan.
//
// Critical events are final outcomes that:
// 1. Won't be naturally superseded by a later event for the same scan
// 2. Drive external actions such as notifying the publisher
func IsCriticalEvent(evt events.DomainEvent) bool {
	switch evt.Type {
	case events.EventTypeScanAdminAllowed:
		return true

	case events.EventTypeScanStatusChanged:
		p, ok := evt.Payload.(events.ScanStatusChanged)
		if !ok {
			return false
		}
		return scanning.ScanStatus(p.To).IsTerminal()

	case events.EventTypeScannerJobFinished:
		return false

	default:
		return false
	}
}
