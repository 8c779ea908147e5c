// Package cluster decides which orchestrator instance performs leader-only
// work such as startup recovery and the watchdog.
package cluster

import "context"

// Coordinator runs leader election for a set of orchestrator instances.
type Coordinator interface {
	// Start runs election and blocks until ctx is cancelled or it fails.
	Start(ctx context.Context) error
	// Stop releases resources held by the coordinator.
	Stop() error
	// OnLeadershipChange registers the callback invoked whenever this
	// instance gains or loses leadership.
	OnLeadershipChange(cb func(isLeader bool))
}
