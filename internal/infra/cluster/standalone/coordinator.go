// Package standalone is the coordinator for single-instance deployments: the
// process is leader for as long as it runs.
package standalone

import (
	"context"
	"sync"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/app/cluster"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

var _ cluster.Coordinator = (*Coordinator)(nil)

// Coordinator reports leadership on Start and loses it when ctx ends.
type Coordinator struct {
	mu sync.Mutex
	cb func(isLeader bool)

	logger *logger.Logger
}

// NewCoordinator creates a standalone coordinator.
func NewCoordinator(log *logger.Logger) *Coordinator {
	return &Coordinator{logger: log.With("component", "standalone_coordinator")}
}

func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info(ctx, "Running standalone, assuming leadership")
	c.notify(true)
	<-ctx.Done()
	c.notify(false)
	return nil
}

func (c *Coordinator) Stop() error { return nil }

func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *Coordinator) notify(isLeader bool) {
	c.mu.Lock()
	cb := c.cb
	c.mu.Unlock()
	if cb != nil {
		cb(isLeader)
	}
}
