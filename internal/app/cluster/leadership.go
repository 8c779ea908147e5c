package cluster

import (
	"context"
	"sync"

	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// LeaderFunc runs while this instance leads. ctx is cancelled on demotion.
type LeaderFunc func(ctx context.Context)

// Leadership runs a LeaderFunc for each term this instance is leader.
type Leadership struct {
	run LeaderFunc

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *logger.Logger
}

// NewLeadership creates a Leadership that runs fn during each term.
func NewLeadership(fn LeaderFunc, log *logger.Logger) *Leadership {
	return &Leadership{run: fn, logger: log.With("component", "leadership")}
}

// Attach registers l with c. Terms are derived from parent.
func (l *Leadership) Attach(parent context.Context, c Coordinator) {
	c.OnLeadershipChange(func(isLeader bool) {
		if isLeader {
			l.elected(parent)
			return
		}
		l.demoted(parent)
	})
}

func (l *Leadership) elected(parent context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	l.cancel = cancel
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.run(ctx)
	}()
	l.logger.Info(parent, "Leader term started")
}

func (l *Leadership) demoted(parent context.Context) {
	l.mu.Lock()
	cancel := l.cancel
	l.cancel = nil
	l.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	l.wg.Wait()
	l.logger.Info(parent, "Leader term ended")
}

// IsLeader reports whether a term is active.
func (l *Leadership) IsLeader() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

// Wait ends any active term and waits for it to return.
func (l *Leadership) Wait() {
	l.demoted(context.Background())
}
