// Package kubernetes elects a single orchestrator leader through a
// coordination.k8s.io Lease. Only the leader runs startup recovery and the
// watchdog; every instance runs queue workers.
package kubernetes

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/leaderelection"
	"k8s.io/client-go/tools/leaderelection/resourcelock"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/app/cluster"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

var _ cluster.Coordinator = new(Coordinator)

// Coordinator runs lease-based leader election.
type Coordinator struct {
	cfg Config

	leaderElector *leaderelection.LeaderElector

	mu                 sync.Mutex
	leadershipChangeCB func(isLeader bool)

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCoordinator creates a coordinator using the in-cluster client, falling
// back to the local kubeconfig.
func NewCoordinator(cfg Config, logger *logger.Logger, tracer trace.Tracer) (*Coordinator, error) {
	client, err := getKubernetesClient()
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client for coordinator: %w", err)
	}
	return newCoordinator(client, cfg, logger, tracer)
}

func newCoordinator(client kubernetes.Interface, cfg Config, log *logger.Logger, tracer trace.Tracer) (*Coordinator, error) {
	_, span := tracer.Start(context.Background(), "kubernetes_coordinator.new",
		trace.WithAttributes(
			attribute.String("namespace", cfg.Namespace),
			attribute.String("lease_name", cfg.LeaseName),
			attribute.String("identity", cfg.Identity),
		),
	)
	defer span.End()

	if cfg.Namespace == "" || cfg.LeaseName == "" || cfg.Identity == "" {
		err := fmt.Errorf("namespace, lease name and identity are required")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	cfg.withDefaults()

	c := &Coordinator{
		cfg: cfg,
		logger: log.With(
			"component", "kubernetes_coordinator",
			"namespace", cfg.Namespace,
			"lease_name", cfg.LeaseName,
			"identity", cfg.Identity,
		),
		tracer: tracer,
	}

	lock := &resourcelock.LeaseLock{
		LeaseMeta: metav1.ObjectMeta{
			Name:      cfg.LeaseName,
			Namespace: cfg.Namespace,
		},
		Client: client.CoordinationV1(),
		LockConfig: resourcelock.ResourceLockConfig{
			Identity: cfg.Identity,
		},
	}

	elector, err := leaderelection.NewLeaderElector(leaderelection.LeaderElectionConfig{
		Lock:            lock,
		LeaseDuration:   cfg.LeaseDuration,
		RenewDeadline:   cfg.RenewDeadline,
		RetryPeriod:     cfg.RetryPeriod,
		ReleaseOnCancel: true,
		Callbacks: leaderelection.LeaderCallbacks{
			OnStartedLeading: c.onStartedLeading,
			OnStoppedLeading: c.onStoppedLeading,
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create leader elector")
		return nil, fmt.Errorf("creating leader elector: %w", err)
	}
	c.leaderElector = elector
	span.AddEvent("leader_elector_created")

	return c, nil
}

// Start runs leader election until ctx is cancelled. Leadership is released
// on cancellation.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info(ctx, "Starting leader elector")
	c.leaderElector.Run(ctx)
	return nil
}

// Stop is a no-op; cancel the context passed to Start instead.
func (c *Coordinator) Stop() error {
	c.logger.Info(context.Background(), "Stopping leader elector")
	return nil
}

// OnLeadershipChange registers cb, replacing any previous callback.
func (c *Coordinator) OnLeadershipChange(cb func(isLeader bool)) {
	c.mu.Lock()
	c.leadershipChangeCB = cb
	c.mu.Unlock()
}

func (c *Coordinator) notify(isLeader bool) {
	c.mu.Lock()
	cb := c.leadershipChangeCB
	c.mu.Unlock()
	if cb != nil {
		cb(isLeader)
	}
}

func (c *Coordinator) onStartedLeading(ctx context.Context) {
	_, span := c.tracer.Start(ctx, "kubernetes_coordinator.on_started_leading")
	defer span.End()

	c.logger.Info(ctx, "Became leader")
	c.notify(true)
}

func (c *Coordinator) onStoppedLeading() {
	_, span := c.tracer.Start(context.Background(), "kubernetes_coordinator.on_stopped_leading")
	defer span.End()

	c.logger.Info(context.Background(), "Lost leadership")
	c.notify(false)
}
