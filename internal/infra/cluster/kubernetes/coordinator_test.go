package kubernetes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

func testConfig(identity string) Config {
	return Config{
		Namespace:     "default",
		LeaseName:     "scan-orchestrator",
		Identity:      identity,
		LeaseDuration: 2 * time.Second,
		RenewDeadline: time.Second,
		RetryPeriod:   100 * time.Millisecond,
	}
}

func TestCoordinator_LeaderElection(t *testing.T) {
	client := fake.NewSimpleClientset()

	c, err := newCoordinator(client, testConfig("pod-a"), logger.Noop(), noop.NewTracerProvider().Tracer("test"))
	require.NoError(t, err)

	changes := make(chan bool, 4)
	c.OnLeadershipChange(func(isLeader bool) { changes <- isLeader })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, c.Start(ctx))
	}()

	select {
	case isLeader := <-changes:
		assert.True(t, isLeader)
	case <-time.After(5 * time.Second):
		t.Fatal("did not become leader")
	}

	cancel()
	select {
	case isLeader := <-changes:
		assert.False(t, isLeader)
	case <-time.After(5 * time.Second):
		t.Fatal("leadership was not released")
	}
	<-done
	assert.NoError(t, c.Stop())
}

func TestCoordinator_SecondInstanceWaits(t *testing.T) {
	client := fake.NewSimpleClientset()
	tracer := noop.NewTracerProvider().Tracer("test")

	leader, err := newCoordinator(client, testConfig("pod-a"), logger.Noop(), tracer)
	require.NoError(t, err)
	follower, err := newCoordinator(client, testConfig("pod-b"), logger.Noop(), tracer)
	require.NoError(t, err)

	leaderCh := make(chan bool, 4)
	followerCh := make(chan bool, 4)
	leader.OnLeadershipChange(func(b bool) { leaderCh <- b })
	follower.OnLeadershipChange(func(b bool) { followerCh <- b })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = leader.Start(ctx) }()

	select {
	case <-leaderCh:
	case <-time.After(5 * time.Second):
		t.Fatal("first instance did not become leader")
	}

	go func() { _ = follower.Start(ctx) }()
	select {
	case <-followerCh:
		t.Fatal("follower must not lead while the lease is held")
	case <-time.After(500 * time.Millisecond):
	}
}

func TestNewCoordinator_RequiresLease(t *testing.T) {
	_, err := newCoordinator(fake.NewSimpleClientset(), Config{Namespace: "default"}, logger.Noop(),
		noop.NewTracerProvider().Tracer("test"))
	assert.Error(t, err)
}
