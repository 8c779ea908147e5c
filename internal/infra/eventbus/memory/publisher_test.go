package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/events"
)

func statusEvent(scanID int64, to string) events.DomainEvent {
	return events.NewDomainEvent(events.EventTypeScanStatusChanged, "k",
		events.ScanStatusChanged{ScanID: scanID, To: to})
}

func TestPublisher_RecordsAndFansOut(t *testing.T) {
	t.Parallel()

	pub := NewPublisher(0)
	ctx := context.Background()

	var got []events.DomainEvent
	require.NoError(t, pub.Subscribe(ctx, func(e events.DomainEvent) error {
		got = append(got, e)
		return nil
	}))

	require.NoError(t, pub.PublishDomainEvent(ctx, statusEvent(1, "VALIDATING"),
		events.WithKey("1"), events.WithHeaders(map[string]string{"a": "b"})))
	require.NoError(t, pub.PublishDomainEvent(ctx, events.NewDomainEvent(events.EventTypeScanAdminAllowed, "1",
		events.ScanAdminAllowed{ScanID: 1, DecidedBy: "admin"})))

	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].Key)
	assert.Equal(t, "b", got[0].Headers["a"])
	assert.Len(t, pub.Events(), 2)
	assert.Len(t, pub.EventsOfType(events.EventTypeScanAdminAllowed), 1)
}

func TestPublisher_HandlerErrorStopsFanOut(t *testing.T) {
	t.Parallel()

	pub := NewPublisher(0)
	ctx := context.Background()
	calls := 0
	require.NoError(t, pub.Subscribe(ctx, func(events.DomainEvent) error { calls++; return errors.New("boom") }))
	require.NoError(t, pub.Subscribe(ctx, func(events.DomainEvent) error { calls++; return nil }))

	err := pub.PublishDomainEvent(ctx, statusEvent(1, "PASSED"))
	assert.EqualError(t, err, "boom")
	assert.Equal(t, 1, calls)
}

func TestPublisher_UnsubscribeOnCancel(t *testing.T) {
	t.Parallel()

	pub := NewPublisher(0)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, pub.Subscribe(ctx, func(events.DomainEvent) error { return errors.New("still subscribed") }))
	cancel()

	assert.Eventually(t, func() bool {
		return pub.PublishDomainEvent(context.Background(), statusEvent(1, "PASSED")) == nil
	}, time.Second, 10*time.Millisecond)
}

func TestPublisher_LimitAndClose(t *testing.T) {
	t.Parallel()

	pub := NewPublisher(2)
	ctx := context.Background()
	for i := range 3 {
		require.NoError(t, pub.PublishDomainEvent(ctx, statusEvent(int64(i), "PASSED")))
	}

	evts := pub.Events()
	require.Len(t, evts, 2)
	assert.Equal(t, int64(1), evts[0].Payload.(events.ScanStatusChanged).ScanID)

	require.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.PublishDomainEvent(ctx, statusEvent(9, "PASSED")), ErrClosed)
	assert.Error(t, pub.Subscribe(ctx, nil))
}
