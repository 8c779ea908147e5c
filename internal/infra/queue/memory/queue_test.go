package memory

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/queue"
)

func newTask(t *testing.T, runAt time.Time) *queue.Task {
	t.Helper()
	task, err := queue.NewTask(queue.TaskKindInvokeScanner, queue.ScannerPayload{ScanID: 1, ScannerType: "a"}, runAt, 3)
	require.NoError(t, err)
	return task
}

func TestQueue_ClaimOnlyDueTasks(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	q := New(func() time.Time { return now })
	ctx := context.Background()

	due := newTask(t, now.Add(-time.Second))
	later := newTask(t, now.Add(time.Minute))
	_, err := q.Enqueue(ctx, due)
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, later)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "w1", 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, due.ID, claimed[0].ID)
	assert.Equal(t, 1, claimed[0].Attempts)
}

func TestQueue_DedupKey(t *testing.T) {
	q := New(nil)
	ctx := context.Background()

	first := newTask(t, time.Now())
	first.DedupKey = "invoke:1:a"
	second := newTask(t, time.Now())
	second.DedupKey = "invoke:1:a"

	ok, err := q.Enqueue(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = q.Enqueue(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, q.Complete(ctx, first.ID))
	ok, err = q.Enqueue(ctx, second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestQueue_ExpiredLeaseIsReclaimed(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	q := New(func() time.Time { return now })
	ctx := context.Background()

	_, err := q.Enqueue(ctx, newTask(t, now))
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "w1", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	none, err := q.Claim(ctx, "w2", 1, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, none)

	now = now.Add(2 * time.Minute)
	again, err := q.Claim(ctx, "w2", 1, time.Minute)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 2, again[0].Attempts)
	assert.Equal(t, "w2", again[0].LockedBy)
}

func TestQueue_RetryAndBury(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	q := New(func() time.Time { return now })
	ctx := context.Background()

	task := newTask(t, now)
	_, err := q.Enqueue(ctx, task)
	require.NoError(t, err)
	_, err = q.Claim(ctx, "w", 1, time.Minute)
	require.NoError(t, err)

	require.NoError(t, q.Retry(ctx, task.ID, now.Add(time.Second), "boom"))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[queue.TaskStatusQueued])

	require.NoError(t, q.Bury(ctx, task.ID, "boom"))
	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[queue.TaskStatusDead])

	assert.ErrorIs(t, q.Complete(ctx, uuid.Nil), queue.ErrTaskNotFound)
}
