package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Queue is an at-least-once persistent task queue.
type Queue interface {
	// Enqueue stores task. A task whose DedupKey matches a queued or running
	// task is dropped and Enqueue reports false.
	Enqueue(ctx context.Context, task *Task) (bool, error)

	// Claim leases up to limit due tasks to workerID for lease. Running tasks
	// whose lease expired are claimed again. Attempts is incremented.
	Claim(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*Task, error)

	// Complete marks a task done.
	Complete(ctx context.Context, id uuid.UUID) error

	// Retry returns a task to queued at runAt with lastError recorded.
	Retry(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error

	// Bury marks a task dead after its final attempt.
	Bury(ctx context.Context, id uuid.UUID, lastError string) error

	// Stats reports task counts per status.
	Stats(ctx context.Context) (map[TaskStatus]int, error)
}
