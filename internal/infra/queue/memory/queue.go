// Package memory implements the task queue in process memory. Tasks do not
// survive a restart; use it for tests and local development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/queue"
)

var _ queue.Queue = (*Queue)(nil)

// Queue is an in-memory queue.Queue.
type Queue struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*queue.Task
	now   func() time.Time
}

// New creates an empty Queue. now may be nil to use the wall clock.
func New(now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{tasks: make(map[uuid.UUID]*queue.Task), now: now}
}

// Enqueue stores task unless a live task shares its dedup key.
func (q *Queue) Enqueue(_ context.Context, task *queue.Task) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if task.DedupKey != "" {
		for _, t := range q.tasks {
			if t.DedupKey == task.DedupKey && (t.Status == queue.TaskStatusQueued || t.Status == queue.TaskStatusRunning) {
				return false, nil
			}
		}
	}
	cp := *task
	cp.Status = queue.TaskStatusQueued
	q.tasks[task.ID] = &cp
	return true, nil
}

// Claim leases due tasks ordered by run time.
func (q *Queue) Claim(_ context.Context, workerID string, limit int, lease time.Duration) ([]*queue.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var due []*queue.Task
	for _, t := range q.tasks {
		switch {
		case t.Status == queue.TaskStatusQueued && !t.RunAt.After(now):
			due = append(due, t)
		case t.Status == queue.TaskStatusRunning && t.LockedUntil.Before(now):
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]*queue.Task, 0, len(due))
	for _, t := range due {
		t.Status = queue.TaskStatusRunning
		t.Attempts++
		t.LockedBy = workerID
		t.LockedUntil = now.Add(lease)
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (q *Queue) Complete(_ context.Context, id uuid.UUID) error {
	return q.update(id, func(t *queue.Task) {
		t.Status = queue.TaskStatusDone
		t.LockedUntil = time.Time{}
	})
}

func (q *Queue) Retry(_ context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	return q.update(id, func(t *queue.Task) {
		t.Status = queue.TaskStatusQueued
		t.RunAt = runAt
		t.LastError = lastError
		t.LockedUntil = time.Time{}
		t.LockedBy = ""
	})
}

func (q *Queue) Bury(_ context.Context, id uuid.UUID, lastError string) error {
	return q.update(id, func(t *queue.Task) {
		t.Status = queue.TaskStatusDead
		t.LastError = lastError
		t.LockedUntil = time.Time{}
	})
}

func (q *Queue) Stats(context.Context) (map[queue.TaskStatus]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[queue.TaskStatus]int)
	for _, t := range q.tasks {
		stats[t.Status]++
	}
	return stats, nil
}

// Tasks returns copies of every task with the given kind, in run order.
func (q *Queue) Tasks(kind queue.TaskKind) []*queue.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*queue.Task
	for _, t := range q.tasks {
		if t.Kind == kind {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunAt.Before(out[j].RunAt) })
	return out
}

func (q *Queue) update(id uuid.UUID, fn func(*queue.Task)) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, queue.ErrTaskNotFound)
	}
	fn(t)
	return nil
}
