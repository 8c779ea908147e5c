// Package postgres implements the task queue on a Postgres table. Workers
// claim due tasks with FOR UPDATE SKIP LOCKED so concurrent orchestrator
// instances never run the same delivery twice within a lease.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/eclipse/openvsx-scan-orchestrator/internal/domain/queue"
	"github.com/eclipse/openvsx-scan-orchestrator/internal/infra/storage"
)

var _ queue.Queue = (*Queue)(nil)

const tasksTable = "queue_tasks"

const taskColumns = `id, kind, payload, dedup_key, attempts, max_attempts, run_at,
	status, locked_until, locked_by, last_error, created_at`

// Queue is a queue.Queue backed by the queue_tasks table.
type Queue struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// New creates a Postgres-backed queue.
func New(pool *pgxpool.Pool, tracer trace.Tracer) *Queue {
	return &Queue{db: pool, tracer: tracer}
}

func (q *Queue) Enqueue(ctx context.Context, task *queue.Task) (bool, error) {
	dbAttrs := storage.DBAttributes(tasksTable,
		attribute.String("task_id", task.ID.String()),
		attribute.String("kind", string(task.Kind)),
		attribute.String("dedup_key", task.DedupKey),
	)

	var inserted bool
	err := storage.ExecuteAndTrace(ctx, q.tracer, "postgres.enqueue_task", dbAttrs, func(ctx context.Context) error {
		tag, err := q.db.Exec(ctx, `
			INSERT INTO queue_tasks (id, kind, payload, dedup_key, attempts, max_attempts, run_at, status, created_at)
			VALUES ($1, $2, $3, $4, 0, $5, $6, 'queued', $7)
			ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL AND status IN ('queued', 'running')
			DO NOTHING`,
			task.ID, string(task.Kind), []byte(task.Payload), nullableText(task.DedupKey),
			task.MaxAttempts, task.RunAt, task.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("enqueue task error: %w", err)
		}
		inserted = tag.RowsAffected() == 1
		return nil
	})
	return inserted, err
}

func (q *Queue) Claim(ctx context.Context, workerID string, limit int, lease time.Duration) ([]*queue.Task, error) {
	dbAttrs := storage.DBAttributes(tasksTable,
		attribute.String("worker_id", workerID),
		attribute.Int("limit", limit),
	)

	var tasks []*queue.Task
	err := storage.ExecuteAndTrace(ctx, q.tracer, "postgres.claim_tasks", dbAttrs, func(ctx context.Context) error {
		rows, err := q.db.Query(ctx, `
			WITH due AS (
				SELECT id FROM queue_tasks
				WHERE (status = 'queued' AND run_at <= NOW())
				   OR (status = 'running' AND locked_until < NOW())
				ORDER BY run_at
				LIMIT $2
				FOR UPDATE SKIP LOCKED
			)
			UPDATE queue_tasks t
			SET status = 'running',
				attempts = t.attempts + 1,
				locked_by = $1,
				locked_until = NOW() + $3 * INTERVAL '1 millisecond'
			FROM due
			WHERE t.id = due.id
			RETURNING t.id, t.kind, t.payload, t.dedup_key, t.attempts, t.max_attempts, t.run_at,
				t.status, t.locked_until, t.locked_by, t.last_error, t.created_at`,
			workerID, limit, lease.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("claim tasks error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			t, err := taskRow(rows)
			if err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	return tasks, err
}

func (q *Queue) Complete(ctx context.Context, id uuid.UUID) error {
	return q.ack(ctx, "postgres.complete_task", id, `
		UPDATE queue_tasks SET status = 'done', locked_until = NULL WHERE id = $1`)
}

func (q *Queue) Retry(ctx context.Context, id uuid.UUID, runAt time.Time, lastError string) error {
	return q.ack(ctx, "postgres.retry_task", id, `
		UPDATE queue_tasks
		SET status = 'queued', run_at = $2, last_error = $3, locked_until = NULL, locked_by = ''
		WHERE id = $1`, runAt, lastError)
}

func (q *Queue) Bury(ctx context.Context, id uuid.UUID, lastError string) error {
	return q.ack(ctx, "postgres.bury_task", id, `
		UPDATE queue_tasks SET status = 'dead', last_error = $2, locked_until = NULL WHERE id = $1`, lastError)
}

func (q *Queue) ack(ctx context.Context, spanName string, id uuid.UUID, sql string, args ...any) error {
	dbAttrs := storage.DBAttributes(tasksTable, attribute.String("task_id", id.String()))
	return storage.ExecuteAndTrace(ctx, q.tracer, spanName, dbAttrs, func(ctx context.Context) error {
		tag, err := q.db.Exec(ctx, sql, append([]any{id}, args...)...)
		if err != nil {
			return fmt.Errorf("%s error: %w", spanName, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("task %s: %w", id, queue.ErrTaskNotFound)
		}
		return nil
	})
}

func (q *Queue) Stats(ctx context.Context) (map[queue.TaskStatus]int, error) {
	stats := make(map[queue.TaskStatus]int)
	err := storage.ExecuteAndTrace(ctx, q.tracer, "postgres.queue_stats", storage.DBAttributes(tasksTable), func(ctx context.Context) error {
		rows, err := q.db.Query(ctx, `SELECT status, COUNT(*) FROM queue_tasks GROUP BY status`)
		if err != nil {
			return fmt.Errorf("queue stats error: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var (
				status string
				count  int
			)
			if err := rows.Scan(&status, &count); err != nil {
				return err
			}
			stats[queue.TaskStatus(status)] = count
		}
		return rows.Err()
	})
	return stats, err
}

// Get loads a single task.
func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*queue.Task, error) {
	dbAttrs := storage.DBAttributes(tasksTable, attribute.String("task_id", id.String()))

	var task *queue.Task
	err := storage.ExecuteAndTrace(ctx, q.tracer, "postgres.get_task", dbAttrs, func(ctx context.Context) error {
		t, err := taskRow(q.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM queue_tasks WHERE id = $1`, id))
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("task %s: %w", id, queue.ErrTaskNotFound)
		}
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

func taskRow(row pgx.Row) (*queue.Task, error) {
	var (
		t           queue.Task
		kind        string
		status      string
		payload     []byte
		dedupKey    pgtype.Text
		lockedUntil pgtype.Timestamptz
	)
	if err := row.Scan(
		&t.ID, &kind, &payload, &dedupKey, &t.Attempts, &t.MaxAttempts, &t.RunAt,
		&status, &lockedUntil, &t.LockedBy, &t.LastError, &t.CreatedAt,
	); err != nil {
		return nil, err
	}
	t.Kind = queue.TaskKind(kind)
	t.Status = queue.TaskStatus(status)
	t.Payload = payload
	t.DedupKey = dedupKey.String
	if lockedUntil.Valid {
		t.LockedUntil = lockedUntil.Time
	}
	return &t, nil
}

func nullableText(s string) pgtype.Text { return pgtype.Text{String: s, Valid: s != ""} }
