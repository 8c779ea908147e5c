// Package queue runs background tasks from a persistent queue on a pool of
// workers with bounded, exponentially backed-off retries.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	domain "github.com/eclipse/openvsx-scan-orchestrator/internal/domain/queue"
	"github.com/eclipse/openvsx-scan-orchestrator/pkg/common/logger"
)

// HandlerFunc processes one task. A returned error schedules a retry, or
// buries the task when it was the final attempt.
type HandlerFunc func(ctx context.Context, task *domain.Task) error

// Config controls the pool.
type Config struct {
	Workers      int
	PollInterval time.Duration
	Lease        time.Duration
	BatchSize    int
	RetryBase    time.Duration
	RetryMax     time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Workers:      4,
		PollInterval: time.Second,
		Lease:        5 * time.Minute,
		BatchSize:    16,
		RetryBase:    5 * time.Second,
		RetryMax:     5 * time.Minute,
	}
}

// RetryDelay returns base*2^(attempt-1) capped at max.
func RetryDelay(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// WorkerPool claims tasks and dispatches them to handlers by kind.
type WorkerPool struct {
	id    string
	queue domain.Queue
	cfg   Config
	now   func() time.Time

	mu       sync.RWMutex
	handlers map[domain.TaskKind]HandlerFunc

	tracer trace.Tracer
	logger *logger.Logger
}

// Option configures a WorkerPool.
type Option func(*WorkerPool)

// WithClock sets the clock used to schedule retries.
func WithClock(now func() time.Time) Option {
	return func(p *WorkerPool) { p.now = now }
}

// NewWorkerPool returns a pool identified by id.
func NewWorkerPool(
	id string,
	q domain.Queue,
	cfg Config,
	tracer trace.Tracer,
	logger *logger.Logger,
	opts ...Option,
) *WorkerPool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = cfg.Workers
	}
	p := &WorkerPool{
		id:       id,
		queue:    q,
		cfg:      cfg,
		now:      time.Now,
		handlers: make(map[domain.TaskKind]HandlerFunc),
		tracer:   tracer,
		logger:   logger.With("component", "worker_pool", "worker_pool_id", id),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register binds a handler to a task kind.
func (p *WorkerPool) Register(kind domain.TaskKind, h HandlerFunc) {
	p.mu.Lock()
	p.handlers[kind] = h
	p.mu.Unlock()
}

// Run claims and processes tasks until ctx is canceled. In-flight tasks are
// allowed to finish.
func (p *WorkerPool) Run(ctx context.Context) error {
	p.logger.Info(ctx, "Worker pool started", "workers", p.cfg.Workers, "poll_interval", p.cfg.PollInterval)

	tasks := make(chan *domain.Task, p.cfg.BatchSize)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(tasks)
		ticker := time.NewTicker(p.cfg.PollInterval)
		defer ticker.Stop()

		for {
			claimed, err := p.queue.Claim(gctx, p.id, p.cfg.BatchSize, p.cfg.Lease)
			if err != nil && gctx.Err() == nil {
				p.logger.Error(gctx, "Task claim failed", "err", err)
			}
			for _, t := range claimed {
				select {
				case tasks <- t:
				case <-gctx.Done():
					return nil
				}
			}
			if len(claimed) == p.cfg.BatchSize {
				continue
			}

			select {
			case <-ticker.C:
			case <-gctx.Done():
				return nil
			}
		}
	})

	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error {
			for t := range tasks {
				// Acks must land even while shutting down.
				p.process(context.WithoutCancel(gctx), t)
			}
			return nil
		})
	}

	err := g.Wait()
	p.logger.Info(context.Background(), "Worker pool stopped")
	return err
}

// Drain synchronously processes due tasks until none are left, returning how
// many ran. Tests and the CLI use it to run the queue to quiescence.
func (p *WorkerPool) Drain(ctx context.Context) (int, error) {
	processed := 0
	for {
		claimed, err := p.queue.Claim(ctx, p.id, p.cfg.BatchSize, p.cfg.Lease)
		if err != nil {
			return processed, err
		}
		if len(claimed) == 0 {
			return processed, nil
		}
		for _, t := range claimed {
			p.process(ctx, t)
			processed++
		}
	}
}

func (p *WorkerPool) process(ctx context.Context, task *domain.Task) {
	logr := logger.NewLoggerContext(p.logger.With(
		"task_id", task.ID,
		"task_kind", task.Kind,
		"attempt", task.Attempts,
	))
	ctx, span := p.tracer.Start(ctx, "worker_pool.queue.process",
		trace.WithAttributes(
			attribute.String("task_id", task.ID.String()),
			attribute.String("task_kind", string(task.Kind)),
			attribute.Int("attempt", task.Attempts),
		))
	defer span.End()

	p.mu.RLock()
	handler, ok := p.handlers[task.Kind]
	p.mu.RUnlock()
	if !ok {
		err := fmt.Errorf("no handler registered for task kind %q", task.Kind)
		span.RecordError(err)
		logr.Error(ctx, "Burying task", "err", err)
		if err := p.queue.Bury(ctx, task.ID, err.Error()); err != nil {
			logr.Error(ctx, "Failed to bury task", "err", err)
		}
		return
	}

	handleErr := safeHandle(ctx, handler, task)
	if handleErr == nil {
		if err := p.queue.Complete(ctx, task.ID); err != nil {
			logr.Error(ctx, "Failed to complete task", "err", err)
		}
		span.SetStatus(codes.Ok, "task completed")
		return
	}

	span.RecordError(handleErr)
	span.SetStatus(codes.Error, "task failed")
	if task.IsFinalAttempt() {
		logr.Error(ctx, "Task failed on final attempt", "err", handleErr)
		if err := p.queue.Bury(ctx, task.ID, handleErr.Error()); err != nil {
			logr.Error(ctx, "Failed to bury task", "err", err)
		}
		return
	}

	delay := RetryDelay(p.cfg.RetryBase, p.cfg.RetryMax, task.Attempts)
	logr.Warn(ctx, "Task failed; retrying", "retry_in", delay, "err", handleErr)
	if err := p.queue.Retry(ctx, task.ID, p.now().Add(delay), handleErr.Error()); err != nil {
		logr.Error(ctx, "Failed to schedule task retry", "err", err)
	}
}

// safeHandle converts a handler panic into an error so one bad task cannot
// take down the pool.
func safeHandle(ctx context.Context, h HandlerFunc, task *domain.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New(fmt.Sprint("handler panic: ", r))
		}
	}()
	return h(ctx, task)
}
