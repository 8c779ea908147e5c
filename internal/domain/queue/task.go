// Package queue defines the persistent background task model shared by the
// worker pool and its storage backends.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskKind selects the handler a task is dispatched to.
type TaskKind string

const (
	TaskKindInvokeScanner TaskKind = "invoke_scanner"
	TaskKindPollScanner   TaskKind = "poll_scanner"
)

// TaskStatus is the queue-level state of a task.
type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "queued"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusDone    TaskStatus = "done"
	// TaskStatusDead means retries were exhausted.
	TaskStatusDead TaskStatus = "dead"
)

// DefaultMaxAttempts bounds retries when a task does not set its own limit.
const DefaultMaxAttempts = 5

// ErrTaskNotFound is returned when acknowledging an unknown task.
var ErrTaskNotFound = errors.New("task not found")

// Task is one unit of background work. Attempts counts claims, so a handler
// running a task sees 1 on first delivery.
type Task struct {
	ID          uuid.UUID
	Kind        TaskKind
	Payload     json.RawMessage
	DedupKey    string
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	Status      TaskStatus
	LockedUntil time.Time
	LockedBy    string
	LastError   string
	CreatedAt   time.Time
}

// NewTask builds a queued task with payload encoded as JSON.
func NewTask(kind TaskKind, payload any, runAt time.Time, maxAttempts int) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Task{
		ID:          uuid.New(),
		Kind:        kind,
		Payload:     raw,
		MaxAttempts: maxAttempts,
		RunAt:       runAt,
		Status:      TaskStatusQueued,
		CreatedAt:   time.Now(),
	}, nil
}

// IsFinalAttempt reports whether a failure of this delivery exhausts retries.
func (t *Task) IsFinalAttempt() bool { return t.Attempts >= t.MaxAttempts }

// Decode unmarshals the payload into v.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload for task %s: %w", t.Kind, t.ID, err)
	}
	return nil
}

// ScannerPayload identifies the scanner job a task acts on.
type ScannerPayload struct {
	ScanID      int64  `json:"scan_id"`
	ScannerType string `json:"scanner_type"`
}

// InvokeDedupKey keeps at most one live invoke task per scanner job.
func InvokeDedupKey(scanID int64, scannerType string) string {
	return fmt.Sprintf("invoke:%d:%s", scanID, scannerType)
}
