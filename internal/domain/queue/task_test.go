package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTask_RoundTripsPayload(t *testing.T) {
	task, err := NewTask(TaskKindPollScanner, ScannerPayload{ScanID: 7, ScannerType: "remote"}, time.Now(), 0)
	require.NoError(t, err)

	assert.Equal(t, TaskStatusQueued, task.Status)
	assert.Equal(t, DefaultMaxAttempts, task.MaxAttempts)

	var p ScannerPayload
	require.NoError(t, task.Decode(&p))
	assert.Equal(t, int64(7), p.ScanID)
	assert.Equal(t, "remote", p.ScannerType)
}

func TestTask_IsFinalAttempt(t *testing.T) {
	task := &Task{MaxAttempts: 3}
	task.Attempts = 2
	assert.False(t, task.IsFinalAttempt())
	task.Attempts = 3
	assert.True(t, task.IsFinalAttempt())
}

func TestTask_DecodeRejectsGarbage(t *testing.T) {
	task := &Task{Kind: TaskKindInvokeScanner, Payload: []byte("{")}
	var p ScannerPayload
	assert.Error(t, task.Decode(&p))
}
