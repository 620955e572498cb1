package run

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckTask(t *testing.T) {
	tests := []struct {
		from, to TaskStatus
		ok       bool
	}{
		{TaskPending, TaskReady, true},
		{TaskReady, TaskRunning, true},
		{TaskRunning, TaskCompleted, true},
		{TaskRunning, TaskFailed, true},
		{TaskFailed, TaskRetrying, true},
		{TaskRetrying, TaskReady, true},
		{TaskFailed, TaskDeadLettered, true},
		{TaskRunning, TaskInterrupted, true},
		{TaskInterrupted, TaskReady, true},
		{TaskDeadLettered, TaskReady, true},
		{TaskPending, TaskSkipped, true},

		{TaskCompleted, TaskRunning, false},
		{TaskCompleted, TaskReady, false},
		{TaskRunning, TaskReady, false},
		{TaskReady, TaskCompleted, false},
		{TaskCancelled, TaskReady, false},
		{TaskSkipped, TaskReady, false},
		{TaskPending, TaskRunning, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := CheckTask(tt.from, tt.to)
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidTransition))
		})
	}
}

func TestCheckRun(t *testing.T) {
	require.NoError(t, CheckRun(RunQueued, RunRunning))
	require.NoError(t, CheckRun(RunRunning, RunPartiallyFailed))
	require.NoError(t, CheckRun(RunPaused, RunRunning))
	require.NoError(t, CheckRun(RunFailed, RunRunning))
	require.NoError(t, CheckRun(RunCancelled, RunCancelled), "same status is a no-op")

	assert.ErrorIs(t, CheckRun(RunCompleted, RunRunning), ErrInvalidTransition)
	assert.ErrorIs(t, CheckRun(RunCancelled, RunRunning), ErrInvalidTransition)
	assert.ErrorIs(t, CheckRun(RunQueued, RunCompleted), ErrInvalidTransition)
}

func TestTerminal(t *testing.T) {
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskDeadLettered.Terminal())
	assert.True(t, TaskSkipped.Terminal())
	assert.False(t, TaskInterrupted.Terminal())
	assert.False(t, TaskRetrying.Terminal())

	assert.True(t, RunPartiallyFailed.Terminal())
	assert.False(t, RunPaused.Terminal())
}

func TestKey(t *testing.T) {
	tr := &TaskRun{RunID: "r1", NodeID: "render", FanOutIndex: Index(3)}
	assert.Equal(t, "render[3]", tr.Key().String())
	assert.Equal(t, "r1/render[3]", tr.IdempotencyKey())

	single := &TaskRun{RunID: "r1", NodeID: "story"}
	assert.Equal(t, Key{NodeID: "story", Index: -1}, single.Key())
	assert.Equal(t, "r1/story", single.IdempotencyKey())
}
