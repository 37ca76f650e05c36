package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkflowInstance_Lifecycle(t *testing.T) {
	now := time.Now()

	t.Run("pending to completed", func(t *testing.T) {
		instance := &WorkflowInstance{Status: InstanceStatusPending}

		require.NoError(t, instance.Start(now))
		assert.Equal(t, InstanceStatusRunning, instance.Status)
		require.NotNil(t, instance.StartedAt)

		end := now.Add(3 * time.Second)
		require.NoError(t, instance.Complete(end, JSONB{"greet": "done"}))
		assert.Equal(t, InstanceStatusCompleted, instance.Status)
		require.NotNil(t, instance.CompletedAt)
		require.NotNil(t, instance.ExecutionTimeSeconds)
		assert.Equal(t, 3, *instance.ExecutionTimeSeconds)
		assert.True(t, instance.IsTerminal())
	})

	t.Run("cannot start twice", func(t *testing.T) {
		instance := &WorkflowInstance{Status: InstanceStatusPending}
		require.NoError(t, instance.Start(now))

		err := instance.Start(now)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("fail records message", func(t *testing.T) {
		instance := &WorkflowInstance{Status: InstanceStatusPending}
		require.NoError(t, instance.Start(now))

		require.NoError(t, instance.Fail(now, "webhook exploded", JSONB{"step": "notify"}))
		assert.Equal(t, InstanceStatusFailed, instance.Status)
		require.NotNil(t, instance.ErrorMessage)
		assert.Equal(t, "webhook exploded", *instance.ErrorMessage)
	})

	t.Run("pause and resume", func(t *testing.T) {
		instance := &WorkflowInstance{Status: InstanceStatusPending}
		require.NoError(t, instance.Start(now))
		require.NoError(t, instance.Pause())
		assert.Equal(t, InstanceStatusPaused, instance.Status)
		require.NoError(t, instance.Resume())
		assert.Equal(t, InstanceStatusRunning, instance.Status)
	})

	t.Run("cancel from any non-terminal status", func(t *testing.T) {
		pending := &WorkflowInstance{Status: InstanceStatusPending}
		require.NoError(t, pending.Cancel(now))
		assert.Equal(t, InstanceStatusCancelled, pending.Status)

		completed := &WorkflowInstance{Status: InstanceStatusCompleted}
		assert.ErrorIs(t, completed.Cancel(now), ErrInvalidTransition)
	})
}

func TestWorkflowInstance_ProgressPercentage(t *testing.T) {
	tests := []struct {
		name      string
		completed int
		total     int
		want      float64
	}{
		{"zero total", 0, 0, 0},
		{"none done", 0, 4, 0},
		{"one third", 1, 3, 33.33},
		{"half", 2, 4, 50},
		{"all done", 3, 3, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			instance := &WorkflowInstance{StepsCompleted: tt.completed, StepsTotal: tt.total}
			assert.Equal(t, tt.want, instance.ProgressPercentage())
		})
	}
}

func TestWorkflowStep_Lifecycle(t *testing.T) {
	now := time.Now()

	t.Run("complete captures duration", func(t *testing.T) {
		step := &WorkflowStep{Status: StepStatusPending}
		require.NoError(t, step.Start(now))

		end := now.Add(250 * time.Millisecond)
		require.NoError(t, step.Complete(end, JSONB{"sent": true}))
		assert.Equal(t, StepStatusCompleted, step.Status)
		require.NotNil(t, step.DurationMs)
		assert.Equal(t, int64(250), *step.DurationMs)
	})

	t.Run("skip only from pending", func(t *testing.T) {
		step := &WorkflowStep{Status: StepStatusPending}
		require.NoError(t, step.Skip())
		assert.Equal(t, StepStatusSkipped, step.Status)

		running := &WorkflowStep{Status: StepStatusRunning}
		assert.ErrorIs(t, running.Skip(), ErrInvalidTransition)
	})
}

func TestWorkflowStep_Retry(t *testing.T) {
	now := time.Now()
	step := &WorkflowStep{Status: StepStatusPending, MaxRetries: 2}

	for attempt := 0; attempt < 2; attempt++ {
		require.NoError(t, step.Start(now))
		require.NoError(t, step.Fail(now, "boom"))
		assert.True(t, step.Retry())
		assert.Equal(t, StepStatusPending, step.Status)
		assert.Nil(t, step.ErrorMessage)
		assert.Nil(t, step.StartedAt)
	}
	assert.Equal(t, 2, step.RetryCount)

	require.NoError(t, step.Start(now))
	require.NoError(t, step.Fail(now, "boom"))
	assert.False(t, step.Retry(), "retry budget exhausted")
	assert.Equal(t, StepStatusFailed, step.Status)

	completed := &WorkflowStep{Status: StepStatusCompleted, MaxRetries: 3}
	assert.False(t, completed.Retry(), "only failed steps retry")
}
