package jobqueue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightrecorder/core/internal/domain"
	"github.com/flightrecorder/core/internal/store"
)

func TestEnqueueAndClaim(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemoryStore())

	t.Run("claim on an empty queue returns nil", func(t *testing.T) {
		job, err := q.Claim(ctx, JobTypeReplayExecute)
		require.NoError(t, err)
		assert.Nil(t, job)
	})

	jobID, err := q.EnqueueReplayExecute(ctx, "replay-1")
	require.NoError(t, err)
	assert.NotZero(t, jobID)

	t.Run("claim picks up the enqueued job", func(t *testing.T) {
		job, err := q.Claim(ctx, JobTypeReplayExecute)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, JobTypeReplayExecute, job.JobType)
		assert.Equal(t, "replay-1", job.Payload["replay_session_id"])
		assert.Equal(t, domain.JobStatusRunning, job.Status)
	})

	t.Run("claiming again finds nothing left pending", func(t *testing.T) {
		job, err := q.Claim(ctx, JobTypeReplayExecute)
		require.NoError(t, err)
		assert.Nil(t, job)
	})
}

func TestCompleteAndFail(t *testing.T) {
	ctx := context.Background()
	q := New(store.NewMemoryStore())

	jobID, err := q.EnqueueReplayExecute(ctx, "replay-2")
	require.NoError(t, err)

	t.Run("Complete marks the job done", func(t *testing.T) {
		job, err := q.Claim(ctx, JobTypeReplayExecute)
		require.NoError(t, err)
		require.NotNil(t, job)

		require.NoError(t, q.Complete(ctx, job.JobID))
	})

	t.Run("Fail records the error and reschedules under max retries", func(t *testing.T) {
		secondJobID, err := q.EnqueueReplayExecute(ctx, "replay-3")
		require.NoError(t, err)
		require.NotEqual(t, jobID, secondJobID)

		job, err := q.Claim(ctx, JobTypeReplayExecute)
		require.NoError(t, err)
		require.NotNil(t, job)

		require.NoError(t, q.Fail(ctx, job.JobID, errors.New("transient failure")))
	})
}
