package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightrecorder/core/internal/domain"
)

func TestMemoryStore_RunLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	run := domain.Run{RunID: "run-1", AppID: "app-1", Status: domain.RunStatusRunning, StartedAtUTC: time.Now()}
	require.NoError(t, st.CreateRun(ctx, run))

	require.NoError(t, st.LockRun(ctx, run.RunID))

	require.NoError(t, st.UpdateRunStatus(ctx, run.RunID, domain.RunStatusSuccess))
	got, err := st.GetRun(ctx, run.RunID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunStatusSuccess, got.Status)

	_, err = st.GetRun(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_StepAndEvent(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	step := domain.Step{RunID: "run-1", StepID: "step-1"}
	require.NoError(t, st.UpsertStep(ctx, step))

	got, err := st.GetStep(ctx, "run-1", "step-1")
	require.NoError(t, err)
	assert.Equal(t, "step-1", got.StepID)

	event := domain.Event{
		EventID: "ev-1", RunID: "run-1", StepID: "step-1", EventType: "run_started",
		SequenceNo: 1, IdempotencyKey: "key-1", TimestampUTC: time.Now(),
	}
	require.NoError(t, st.InsertEvent(ctx, event))

	found, err := st.FindEventByIdempotencyKey(ctx, "key-1")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "ev-1", found.EventID)

	seq, ok, err := st.MaxSequenceNo(ctx, "run-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), seq)
}

func TestMemoryStore_AuditLog(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	require.NoError(t, st.InsertAuditLog(ctx, domain.AuditLog{
		ActorID: "actor-1", Action: "replay_created", TargetID: "run-1", TimestampUTC: time.Now(),
	}))
}

func TestMemoryStore_JobLifecycle(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	id, err := st.InsertJob(ctx, domain.Job{JobType: "replay_execute", Payload: map[string]any{"replay_session_id": "r-1"}})
	require.NoError(t, err)

	job, err := st.FetchNextJob(ctx, "replay_execute")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.JobID)

	require.NoError(t, st.MarkJobSuccess(ctx, id))
}
