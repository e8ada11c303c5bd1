package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightrecorder/core/internal/domain"
	"github.com/flightrecorder/core/internal/store"
)

func seedTerminalRun(t *testing.T, st store.Store) domain.Run {
	t.Helper()
	ctx := context.Background()
	run := domain.Run{RunID: "run-1", TraceID: "trace-1", AppID: "app-1", Status: domain.RunStatusSuccess, StartedAtUTC: time.Now()}
	require.NoError(t, st.CreateRun(ctx, run))
	require.NoError(t, st.InsertEvent(ctx, domain.Event{
		EventID: "ev-1", RunID: run.RunID, StepID: "step-1", EventType: "run_started",
		SequenceNo: 1, IdempotencyKey: "k1", TimestampUTC: time.Now(),
	}))
	require.NoError(t, st.InsertEvent(ctx, domain.Event{
		EventID: "ev-2", RunID: run.RunID, StepID: "step-1", EventType: "model_called",
		SequenceNo: 2, IdempotencyKey: "k2", TimestampUTC: time.Now(),
	}))
	return run
}

func TestCreateReplaySession(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects a non-terminal source run", func(t *testing.T) {
		st := store.NewMemoryStore()
		svc := New(st)
		require.NoError(t, st.CreateRun(ctx, domain.Run{RunID: "run-live", Status: domain.RunStatusRunning}))

		_, err := svc.CreateReplaySession(ctx, "run-live", nil, domain.ReplayOverrideProfile{}, "actor", "human")
		assert.Error(t, err)
	})

	t.Run("rejects an unknown source run", func(t *testing.T) {
		svc := New(store.NewMemoryStore())
		_, err := svc.CreateReplaySession(ctx, "missing", nil, domain.ReplayOverrideProfile{}, "actor", "human")
		assert.Error(t, err)
	})

	t.Run("creates a pending session for a terminal run", func(t *testing.T) {
		st := store.NewMemoryStore()
		run := seedTerminalRun(t, st)
		svc := New(st)

		session, err := svc.CreateReplaySession(ctx, run.RunID, nil, domain.ReplayOverrideProfile{}, "actor", "human")
		require.NoError(t, err)
		assert.Equal(t, domain.ReplayStatusPending, session.Status)
		assert.Equal(t, run.RunID, session.SourceRunID)
	})

	t.Run("rejects a fork_step_id not part of the source run", func(t *testing.T) {
		st := store.NewMemoryStore()
		run := seedTerminalRun(t, st)
		svc := New(st)

		bogus := "nonexistent-step"
		_, err := svc.CreateReplaySession(ctx, run.RunID, &bogus, domain.ReplayOverrideProfile{}, "actor", "human")
		assert.Error(t, err)
	})
}

func TestGetAndCancelReplaySession(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	run := seedTerminalRun(t, st)
	svc := New(st)

	session, err := svc.CreateReplaySession(ctx, run.RunID, nil, domain.ReplayOverrideProfile{}, "actor", "human")
	require.NoError(t, err)

	t.Run("GetReplaySession round-trips", func(t *testing.T) {
		got, err := svc.GetReplaySession(ctx, session.ReplaySessionID)
		require.NoError(t, err)
		assert.Equal(t, session.ReplaySessionID, got.ReplaySessionID)
	})

	t.Run("unknown session id is NOT_FOUND", func(t *testing.T) {
		_, err := svc.GetReplaySession(ctx, "missing")
		assert.Error(t, err)
	})

	t.Run("cancelling a pending session marks it failed_execution", func(t *testing.T) {
		cancelled, err := svc.CancelReplaySession(ctx, session.ReplaySessionID)
		require.NoError(t, err)
		assert.Equal(t, domain.ReplayStatusFailedExecution, cancelled.Status)
		assert.True(t, cancelled.CancelRequested)
		require.NotNil(t, cancelled.FailureReasonCode)
		assert.Equal(t, reasonCancelRequested, *cancelled.FailureReasonCode)
	})
}

func TestExecuteReplaySession(t *testing.T) {
	ctx := context.Background()

	t.Run("fails validation when the source run has no events", func(t *testing.T) {
		st := store.NewMemoryStore()
		require.NoError(t, st.CreateRun(ctx, domain.Run{RunID: "run-empty", Status: domain.RunStatusSuccess}))
		svc := New(st)

		session, err := svc.CreateReplaySession(ctx, "run-empty", nil, domain.ReplayOverrideProfile{}, "actor", "human")
		require.NoError(t, err)

		executed, err := svc.ExecuteReplaySession(ctx, session.ReplaySessionID)
		require.NoError(t, err)
		assert.Equal(t, domain.ReplayStatusFailedValidation, executed.Status)
	})

	t.Run("derives a new run from the source run's events", func(t *testing.T) {
		st := store.NewMemoryStore()
		run := seedTerminalRun(t, st)
		svc := New(st)

		session, err := svc.CreateReplaySession(ctx, run.RunID, nil, domain.ReplayOverrideProfile{}, "actor", "human")
		require.NoError(t, err)

		executed, err := svc.ExecuteReplaySession(ctx, session.ReplaySessionID)
		require.NoError(t, err)
		require.NotNil(t, executed.DerivedRunID)
		assert.NotEqual(t, run.RunID, *executed.DerivedRunID)
		assert.Contains(t, []string{
			domain.ReplayStatusCompletedExact,
			domain.ReplayStatusCompletedCached,
			domain.ReplayStatusCompletedMixed,
			domain.ReplayStatusCompletedSimul,
		}, executed.Status)
	})

	t.Run("already-terminal sessions are returned unchanged", func(t *testing.T) {
		st := store.NewMemoryStore()
		run := seedTerminalRun(t, st)
		svc := New(st)

		session, err := svc.CreateReplaySession(ctx, run.RunID, nil, domain.ReplayOverrideProfile{}, "actor", "human")
		require.NoError(t, err)
		first, err := svc.ExecuteReplaySession(ctx, session.ReplaySessionID)
		require.NoError(t, err)

		second, err := svc.ExecuteReplaySession(ctx, session.ReplaySessionID)
		require.NoError(t, err)
		assert.Equal(t, first.Status, second.Status)
		assert.Equal(t, first.DerivedRunID, second.DerivedRunID)
	})
}
