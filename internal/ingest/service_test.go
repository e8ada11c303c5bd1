package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightrecorder/core/internal/apperr"
	"github.com/flightrecorder/core/internal/domain"
	"github.com/flightrecorder/core/internal/store"
)

func newTestService() *Service {
	return New(store.NewMemoryStore(), nil)
}

func runStartedEvent(runID string, seq int64) domain.CanonicalEvent {
	return domain.CanonicalEvent{
		SchemaVersion: "1.0",
		RunID:         runID,
		StepID:        "step-1",
		SequenceNo:    seq,
		EventType:     "run_started",
		TimestampUTC:  time.Now(),
		Payload: map[string]any{
			"app_id": "app-1", "environment": "prod", "entrypoint_name": "main",
		},
	}
}

func TestCreateRun(t *testing.T) {
	svc := newTestService()

	run, err := svc.CreateRun(context.Background(), CreateRunRequest{AppID: "app-1", Environment: "prod"})
	require.NoError(t, err)

	assert.NotEmpty(t, run.RunID)
	assert.NotEmpty(t, run.TraceID)
	assert.Equal(t, domain.RunStatusRunning, run.Status)
	assert.Equal(t, domain.SourceTypeLive, run.SourceType, "defaults to live when unset")
	assert.Equal(t, "dev_short", run.RetentionClass, "defaults retention class when unset")
}

func TestGetRunOrError(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	t.Run("missing run surfaces NOT_FOUND", func(t *testing.T) {
		_, err := svc.GetRunOrError(ctx, "nope")
		appErr, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.CodeNotFound, appErr.Code)
	})

	t.Run("existing run round-trips", func(t *testing.T) {
		run, err := svc.CreateRun(ctx, CreateRunRequest{AppID: "app-1"})
		require.NoError(t, err)

		got, err := svc.GetRunOrError(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, run.RunID, got.RunID)
	})
}

func TestIngestEvent(t *testing.T) {
	ctx := context.Background()

	t.Run("first event must be run_started", func(t *testing.T) {
		svc := newTestService()
		run, _ := svc.CreateRun(ctx, CreateRunRequest{AppID: "app-1"})

		event := runStartedEvent(run.RunID, 1)
		event.EventType = "model_called"
		event.Payload = map[string]any{
			"provider": "anthropic", "model_id": "x", "model_api_version": "1",
			"temperature": 0.0, "top_p": 1.0, "max_tokens": 10, "request_ref": "h",
		}

		_, err := svc.IngestEvent(ctx, run, "idem-1", event)
		appErr, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.CodeValidation, appErr.Code)
	})

	t.Run("accepts a valid run_started event", func(t *testing.T) {
		svc := newTestService()
		run, _ := svc.CreateRun(ctx, CreateRunRequest{AppID: "app-1"})

		result, err := svc.IngestEvent(ctx, run, "idem-1", runStartedEvent(run.RunID, 1))
		require.NoError(t, err)
		assert.True(t, result.Created)
		assert.NotEmpty(t, result.Event.EventID)
	})

	t.Run("repeat idempotency key returns the existing event without re-validating", func(t *testing.T) {
		svc := newTestService()
		run, _ := svc.CreateRun(ctx, CreateRunRequest{AppID: "app-1"})

		first, err := svc.IngestEvent(ctx, run, "idem-1", runStartedEvent(run.RunID, 1))
		require.NoError(t, err)

		second, err := svc.IngestEvent(ctx, run, "idem-1", runStartedEvent(run.RunID, 1))
		require.NoError(t, err)

		assert.False(t, second.Created)
		assert.Equal(t, first.Event.EventID, second.Event.EventID)
	})

	t.Run("non-monotonic sequence_no is a conflict", func(t *testing.T) {
		svc := newTestService()
		run, _ := svc.CreateRun(ctx, CreateRunRequest{AppID: "app-1"})
		_, err := svc.IngestEvent(ctx, run, "idem-1", runStartedEvent(run.RunID, 5))
		require.NoError(t, err)

		_, err = svc.IngestEvent(ctx, run, "idem-2", runStartedEvent(run.RunID, 5))
		appErr, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.CodeConflict, appErr.Code)
	})

	t.Run("model_result without a prior model_called in the same step is rejected", func(t *testing.T) {
		svc := newTestService()
		run, _ := svc.CreateRun(ctx, CreateRunRequest{AppID: "app-1"})
		_, err := svc.IngestEvent(ctx, run, "idem-1", runStartedEvent(run.RunID, 1))
		require.NoError(t, err)

		resultEvent := domain.CanonicalEvent{
			SchemaVersion: "1.0",
			RunID:         run.RunID,
			StepID:        "step-1",
			SequenceNo:    2,
			EventType:     "model_result",
			TimestampUTC:  time.Now(),
			Payload: map[string]any{
				"provider": "anthropic", "model_id": "x", "finish_reason": "stop",
				"token_usage": map[string]any{}, "response_ref": "h", "latency_ms": 1,
			},
		}
		_, err = svc.IngestEvent(ctx, run, "idem-2", resultEvent)
		appErr, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.CodeValidation, appErr.Code)
	})

	t.Run("events after a terminal event are rejected", func(t *testing.T) {
		svc := newTestService()
		run, _ := svc.CreateRun(ctx, CreateRunRequest{AppID: "app-1"})
		_, err := svc.IngestEvent(ctx, run, "idem-1", runStartedEvent(run.RunID, 1))
		require.NoError(t, err)

		terminal := runStartedEvent(run.RunID, 2)
		terminal.EventType = "run_completed"
		terminal.Payload = map[string]any{"status": "success", "total_steps": 1, "total_latency_ms": 10}
		_, err = svc.IngestEvent(ctx, run, "idem-2", terminal)
		require.NoError(t, err)

		_, err = svc.IngestEvent(ctx, run, "idem-3", runStartedEvent(run.RunID, 3))
		appErr, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.CodeConflict, appErr.Code)
	})
}

func TestFinalizeRun(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	run, _ := svc.CreateRun(ctx, CreateRunRequest{AppID: "app-1"})

	t.Run("rejects an invalid final_status", func(t *testing.T) {
		_, err := svc.FinalizeRun(ctx, run, FinalizeRunRequest{FinalStatus: "bogus"})
		appErr, ok := apperr.As(err)
		require.True(t, ok)
		assert.Equal(t, apperr.CodeValidation, appErr.Code)
	})

	t.Run("closes out the run", func(t *testing.T) {
		updated, err := svc.FinalizeRun(ctx, run, FinalizeRunRequest{FinalStatus: domain.RunStatusFailed})
		require.NoError(t, err)
		assert.Equal(t, domain.RunStatusFailed, updated.Status)
		assert.NotNil(t, updated.EndedAtUTC)
	})
}
