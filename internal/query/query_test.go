package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightrecorder/core/internal/domain"
	"github.com/flightrecorder/core/internal/store"
)

func seedRun(t *testing.T, st store.Store, appID string, startedAt time.Time) domain.Run {
	t.Helper()
	run := domain.Run{
		RunID:        "run-" + appID + "-" + startedAt.Format(time.RFC3339Nano),
		TraceID:      "trace-1",
		AppID:        appID,
		Status:       domain.RunStatusRunning,
		StartedAtUTC: startedAt,
	}
	require.NoError(t, st.CreateRun(context.Background(), run))
	return run
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := New(st)

	now := time.Now()
	seedRun(t, st, "app-a", now)
	seedRun(t, st, "app-a", now.Add(-time.Minute))
	seedRun(t, st, "app-b", now)

	t.Run("filters by app_id", func(t *testing.T) {
		resp, err := svc.ListRuns(ctx, ListRunsRequest{AppID: "app-a"})
		require.NoError(t, err)
		assert.Len(t, resp.Runs, 2)
	})

	t.Run("paginates with a next_page_token", func(t *testing.T) {
		resp, err := svc.ListRuns(ctx, ListRunsRequest{AppID: "app-a", PageSize: 1})
		require.NoError(t, err)
		require.Len(t, resp.Runs, 1)
		assert.NotEmpty(t, resp.NextPageToken)
	})

	t.Run("rejects a malformed page_token", func(t *testing.T) {
		_, err := svc.ListRuns(ctx, ListRunsRequest{PageToken: "not-a-timestamp"})
		assert.Error(t, err)
	})
}

func TestGetRunDetail(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := New(st)

	run := seedRun(t, st, "app-a", time.Now())
	require.NoError(t, st.InsertEvent(ctx, domain.Event{
		EventID: "ev-1", RunID: run.RunID, StepID: "s1", EventType: "run_started",
		SequenceNo: 1, IdempotencyKey: "k1",
	}))

	t.Run("returns the run with event-type counters", func(t *testing.T) {
		detail, err := svc.GetRunDetail(ctx, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, run.RunID, detail.Run.RunID)
		assert.Equal(t, 1, detail.Counts["run_started"])
		assert.Equal(t, 1, detail.Counts["total_events"])
	})

	t.Run("unknown run is NOT_FOUND", func(t *testing.T) {
		_, err := svc.GetRunDetail(ctx, "missing")
		assert.Error(t, err)
	})
}

func TestListEvents(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := New(st)
	run := seedRun(t, st, "app-a", time.Now())

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, st.InsertEvent(ctx, domain.Event{
			EventID: "ev-" + string(rune('0'+i)), RunID: run.RunID, StepID: "s1",
			EventType: "tool_called", SequenceNo: i, IdempotencyKey: "k" + string(rune('0'+i)),
		}))
	}

	resp, err := svc.ListEvents(ctx, ListEventsRequest{RunID: run.RunID})
	require.NoError(t, err)
	require.Len(t, resp.Events, 3)
	assert.True(t, resp.Events[0].SequenceNo < resp.Events[1].SequenceNo, "events are ordered by sequence_no ascending")
}

func TestGetArtifactMetadata(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	svc := New(st)

	require.NoError(t, st.UpsertArtifact(ctx, domain.Artifact{ArtifactHash: "h1", Status: domain.ArtifactStatusReady}))

	t.Run("found", func(t *testing.T) {
		artifact, err := svc.GetArtifactMetadata(ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, domain.ArtifactStatusReady, artifact.Status)
	})

	t.Run("not found", func(t *testing.T) {
		_, err := svc.GetArtifactMetadata(ctx, "missing")
		assert.Error(t, err)
	})
}
