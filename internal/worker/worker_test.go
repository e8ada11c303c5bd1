package worker

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flightrecorder/core/internal/domain"
	"github.com/flightrecorder/core/internal/jobqueue"
	"github.com/flightrecorder/core/internal/replay"
	"github.com/flightrecorder/core/internal/store"
	"github.com/flightrecorder/core/internal/telemetry"
)

func newTestWorker(t *testing.T, st store.Store) (*Worker, *jobqueue.Queue) {
	t.Helper()
	queue := jobqueue.New(st)
	replaySvc := replay.New(st)
	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	w := New(queue, replaySvc, zap.NewNop(), metrics, 10*time.Millisecond)
	return w, queue
}

func TestProcessOne_EmptyQueue(t *testing.T) {
	w, _ := newTestWorker(t, store.NewMemoryStore())

	handled, err := w.processOne(context.Background())
	require.NoError(t, err)
	assert.False(t, handled)
}

func TestProcessOne_UnsupportedJobType(t *testing.T) {
	st := store.NewMemoryStore()
	w, queue := newTestWorker(t, st)
	ctx := context.Background()

	_, err := st.InsertJob(ctx, domain.Job{JobType: "unknown_job"})
	require.NoError(t, err)
	_ = queue

	handled, err := w.processOne(ctx)
	require.NoError(t, err)
	assert.True(t, handled, "the job is claimed and failed, not left unhandled")
}

func TestProcessOne_ReplayExecuteMissingPayload(t *testing.T) {
	st := store.NewMemoryStore()
	w, _ := newTestWorker(t, st)
	ctx := context.Background()

	_, err := st.InsertJob(ctx, domain.Job{JobType: jobqueue.JobTypeReplayExecute, Payload: map[string]any{}})
	require.NoError(t, err)

	handled, err := w.processOne(ctx)
	require.NoError(t, err)
	assert.True(t, handled)
}

func TestProcessOne_ReplayExecuteSucceeds(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()

	run := domain.Run{RunID: "run-1", Status: domain.RunStatusSuccess, StartedAtUTC: time.Now()}
	require.NoError(t, st.CreateRun(ctx, run))
	require.NoError(t, st.InsertEvent(ctx, domain.Event{
		EventID: "ev-1", RunID: run.RunID, StepID: "step-1", EventType: "run_started",
		SequenceNo: 1, IdempotencyKey: "k1", TimestampUTC: time.Now(),
	}))

	replaySvc := replay.New(st)
	session, err := replaySvc.CreateReplaySession(ctx, run.RunID, nil, domain.ReplayOverrideProfile{}, "actor", "human")
	require.NoError(t, err)

	queue := jobqueue.New(st)
	_, err = queue.EnqueueReplayExecute(ctx, session.ReplaySessionID)
	require.NoError(t, err)

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	w := New(queue, replaySvc, zap.NewNop(), metrics, 10*time.Millisecond)

	handled, err := w.processOne(ctx)
	require.NoError(t, err)
	assert.True(t, handled)

	final, err := replaySvc.GetReplaySession(ctx, session.ReplaySessionID)
	require.NoError(t, err)
	assert.NotEqual(t, domain.ReplayStatusPending, final.Status)
}
