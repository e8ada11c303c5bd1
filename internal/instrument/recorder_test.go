package instrument

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flightrecorder/core/internal/artifacts"
	"github.com/flightrecorder/core/internal/artifactstore"
	"github.com/flightrecorder/core/internal/domain"
	"github.com/flightrecorder/core/internal/ingest"
	"github.com/flightrecorder/core/internal/redact"
	"github.com/flightrecorder/core/internal/store"
)

type fakeChatModel struct {
	result ChatResult
	err    error
}

func (f *fakeChatModel) Provider() string   { return "fake" }
func (f *fakeChatModel) ModelID() string    { return "fake-model" }
func (f *fakeChatModel) APIVersion() string { return "v0" }
func (f *fakeChatModel) Chat(ctx context.Context, messages []Message, tools []ToolSpec) (ChatResult, error) {
	return f.result, f.err
}

func newTestRecorder(t *testing.T, chat ChatModel) (*Recorder, store.Store, domain.Run) {
	t.Helper()
	st := store.NewMemoryStore()
	blobs, err := artifactstore.NewLocalStore(t.TempDir(), "bucket")
	require.NoError(t, err)
	artifactSvc := artifacts.New(st, blobs, redact.New(nil, nil), true, "bucket", nil)
	ingestSvc := ingest.New(st, nil)

	run, err := ingestSvc.CreateRun(context.Background(), ingest.CreateRunRequest{AppID: "app-1"})
	require.NoError(t, err)
	_, err = ingestSvc.IngestEvent(context.Background(), run, "seed", domain.CanonicalEvent{
		SchemaVersion: "1.0", RunID: run.RunID, StepID: "step-1", SequenceNo: 1,
		EventType: "run_started", TimestampUTC: time.Now(),
		Payload: map[string]any{"app_id": "app-1", "environment": "prod", "entrypoint_name": "main"},
	})
	require.NoError(t, err)

	return NewRecorder(chat, ingestSvc, artifactSvc, 0.2, 0.9, 512), st, run
}

func eventByType(t *testing.T, st store.Store, runID, eventType string) domain.Event {
	t.Helper()
	events, err := st.ListEventsByRun(context.Background(), runID)
	require.NoError(t, err)
	for _, ev := range events {
		if ev.EventType == eventType {
			return ev
		}
	}
	t.Fatalf("no %s event found for run %s", eventType, runID)
	return domain.Event{}
}

func TestSequenceCounter(t *testing.T) {
	c := NewSequenceCounter(5)
	assert.Equal(t, int64(6), c.Next())
	assert.Equal(t, int64(7), c.Next())
}

func TestRecorder_Chat_Success(t *testing.T) {
	chat := &fakeChatModel{result: ChatResult{
		Text:         "hello",
		FinishReason: "stop",
		Usage:        Usage{TokensIn: 10, TokensOut: 4},
	}}
	recorder, st, run := newTestRecorder(t, chat)
	seq := NewSequenceCounter(1)

	result, err := recorder.Chat(context.Background(), run, "step-2", seq, []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "hello", result.Text)

	calledEvent := eventByType(t, st, run.RunID, "model_called")
	assert.Equal(t, "fake", calledEvent.Payload["provider"])
	assert.Equal(t, 0.2, calledEvent.Payload["temperature"])

	resultEvent := eventByType(t, st, run.RunID, "model_result")
	assert.Equal(t, "stop", resultEvent.Payload["finish_reason"])
}

func TestRecorder_Chat_ProviderError(t *testing.T) {
	chat := &fakeChatModel{err: errors.New("provider unavailable")}
	recorder, st, run := newTestRecorder(t, chat)
	seq := NewSequenceCounter(1)

	_, err := recorder.Chat(context.Background(), run, "step-2", seq, []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provider unavailable")

	resultEvent := eventByType(t, st, run.RunID, "model_result")
	assert.Equal(t, "error", resultEvent.Payload["finish_reason"], "a provider failure still closes with a model_result event")
}
