package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flightrecorder/core/internal/artifacts"
	"github.com/flightrecorder/core/internal/artifactstore"
	"github.com/flightrecorder/core/internal/ingest"
	"github.com/flightrecorder/core/internal/jobqueue"
	"github.com/flightrecorder/core/internal/query"
	"github.com/flightrecorder/core/internal/redact"
	"github.com/flightrecorder/core/internal/replay"
	"github.com/flightrecorder/core/internal/store"
)

func newTestRouter(t *testing.T, authEnabled bool) http.Handler {
	t.Helper()
	st := store.NewMemoryStore()
	blobs, err := artifactstore.NewLocalStore(t.TempDir(), "bucket")
	require.NoError(t, err)

	api := NewAPI(
		ingest.New(st, nil),
		query.New(st),
		artifacts.New(st, blobs, redact.New(nil, nil), true, "bucket", nil),
		replay.New(st),
		jobqueue.New(st),
	)

	return NewRouter(api, zap.NewNop(), RouterConfig{
		AuthEnabled:     authEnabled,
		AuthToken:       "secret-token",
		MetricsEnabled:  true,
		MetricsRegistry: prometheus.NewRegistry(),
	})
}

func doRequest(t *testing.T, router http.Handler, method, path string, body any, authHeader string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t, false)
	rec := doRequest(t, router, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	router := newTestRouter(t, false)
	rec := doRequest(t, router, http.MethodGet, "/metrics", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestNotFound(t *testing.T) {
	router := newTestRouter(t, false)
	rec := doRequest(t, router, http.MethodGet, "/v1/nope", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	env := decodeEnvelope(t, rec)
	assert.Equal(t, "error", env.Status)
}

func TestAuth_RejectsMissingAndWrongToken(t *testing.T) {
	router := newTestRouter(t, true)

	rec := doRequest(t, router, http.MethodGet, "/v1/runs", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/v1/runs", nil, "Bearer wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/v1/runs", nil, "Bearer secret-token")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateRunAndIngestEventAndFinalize(t *testing.T) {
	router := newTestRouter(t, false)

	rec := doRequest(t, router, http.MethodPost, "/v1/runs", createRunRequest{
		AppID: "app-1", Environment: "prod", SourceType: "agent_sdk",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	env := decodeEnvelope(t, rec)
	require.Equal(t, "success", env.Status)

	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var created createRunResponse
	require.NoError(t, json.Unmarshal(data, &created))
	require.NotEmpty(t, created.RunID)

	rec = doRequest(t, router, http.MethodPost, "/v1/runs/"+created.RunID+"/events", ingestEventRequest{
		IdempotencyKey: "evt-1",
		Event: canonicalEventDTO{
			SchemaVersion: "1.0",
			StepID:        "step-1",
			SequenceNo:    1,
			EventType:     "run_started",
			Payload: map[string]any{
				"app_id": "app-1", "environment": "prod", "entrypoint_name": "main",
			},
		},
	}, "")
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = doRequest(t, router, http.MethodGet, "/v1/runs/"+created.RunID+"/events", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	env = decodeEnvelope(t, rec)
	data, err = json.Marshal(env.Data)
	require.NoError(t, err)
	var listed listEventsResponse
	require.NoError(t, json.Unmarshal(data, &listed))
	assert.Len(t, listed.Items, 1)

	rec = doRequest(t, router, http.MethodPost, "/v1/runs/"+created.RunID+"/finalize", finalizeRunRequest{
		FinalStatus: "success",
	}, "")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestIngestEvent_UnknownRun(t *testing.T) {
	router := newTestRouter(t, false)
	rec := doRequest(t, router, http.MethodPost, "/v1/runs/does-not-exist/events", ingestEventRequest{
		IdempotencyKey: "evt-1",
		Event: canonicalEventDTO{
			SchemaVersion: "1.0", StepID: "step-1", SequenceNo: 1, EventType: "run_started",
			Payload: map[string]any{"app_id": "app-1", "environment": "prod", "entrypoint_name": "main"},
		},
	}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterArtifactAndFetch(t *testing.T) {
	router := newTestRouter(t, false)

	rec := doRequest(t, router, http.MethodPost, "/v1/artifacts", registerArtifactRequest{
		ArtifactType: "model_request",
		MimeType:     "application/json",
		ContentText:  strPtr(`{"hello":"world"}`),
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	env := decodeEnvelope(t, rec)
	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var registered registerArtifactResponse
	require.NoError(t, json.Unmarshal(data, &registered))
	require.NotEmpty(t, registered.ArtifactHash)

	rec = doRequest(t, router, http.MethodGet, "/v1/artifacts/"+registered.ArtifactHash, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListRuns_Filters(t *testing.T) {
	router := newTestRouter(t, false)

	_ = doRequest(t, router, http.MethodPost, "/v1/runs", createRunRequest{AppID: "app-a"}, "")
	_ = doRequest(t, router, http.MethodPost, "/v1/runs", createRunRequest{AppID: "app-b"}, "")

	rec := doRequest(t, router, http.MethodGet, "/v1/runs?app_id=app-a", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	env := decodeEnvelope(t, rec)
	data, err := json.Marshal(env.Data)
	require.NoError(t, err)
	var listed listRunsResponse
	require.NoError(t, json.Unmarshal(data, &listed))
	require.Len(t, listed.Items, 1)
	assert.Equal(t, "app-a", listed.Items[0].AppID)
}

func strPtr(s string) *string { return &s }
