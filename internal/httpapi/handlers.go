package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flightrecorder/core/internal/apperr"
	"github.com/flightrecorder/core/internal/artifacts"
	"github.com/flightrecorder/core/internal/ingest"
	"github.com/flightrecorder/core/internal/jobqueue"
	"github.com/flightrecorder/core/internal/query"
	"github.com/flightrecorder/core/internal/replay"
)

// API bundles the services the HTTP handlers call into.
type API struct {
	ingest    *ingest.Service
	query     *query.Service
	artifacts *artifacts.Service
	replay    *replay.Service
	jobs      *jobqueue.Queue
}

// NewAPI builds an API.
func NewAPI(ingestSvc *ingest.Service, querySvc *query.Service, artifactSvc *artifacts.Service, replaySvc *replay.Service, jobs *jobqueue.Queue) *API {
	return &API{ingest: ingestSvc, query: querySvc, artifacts: artifactSvc, replay: replaySvc, jobs: jobs}
}

func (a *API) createRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	run, err := a.ingest.CreateRun(r.Context(), ingest.CreateRunRequest{
		AppID:          req.AppID,
		Environment:    req.Environment,
		SourceType:     req.SourceType,
		Tags:           req.Tags,
		RetentionClass: req.RetentionClass,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeData(w, r, http.StatusCreated, createRunResponse{RunID: run.RunID, TraceID: run.TraceID, Status: run.Status})
}

func (a *API) ingestEvent(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var req ingestEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	run, err := a.ingest.GetRunOrError(r.Context(), runID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	event := req.Event.toDomain()
	event.RunID = runID

	result, err := a.ingest.IngestEvent(r.Context(), run, req.IdempotencyKey, event)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusCreated
	if !result.Created {
		status = http.StatusOK
	}
	writeData(w, r, status, ingestEventResponse{
		EventID:            result.Event.EventID,
		Accepted:           result.Created,
		ValidationWarnings: result.Warnings,
	})
}

func (a *API) finalizeRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var req finalizeRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	run, err := a.ingest.GetRunOrError(r.Context(), runID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	updated, err := a.ingest.FinalizeRun(r.Context(), run, ingest.FinalizeRunRequest{
		FinalStatus:      req.FinalStatus,
		TerminalEventRef: req.TerminalEventRef,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeData(w, r, http.StatusOK, finalizeRunResponse{RunID: updated.RunID, Status: updated.Status})
}

func (a *API) registerArtifact(w http.ResponseWriter, r *http.Request) {
	var req registerArtifactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	resp, err := a.artifacts.RegisterArtifact(r.Context(), artifacts.RegisterRequest{
		ArtifactType:     req.ArtifactType,
		ByteSize:         req.ByteSize,
		MimeType:         req.MimeType,
		RedactionProfile: req.RedactionProfile,
		ContentHash:      req.ContentHash,
		ContentBase64:    req.ContentBase64,
		ContentText:      req.ContentText,
		RetentionClass:   req.RetentionClass,
		ContentEncoding:  req.ContentEncoding,
		FieldPolicies:    req.FieldPolicies,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeData(w, r, http.StatusCreated, registerArtifactResponse{
		ArtifactHash:   resp.ArtifactHash,
		UploadRequired: resp.UploadRequired,
		UploadTarget:   uploadTarget{Bucket: resp.UploadTarget.Bucket, ObjectKey: resp.UploadTarget.ObjectKey},
	})
}

func (a *API) getArtifact(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "artifactHash")

	artifact, err := a.query.GetArtifactMetadata(r.Context(), hash)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeData(w, r, http.StatusOK, artifactMetadataResponse{
		ArtifactHash:     artifact.ArtifactHash,
		ArtifactType:     artifact.ArtifactType,
		ByteSize:         artifact.ByteSize,
		MimeType:         artifact.MimeType,
		ContentEncoding:  artifact.ContentEncoding,
		RedactionProfile: artifact.RedactionProfile,
		Status:           artifact.Status,
		BlockedReason:    artifact.BlockedReason,
		StorageBucket:    artifact.StorageBucket,
		StorageObjectKey: artifact.StorageObjectKey,
	})
}

func (a *API) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	req := query.ListRunsRequest{
		AppID:       q.Get("app_id"),
		Environment: q.Get("environment"),
		Status:      q.Get("status"),
		SourceType:  q.Get("source_type"),
		PageToken:   q.Get("page_token"),
	}
	if size := q.Get("page_size"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			req.PageSize = n
		}
	}

	resp, err := a.query.ListRuns(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]runSummaryDTO, 0, len(resp.Runs))
	for _, run := range resp.Runs {
		items = append(items, runToDTO(run))
	}
	writeData(w, r, http.StatusOK, listRunsResponse{Items: items, NextPageToken: resp.NextPageToken})
}

func (a *API) getRunDetail(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	detail, err := a.query.GetRunDetail(r.Context(), runID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeData(w, r, http.StatusOK, runDetailResponse{Run: runToDTO(detail.Run), Counters: detail.Counts})
}

func (a *API) listEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	q := r.URL.Query()

	req := query.ListEventsRequest{
		RunID:     runID,
		EventType: q.Get("event_type"),
		StepID:    q.Get("step_id"),
		PageToken: q.Get("page_token"),
	}
	if size := q.Get("page_size"); size != "" {
		if n, err := strconv.Atoi(size); err == nil {
			req.PageSize = n
		}
	}

	resp, err := a.query.ListEvents(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}

	items := make([]eventViewDTO, 0, len(resp.Events))
	for _, ev := range resp.Events {
		items = append(items, eventToDTO(ev))
	}
	writeData(w, r, http.StatusOK, listEventsResponse{Items: items, NextPageToken: resp.NextPageToken})
}

func (a *API) createReplaySession(w http.ResponseWriter, r *http.Request) {
	var req createReplaySessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	ac := authFromContext(r.Context())
	session, err := a.replay.CreateReplaySession(r.Context(), req.SourceRunID, req.ForkStepID, req.Overrides.toDomain(), ac.ActorID, ac.ActorType)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if _, err := a.jobs.EnqueueReplayExecute(r.Context(), session.ReplaySessionID); err != nil {
		writeError(w, r, err)
		return
	}

	writeData(w, r, http.StatusCreated, createReplaySessionResponse{ReplaySessionID: session.ReplaySessionID, Status: session.Status})
}

func (a *API) getReplaySession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "replaySessionID")

	session, err := a.replay.GetReplaySession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeData(w, r, http.StatusOK, replayToDTO(session))
}

func (a *API) cancelReplaySession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "replaySessionID")

	session, err := a.replay.CancelReplaySession(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeData(w, r, http.StatusOK, cancelReplayResponse{Status: session.Status, CancelledAtUTC: time.Now()})
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeError(w, r, apperr.NotFound("route not found", map[string]any{"path": r.URL.Path}))
}
