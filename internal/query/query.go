// Package query implements the recorder's read side: cursor-paginated
// run and event listing, run detail with event-type counters, and
// artifact metadata lookup.
package query

import (
	"context"
	"strconv"
	"time"

	"github.com/flightrecorder/core/internal/apperr"
	"github.com/flightrecorder/core/internal/domain"
	"github.com/flightrecorder/core/internal/store"
)

const (
	defaultRunPageSize   = 50
	maxRunPageSize       = 200
	defaultEventPageSize = 200
	maxEventPageSize     = 500
)

// ListRunsRequest narrows a run listing. PageToken is the opaque cursor
// returned as NextPageToken on a prior call.
type ListRunsRequest struct {
	AppID       string
	Environment string
	Status      string
	SourceType  string
	FromUTC     *time.Time
	ToUTC       *time.Time
	PageSize    int
	PageToken   string
}

// ListRunsResponse is one page of run results.
type ListRunsResponse struct {
	Runs          []domain.Run
	NextPageToken string
}

// ListEventsRequest narrows an event listing within a single run.
type ListEventsRequest struct {
	RunID        string
	EventType    string
	StepID       string
	SequenceFrom *int64
	SequenceTo   *int64
	PageSize     int
	PageToken    string
}

// ListEventsResponse is one page of event results.
type ListEventsResponse struct {
	Events        []domain.Event
	NextPageToken string
}

// RunDetail bundles a run with per-event-type counters, including a
// synthetic "total_events" key.
type RunDetail struct {
	Run     domain.Run
	Counts  map[string]int
}

// Service implements the recorder's read-side queries.
type Service struct {
	store store.Store
}

// New builds a query Service.
func New(st store.Store) *Service {
	return &Service{store: st}
}

// ListRuns returns one page of runs ordered by started_at_utc descending.
func (s *Service) ListRuns(ctx context.Context, req ListRunsRequest) (ListRunsResponse, error) {
	pageSize := clamp(req.PageSize, defaultRunPageSize, 1, maxRunPageSize)

	filter := store.RunFilter{
		AppID:       req.AppID,
		Environment: req.Environment,
		Status:      req.Status,
		SourceType:  req.SourceType,
		PageSize:    pageSize,
	}
	if req.FromUTC != nil {
		filter.FromUTCUnix = req.FromUTC.Unix()
	}
	if req.ToUTC != nil {
		filter.ToUTCUnix = req.ToUTC.Unix()
	}
	if req.PageToken != "" {
		cursor, err := time.Parse(time.RFC3339Nano, req.PageToken)
		if err != nil {
			return ListRunsResponse{}, apperr.Validation("invalid page_token", map[string]any{"page_token": req.PageToken})
		}
		filter.CursorBeforeUnix = cursor.Unix()
	}

	rows, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return ListRunsResponse{}, apperr.Storage("list runs", err)
	}

	var nextToken string
	if len(rows) > pageSize {
		nextToken = rows[pageSize-1].StartedAtUTC.Format(time.RFC3339Nano)
		rows = rows[:pageSize]
	}

	return ListRunsResponse{Runs: rows, NextPageToken: nextToken}, nil
}

// GetRunDetail returns a run along with event-type counters across its
// full event log.
func (s *Service) GetRunDetail(ctx context.Context, runID string) (RunDetail, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err == store.ErrNotFound {
		return RunDetail{}, apperr.NotFound("run not found", map[string]any{"run_id": runID})
	}
	if err != nil {
		return RunDetail{}, apperr.Storage("load run", err)
	}

	counts, err := s.store.EventTypeCounts(ctx, runID)
	if err != nil {
		return RunDetail{}, apperr.Storage("count events by type", err)
	}
	return RunDetail{Run: run, Counts: counts}, nil
}

// ListEvents returns one page of events for a single run, ordered by
// sequence_no ascending.
func (s *Service) ListEvents(ctx context.Context, req ListEventsRequest) (ListEventsResponse, error) {
	pageSize := clamp(req.PageSize, defaultEventPageSize, 1, maxEventPageSize)

	filter := store.EventFilter{
		RunID:        req.RunID,
		EventType:    req.EventType,
		StepID:       req.StepID,
		SequenceFrom: req.SequenceFrom,
		SequenceTo:   req.SequenceTo,
		PageSize:     pageSize,
	}
	if req.PageToken != "" {
		cursor, err := strconv.ParseInt(req.PageToken, 10, 64)
		if err != nil {
			return ListEventsResponse{}, apperr.Validation("invalid page_token", map[string]any{"page_token": req.PageToken})
		}
		filter.CursorAfterSeq = &cursor
	}

	rows, err := s.store.ListEvents(ctx, filter)
	if err != nil {
		return ListEventsResponse{}, apperr.Storage("list events", err)
	}

	var nextToken string
	if len(rows) > pageSize {
		nextToken = strconv.FormatInt(rows[pageSize-1].SequenceNo, 10)
		rows = rows[:pageSize]
	}

	return ListEventsResponse{Events: rows, NextPageToken: nextToken}, nil
}

// GetArtifactMetadata returns a registered artifact's metadata.
func (s *Service) GetArtifactMetadata(ctx context.Context, artifactHash string) (domain.Artifact, error) {
	artifact, err := s.store.GetArtifact(ctx, artifactHash)
	if err != nil {
		return domain.Artifact{}, apperr.Storage("load artifact", err)
	}
	if artifact == nil {
		return domain.Artifact{}, apperr.NotFound("artifact not found", map[string]any{"artifact_hash": artifactHash})
	}
	return *artifact, nil
}

func clamp(value, fallback, min, max int) int {
	if value <= 0 {
		value = fallback
	}
	if value < min {
		return min
	}
	if value > max {
		return max
	}
	return value
}
