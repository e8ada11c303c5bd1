// Package store provides persistence for runs, steps, events, artifacts,
// replay sessions, jobs, and audit log entries, with SQLite (embedded/dev),
// Postgres (production), and in-memory (test) backends.
package store

import (
	"context"
	"errors"

	"github.com/flightrecorder/core/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// RunFilter narrows a ListRuns query. Zero-value fields are not applied.
type RunFilter struct {
	AppID       string
	Environment string
	Status      string
	SourceType  string
	FromUTCUnix int64
	ToUTCUnix   int64
	// CursorBeforeUnix, when non-zero, restricts to runs started strictly
	// before this Unix timestamp (descending-time pagination cursor).
	CursorBeforeUnix int64
	PageSize         int
}

// EventFilter narrows a ListEvents query. Zero-value fields are not applied.
type EventFilter struct {
	RunID          string
	EventType      string
	StepID         string
	SequenceFrom   *int64
	SequenceTo     *int64
	CursorAfterSeq *int64
	PageSize       int
}

// Store is the persistence interface every recorder service depends on.
// RunInTx scopes a group of operations to a single transaction; the fn
// callback receives a context carrying the active transaction, which every
// other Store method picks up transparently.
type Store interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
	// LockRun serializes concurrent writers against a single run for the
	// remainder of the active transaction. SQLite and the in-memory backend
	// already serialize all writes and treat this as a no-op; the Postgres
	// backend takes a transaction-scoped advisory lock keyed on run_id.
	LockRun(ctx context.Context, runID string) error

	CreateRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, runID string) (domain.Run, error)
	UpdateRunStatus(ctx context.Context, runID, status string) error
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)

	UpsertStep(ctx context.Context, step domain.Step) error
	GetStep(ctx context.Context, runID, stepID string) (domain.Step, error)

	FindEventByIdempotencyKey(ctx context.Context, key string) (*domain.Event, error)
	MaxSequenceNo(ctx context.Context, runID string) (seq int64, ok bool, err error)
	CountTerminalEvents(ctx context.Context, runID string) (int, error)
	CountPriorEvents(ctx context.Context, runID, stepID, eventType string, beforeSeq int64) (int, error)
	InsertEvent(ctx context.Context, event domain.Event) error
	ListEventsByRun(ctx context.Context, runID string) ([]domain.Event, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]domain.Event, error)
	EventTypeCounts(ctx context.Context, runID string) (map[string]int, error)

	GetArtifact(ctx context.Context, hash string) (*domain.Artifact, error)
	UpsertArtifact(ctx context.Context, artifact domain.Artifact) error
	InsertEventArtifact(ctx context.Context, ea domain.EventArtifact) error

	CreateReplaySession(ctx context.Context, session domain.ReplaySession) error
	GetReplaySession(ctx context.Context, id string) (domain.ReplaySession, error)
	UpdateReplaySession(ctx context.Context, session domain.ReplaySession) error

	InsertJob(ctx context.Context, job domain.Job) (int64, error)
	FetchNextJob(ctx context.Context, jobType string) (*domain.Job, error)
	MarkJobSuccess(ctx context.Context, jobID int64) error
	MarkJobFailure(ctx context.Context, jobID int64, errMsg string) error
	CountPendingJobs(ctx context.Context, jobType string) (int, error)

	InsertAuditLog(ctx context.Context, entry domain.AuditLog) error

	Close() error
}
