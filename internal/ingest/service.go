// Package ingest implements run creation, event ingestion (validation,
// idempotency dedup, implicit step upsert, terminal-state transitions),
// and run finalization.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/flightrecorder/core/internal/apperr"
	"github.com/flightrecorder/core/internal/domain"
	"github.com/flightrecorder/core/internal/store"
	"github.com/flightrecorder/core/internal/telemetry"
)

var tracer = otel.Tracer("github.com/flightrecorder/core/internal/ingest")

// CreateRunRequest is the payload accepted by CreateRun.
type CreateRunRequest struct {
	AppID          string
	Environment    string
	SourceType     string
	Tags           map[string]any
	RetentionClass string
}

// FinalizeRunRequest closes out a run that never received a terminal
// event through the normal ingestion path.
type FinalizeRunRequest struct {
	FinalStatus       string
	TerminalEventRef  *string
}

// IngestResult is returned by IngestEvent.
type IngestResult struct {
	Event    domain.Event
	Created  bool
	Warnings []string
}

// Service implements run lifecycle and event ingestion.
type Service struct {
	store   store.Store
	metrics *telemetry.Metrics
}

// New builds an ingest Service. metrics may be nil to disable metric
// recording.
func New(st store.Store, metrics *telemetry.Metrics) *Service {
	return &Service{store: st, metrics: metrics}
}

// CreateRun starts a new live run.
func (s *Service) CreateRun(ctx context.Context, req CreateRunRequest) (domain.Run, error) {
	run := domain.Run{
		RunID:          uuid.NewString(),
		TraceID:        uuid.NewString(),
		AppID:          req.AppID,
		Environment:    req.Environment,
		Status:         domain.RunStatusRunning,
		StartedAtUTC:   time.Now(),
		SourceType:     req.SourceType,
		Tags:           req.Tags,
		RetentionClass: req.RetentionClass,
	}
	if run.SourceType == "" {
		run.SourceType = domain.SourceTypeLive
	}
	if run.RetentionClass == "" {
		run.RetentionClass = "dev_short"
	}

	if err := s.store.CreateRun(ctx, run); err != nil {
		return domain.Run{}, apperr.Storage("create run", err)
	}
	return run, nil
}

// GetRunOrError looks up a run, returning a NOT_FOUND error when absent.
func (s *Service) GetRunOrError(ctx context.Context, runID string) (domain.Run, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err == store.ErrNotFound {
		return domain.Run{}, apperr.NotFound("run not found", map[string]any{"run_id": runID})
	}
	if err != nil {
		return domain.Run{}, apperr.Storage("load run", err)
	}
	return run, nil
}

// IngestEvent validates and persists a single canonical event. It is
// idempotent on idempotencyKey: a repeat of a previously accepted key
// returns the existing event with Created=false and no validation re-run.
func (s *Service) IngestEvent(ctx context.Context, run domain.Run, idempotencyKey string, event domain.CanonicalEvent) (IngestResult, error) {
	ctx, span := telemetry.StartSpan(ctx, tracer, "ingest.IngestEvent", run.RunID, event.StepID)
	defer span.End()

	start := time.Now()
	result, err := s.ingestEvent(ctx, run, idempotencyKey, event)

	if s.metrics != nil {
		outcome := "accepted"
		if err != nil {
			outcome = "rejected"
		}
		s.metrics.RecordIngest(event.EventType, outcome, time.Since(start))
	}
	return result, err
}

func (s *Service) ingestEvent(ctx context.Context, run domain.Run, idempotencyKey string, event domain.CanonicalEvent) (IngestResult, error) {
	var result IngestResult

	err := s.store.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.store.LockRun(ctx, run.RunID); err != nil {
			return apperr.Storage("lock run", err)
		}

		existing, err := s.store.FindEventByIdempotencyKey(ctx, idempotencyKey)
		if err != nil {
			return apperr.Storage("look up idempotency key", err)
		}
		if existing != nil {
			result = IngestResult{Event: *existing, Created: false}
			return nil
		}

		validation, err := validateEvent(ctx, s.store, run, event)
		if err != nil {
			return err
		}

		if err := s.upsertStep(ctx, event); err != nil {
			return err
		}

		dbEvent := domain.Event{
			EventID:         uuid.NewString(),
			RunID:           event.RunID,
			StepID:          event.StepID,
			ParentStepID:    event.ParentStepID,
			EventType:       event.EventType,
			SchemaVersion:   event.SchemaVersion,
			Payload:         event.Payload,
			RedactionStatus: event.RedactionStatus,
			CreatedAtUTC:    time.Now(),
			IdempotencyKey:  idempotencyKey,
			SequenceNo:      event.SequenceNo,
			TimestampUTC:    event.TimestampUTC,
			ActorType:       event.ActorType,
			DeterminismMode: event.DeterminismMode,
		}
		if dbEvent.RedactionStatus == "" {
			dbEvent.RedactionStatus = domain.RedactionNotRequired
		}
		if dbEvent.ActorType == "" {
			dbEvent.ActorType = domain.ActorSDK
		}
		if dbEvent.DeterminismMode == "" {
			dbEvent.DeterminismMode = domain.ModeLive
		}

		for _, ref := range event.ArtifactRefs {
			existingArtifact, err := s.store.GetArtifact(ctx, ref.ArtifactHash)
			if err != nil {
				return apperr.Storage("look up referenced artifact", err)
			}
			if existingArtifact == nil {
				if err := s.store.UpsertArtifact(ctx, domain.Artifact{
					ArtifactHash:     ref.ArtifactHash,
					ArtifactType:     ref.ArtifactType,
					ByteSize:         ref.ByteSize,
					MimeType:         ref.MimeType,
					ContentEncoding:  ref.ContentEncoding,
					RedactionProfile: ref.RedactionProfile,
					StorageBucket:    "pending",
					StorageObjectKey: "pending",
					CreatedAtUTC:     time.Now(),
					Status:           domain.ArtifactStatusPending,
					HashAlgorithm:    "sha256",
				}); err != nil {
					return apperr.Storage("pre-register referenced artifact", err)
				}
				dbEvent.ArtifactPending = true
			}
		}

		if err := s.store.InsertEvent(ctx, dbEvent); err != nil {
			return apperr.Storage("insert event", err)
		}

		for _, ref := range event.ArtifactRefs {
			if err := s.store.InsertEventArtifact(ctx, domain.EventArtifact{
				EventID:       dbEvent.EventID,
				ArtifactHash:  ref.ArtifactHash,
				ReferenceRole: ref.ArtifactType,
			}); err != nil {
				return apperr.Storage("link event artifact", err)
			}
		}

		if domain.TerminalEventTypes[event.EventType] {
			status := domain.RunStatusSuccess
			if event.EventType == "run_failed" {
				status = domain.RunStatusFailed
			}
			if err := s.store.UpdateRunStatus(ctx, run.RunID, status); err != nil {
				return apperr.Storage("update run status on terminal event", err)
			}
		}

		result = IngestResult{Event: dbEvent, Created: true, Warnings: validation.Warnings}
		return nil
	})
	if err != nil {
		return IngestResult{}, err
	}
	return result, nil
}

// upsertStep creates or extends the step an event belongs to. A step's
// sequence_no tracks the minimum sequence number across every event that
// has upserted it, so steps whose defining events arrive out of insertion
// order (but still causally valid) report their true start.
func (s *Service) upsertStep(ctx context.Context, event domain.CanonicalEvent) error {
	existing, err := s.store.GetStep(ctx, event.RunID, event.StepID)
	if err == store.ErrNotFound {
		return s.store.UpsertStep(ctx, domain.Step{
			StepID:          event.StepID,
			RunID:           event.RunID,
			ParentStepID:    event.ParentStepID,
			SequenceNo:      event.SequenceNo,
			StepType:        event.EventType,
			StartedAtUTC:    event.TimestampUTC,
			DeterminismMode: event.DeterminismMode,
		})
	}
	if err != nil {
		return apperr.Storage("load step", err)
	}

	seq := existing.SequenceNo
	if event.SequenceNo < seq {
		seq = event.SequenceNo
	}
	endedAt := event.TimestampUTC
	return s.store.UpsertStep(ctx, domain.Step{
		StepID:          existing.StepID,
		RunID:           existing.RunID,
		ParentStepID:    existing.ParentStepID,
		SequenceNo:      seq,
		StepType:        existing.StepType,
		StartedAtUTC:    existing.StartedAtUTC,
		EndedAtUTC:      &endedAt,
		DeterminismMode: event.DeterminismMode,
	})
}

// FinalizeRun closes out a run that did not receive a terminal event
// through normal ingestion (e.g. the client crashed mid-run).
func (s *Service) FinalizeRun(ctx context.Context, run domain.Run, req FinalizeRunRequest) (domain.Run, error) {
	if req.FinalStatus != domain.RunStatusSuccess && req.FinalStatus != domain.RunStatusFailed {
		return domain.Run{}, apperr.Validation(
			"final_status must be 'success' or 'failed'",
			map[string]any{"final_status": req.FinalStatus},
		)
	}

	if err := s.store.UpdateRunStatus(ctx, run.RunID, req.FinalStatus); err != nil {
		return domain.Run{}, apperr.Storage("finalize run", err)
	}
	run.Status = req.FinalStatus
	now := time.Now()
	run.EndedAtUTC = &now
	return run, nil
}
