// Package replay implements deterministic replay: forking a terminal run
// at an optional step boundary, remapping step identifiers into a fresh
// derived run, and classifying every replayed event's determinism mode
// (exact/cached/simulated) against an operator-supplied override profile.
package replay

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/flightrecorder/core/internal/apperr"
	"github.com/flightrecorder/core/internal/domain"
	"github.com/flightrecorder/core/internal/store"
	"github.com/flightrecorder/core/internal/telemetry"
)

var tracer = otel.Tracer("github.com/flightrecorder/core/internal/replay")

const reasonSourceOutputReused = "source_output_reused"
const reasonSimulationOverride = "simulation_operator_override"
const reasonCacheHit = "cache_hit_signature_match"
const reasonCancelRequested = "cancel_requested"
const reasonArtifactMissing = "artifact_missing"
const reasonSourceRunEmpty = "source_run_empty"

// eventTypesReplayableFromCache are replayed as "cached" past the fork
// point when no override applies: their outputs are assumed to be a pure
// function of recorded inputs already captured in the source run.
var eventTypesReplayableFromCache = map[string]bool{
	"tool_called":        true,
	"tool_result":        true,
	"model_called":       true,
	"model_result":       true,
	"retrieval_executed": true,
}

// Service implements replay session lifecycle.
type Service struct {
	store store.Store
}

// New builds a replay Service.
func New(st store.Store) *Service {
	return &Service{store: st}
}

// CreateReplaySession validates the fork request against the source run
// and records a pending session plus its audit entry. It does not enqueue
// a job: the caller puts the returned session ID onto the job queue.
func (s *Service) CreateReplaySession(ctx context.Context, sourceRunID string, forkStepID *string, overrides domain.ReplayOverrideProfile, actorID, actorType string) (domain.ReplaySession, error) {
	sourceRun, err := s.store.GetRun(ctx, sourceRunID)
	if err == store.ErrNotFound {
		return domain.ReplaySession{}, apperr.NotFound("source_run_id not found", map[string]any{"source_run_id": sourceRunID})
	}
	if err != nil {
		return domain.ReplaySession{}, apperr.Storage("load source run", err)
	}

	if sourceRun.Status != domain.RunStatusSuccess && sourceRun.Status != domain.RunStatusFailed {
		return domain.ReplaySession{}, apperr.Validation(
			"source run must be terminal before replay",
			map[string]any{"status": sourceRun.Status},
		)
	}

	if forkStepID != nil && *forkStepID != "" {
		if _, err := s.store.GetStep(ctx, sourceRunID, *forkStepID); err == store.ErrNotFound {
			return domain.ReplaySession{}, apperr.Validation(
				"fork_step_id is not part of source run",
				map[string]any{"fork_step_id": *forkStepID},
			)
		} else if err != nil {
			return domain.ReplaySession{}, apperr.Storage("load fork step", err)
		}
	}

	session := domain.ReplaySession{
		ReplaySessionID: uuid.NewString(),
		SourceRunID:     sourceRunID,
		ForkStepID:      forkStepID,
		OverrideProfile: overrides,
		Status:          domain.ReplayStatusPending,
		StartedAtUTC:    time.Now(),
	}

	if err := s.store.CreateReplaySession(ctx, session); err != nil {
		return domain.ReplaySession{}, apperr.Storage("create replay session", err)
	}

	if err := s.store.InsertAuditLog(ctx, domain.AuditLog{
		AuditID:      uuid.NewString(),
		ActorID:      actorID,
		ActorType:    actorType,
		Action:       "replay_created",
		TargetType:   "replay_session",
		TargetID:     session.ReplaySessionID,
		TimestampUTC: time.Now(),
		Details: map[string]any{
			"source_run_id": sourceRunID,
			"fork_step_id":  forkStepID,
		},
	}); err != nil {
		return domain.ReplaySession{}, apperr.Storage("write replay audit log", err)
	}

	return session, nil
}

// GetReplaySession loads a replay session by ID.
func (s *Service) GetReplaySession(ctx context.Context, replaySessionID string) (domain.ReplaySession, error) {
	session, err := s.store.GetReplaySession(ctx, replaySessionID)
	if err == store.ErrNotFound {
		return domain.ReplaySession{}, apperr.NotFound("replay session not found", map[string]any{"replay_session_id": replaySessionID})
	}
	if err != nil {
		return domain.ReplaySession{}, apperr.Storage("load replay session", err)
	}
	return session, nil
}

// CancelReplaySession requests cancellation. A session still pending or
// running transitions immediately to failed_execution; a session that has
// already reached a terminal status is only flagged, since its outcome is
// already fixed.
func (s *Service) CancelReplaySession(ctx context.Context, replaySessionID string) (domain.ReplaySession, error) {
	session, err := s.GetReplaySession(ctx, replaySessionID)
	if err != nil {
		return domain.ReplaySession{}, err
	}

	session.CancelRequested = true
	if session.Status == domain.ReplayStatusPending || session.Status == domain.ReplayStatusRunning {
		session.Status = domain.ReplayStatusFailedExecution
		reason := reasonCancelRequested
		session.FailureReasonCode = &reason
		now := time.Now()
		session.EndedAtUTC = &now
	}

	if err := s.store.UpdateReplaySession(ctx, session); err != nil {
		return domain.ReplaySession{}, apperr.Storage("persist cancel request", err)
	}
	return session, nil
}

// ExecuteReplaySession runs one replay session to completion (or to a
// terminal failure). Already-terminal sessions are returned unchanged.
func (s *Service) ExecuteReplaySession(ctx context.Context, replaySessionID string) (domain.ReplaySession, error) {
	ctx, span := telemetry.StartSpan(ctx, tracer, "replay.ExecuteReplaySession", "", "")
	span.SetAttributes(attribute.String("flightrecorder.replay_session_id", replaySessionID))
	defer span.End()

	session, err := s.GetReplaySession(ctx, replaySessionID)
	if err != nil {
		return domain.ReplaySession{}, err
	}
	if session.Status != domain.ReplayStatusPending && session.Status != domain.ReplayStatusRunning {
		return session, nil
	}

	span.SetAttributes(attribute.String("flightrecorder.run_id", session.SourceRunID))
	session.Status = domain.ReplayStatusRunning
	if err := s.store.UpdateReplaySession(ctx, session); err != nil {
		return domain.ReplaySession{}, apperr.Storage("mark replay session running", err)
	}

	sourceRun, err := s.store.GetRun(ctx, session.SourceRunID)
	if err != nil {
		return domain.ReplaySession{}, apperr.Storage("load source run", err)
	}

	sourceEvents, err := s.store.ListEventsByRun(ctx, sourceRun.RunID)
	if err != nil {
		return domain.ReplaySession{}, apperr.Storage("load source events", err)
	}

	if len(sourceEvents) == 0 {
		return s.failValidation(ctx, session, reasonSourceRunEmpty, nil)
	}

	var pendingArtifactEventIDs []string
	for _, evt := range sourceEvents {
		if evt.ArtifactPending {
			pendingArtifactEventIDs = append(pendingArtifactEventIDs, evt.EventID)
		}
	}
	if len(pendingArtifactEventIDs) > 0 {
		return s.failValidation(ctx, session, reasonArtifactMissing, []string{reasonArtifactMissing})
	}

	derivedRun := domain.Run{
		RunID:          uuid.NewString(),
		TraceID:        uuid.NewString(),
		AppID:          sourceRun.AppID,
		Environment:    sourceRun.Environment,
		Status:         domain.RunStatusRunning,
		StartedAtUTC:   time.Now(),
		SourceType:     domain.SourceTypeReplay,
		SourceRunID:    &sourceRun.RunID,
		Tags:           map[string]any{"replay_session_id": session.ReplaySessionID},
		RetentionClass: sourceRun.RetentionClass,
	}
	if err := s.store.CreateRun(ctx, derivedRun); err != nil {
		return domain.ReplaySession{}, apperr.Storage("create derived run", err)
	}

	forkSequence := sourceEvents[0].SequenceNo
	if session.ForkStepID != nil && *session.ForkStepID != "" {
		for _, evt := range sourceEvents {
			if evt.StepID == *session.ForkStepID {
				forkSequence = evt.SequenceNo
				break
			}
		}
	}

	stepMap := remapSteps(derivedRun.RunID, sourceEvents)

	var reasonCodes []string
	modeCounts := map[string]int{}

	for index, sourceEvent := range sourceEvents {
		refreshed, err := s.store.GetReplaySession(ctx, session.ReplaySessionID)
		if err != nil {
			return domain.ReplaySession{}, apperr.Storage("reload replay session", err)
		}
		if refreshed.CancelRequested {
			return s.failExecution(ctx, session, reasonCancelRequested)
		}

		payload := clonePayload(sourceEvent.Payload)
		payload["source_run_id"] = sourceRun.RunID
		if session.ForkStepID != nil {
			payload["fork_step_id"] = *session.ForkStepID
		} else {
			payload["fork_step_id"] = nil
		}
		payload["override_profile_id"] = session.ReplaySessionID

		mode, reasonCode := determinismForEvent(sourceEvent, forkSequence, session.OverrideProfile, payload)
		payload["replay_reason_code"] = reasonCode
		reasonCodes = append(reasonCodes, reasonCode)
		modeCounts[mode]++

		newStepID := stepMap[sourceEvent.StepID]
		var newParentStepID *string
		if sourceEvent.ParentStepID != nil {
			if mapped, ok := stepMap[*sourceEvent.ParentStepID]; ok {
				newParentStepID = &mapped
			}
		}

		if _, err := s.store.GetStep(ctx, derivedRun.RunID, newStepID); err == store.ErrNotFound {
			if err := s.store.UpsertStep(ctx, domain.Step{
				StepID:          newStepID,
				RunID:           derivedRun.RunID,
				ParentStepID:    newParentStepID,
				SequenceNo:      int64(index),
				StepType:        sourceEvent.EventType,
				StartedAtUTC:    sourceEvent.TimestampUTC,
				DeterminismMode: mode,
			}); err != nil {
				return domain.ReplaySession{}, apperr.Storage("create replayed step", err)
			}
		} else if err != nil {
			return domain.ReplaySession{}, apperr.Storage("load replayed step", err)
		}

		replayEvent := domain.Event{
			EventID:         uuid.NewString(),
			RunID:           derivedRun.RunID,
			StepID:          newStepID,
			ParentStepID:    newParentStepID,
			EventType:       sourceEvent.EventType,
			SchemaVersion:   sourceEvent.SchemaVersion,
			Payload:         payload,
			RedactionStatus: sourceEvent.RedactionStatus,
			CreatedAtUTC:    time.Now(),
			IdempotencyKey:  "replay:" + session.ReplaySessionID + ":" + sourceEvent.EventID,
			SequenceNo:      int64(index),
			TimestampUTC:    time.Now(),
			ActorType:       domain.ActorReplayEngine,
			DeterminismMode: mode,
		}
		if err := s.store.InsertEvent(ctx, replayEvent); err != nil {
			return domain.ReplaySession{}, apperr.Storage("insert replayed event", err)
		}
	}

	derivedStatus := domain.RunStatusFailed
	if sourceRun.Status == domain.RunStatusSuccess {
		derivedStatus = domain.RunStatusSuccess
	}
	if err := s.store.UpdateRunStatus(ctx, derivedRun.RunID, derivedStatus); err != nil {
		return domain.ReplaySession{}, apperr.Storage("finalize derived run", err)
	}

	session.Status = deriveSessionStatus(modeCounts)
	now := time.Now()
	session.EndedAtUTC = &now
	session.FailureReasonCode = nil
	session.DerivedRunID = &derivedRun.RunID
	session.ReasonCodes = sortedUnique(reasonCodes)

	if err := s.store.UpdateReplaySession(ctx, session); err != nil {
		return domain.ReplaySession{}, apperr.Storage("persist completed replay session", err)
	}
	return session, nil
}

func (s *Service) failValidation(ctx context.Context, session domain.ReplaySession, reason string, reasonCodes []string) (domain.ReplaySession, error) {
	session.Status = domain.ReplayStatusFailedValidation
	session.FailureReasonCode = &reason
	session.ReasonCodes = reasonCodes
	now := time.Now()
	session.EndedAtUTC = &now
	if err := s.store.UpdateReplaySession(ctx, session); err != nil {
		return domain.ReplaySession{}, apperr.Storage("persist validation failure", err)
	}
	return session, nil
}

func (s *Service) failExecution(ctx context.Context, session domain.ReplaySession, reason string) (domain.ReplaySession, error) {
	session.Status = domain.ReplayStatusFailedExecution
	session.FailureReasonCode = &reason
	now := time.Now()
	session.EndedAtUTC = &now
	if err := s.store.UpdateReplaySession(ctx, session); err != nil {
		return domain.ReplaySession{}, apperr.Storage("persist execution failure", err)
	}
	return session, nil
}

// remapSteps assigns each original step ID a fresh, stable identifier in
// the derived run. The namespace is random per execution (the original
// implementation this is ported from derives it the same way): remapped
// IDs are stable for the lifetime of a single replay execution but are
// not reproducible across separate executions of the same session.
func remapSteps(derivedRunID string, sourceEvents []domain.Event) map[string]string {
	namespace := uuid.New()
	firstSeen := map[string]bool{}
	stepMap := map[string]string{}
	for _, evt := range sourceEvents {
		if firstSeen[evt.StepID] {
			continue
		}
		firstSeen[evt.StepID] = true
		stepMap[evt.StepID] = uuid.NewSHA1(namespace, []byte(derivedRunID+":"+evt.StepID)).String()
	}
	return stepMap
}

// determinismForEvent classifies how a single source event is reproduced
// in the derived run, applying any matching override and mutating payload
// in place with the override's substitutions.
func determinismForEvent(sourceEvent domain.Event, forkSequence int64, overrides domain.ReplayOverrideProfile, payload map[string]any) (mode string, reasonCode string) {
	if sourceEvent.SequenceNo < forkSequence {
		return domain.ModeExact, reasonSourceOutputReused
	}

	switch sourceEvent.EventType {
	case "prompt_rendered":
		if overrides.PromptOverride != nil {
			if overrides.PromptOverride.TemplateID != nil {
				payload["prompt_template_id"] = *overrides.PromptOverride.TemplateID
			}
			if overrides.PromptOverride.TemplateVersion != nil {
				payload["prompt_template_version"] = *overrides.PromptOverride.TemplateVersion
			}
			if len(overrides.PromptOverride.Variables) > 0 {
				payload["prompt_variables_override"] = overrides.PromptOverride.Variables
			}
			return domain.ModeSimulated, reasonSimulationOverride
		}
	case "model_called", "model_result":
		if overrides.ModelOverride != nil {
			if overrides.ModelOverride.Provider != nil {
				payload["provider"] = *overrides.ModelOverride.Provider
			}
			if overrides.ModelOverride.ModelID != nil {
				payload["model_id"] = *overrides.ModelOverride.ModelID
			}
			return domain.ModeSimulated, reasonSimulationOverride
		}
	case "retrieval_executed":
		if overrides.RetrieverOverride != nil {
			if overrides.RetrieverOverride.TopK != nil {
				payload["top_k"] = *overrides.RetrieverOverride.TopK
			}
			if len(overrides.RetrieverOverride.Filters) > 0 {
				payload["filters"] = overrides.RetrieverOverride.Filters
			}
			if overrides.RetrieverOverride.EmbeddingProfile != nil {
				payload["embedding_profile"] = *overrides.RetrieverOverride.EmbeddingProfile
			}
			return domain.ModeSimulated, reasonSimulationOverride
		}
	case "tool_result":
		if toolOverride, ok := overrides.ToolSimulationOverrides[sourceEvent.StepID]; ok {
			payload["result_ref"] = toolOverride
			return domain.ModeSimulated, reasonSimulationOverride
		}
	}

	if eventTypesReplayableFromCache[sourceEvent.EventType] {
		return domain.ModeCached, reasonCacheHit
	}

	return domain.ModeExact, reasonSourceOutputReused
}

// deriveSessionStatus summarizes per-event determinism mode counts into
// an overall session outcome. completed_cached alone is never produced:
// a session with only cached and exact events (no simulation) still
// reports completed_mixed, since cache hits are not a guarantee of exact
// reproduction the way untouched pre-fork events are.
func deriveSessionStatus(modeCounts map[string]int) string {
	simulated := modeCounts[domain.ModeSimulated]
	cached := modeCounts[domain.ModeCached]
	exact := modeCounts[domain.ModeExact]

	switch {
	case simulated == 0 && cached == 0 && exact > 0:
		return domain.ReplayStatusCompletedExact
	case simulated > 0 && (cached > 0 || exact > 0):
		return domain.ReplayStatusCompletedMixed
	case simulated > 0:
		return domain.ReplayStatusCompletedSimul
	default:
		return domain.ReplayStatusCompletedMixed
	}
}

func clonePayload(payload map[string]any) map[string]any {
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func sortedUnique(values []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
