package httpapi

import (
	"time"

	"github.com/flightrecorder/core/internal/domain"
)

// Request/response DTOs carry explicit JSON tags since the domain
// types they map to are shared with storage backends and intentionally
// carry no wire-format opinions.

type createRunRequest struct {
	AppID          string         `json:"app_id"`
	Environment    string         `json:"environment"`
	SourceType     string         `json:"source_type"`
	Tags           map[string]any `json:"tags"`
	RetentionClass string         `json:"retention_class"`
}

type createRunResponse struct {
	RunID   string `json:"run_id"`
	TraceID string `json:"trace_id"`
	Status  string `json:"status"`
}

type artifactRefDTO struct {
	ArtifactHash     string `json:"artifact_hash"`
	ArtifactType     string `json:"artifact_type"`
	ByteSize         int64  `json:"byte_size"`
	ContentEncoding  string `json:"content_encoding"`
	MimeType         string `json:"mime_type"`
	RedactionProfile string `json:"redaction_profile"`
}

type canonicalEventDTO struct {
	SchemaVersion   string           `json:"schema_version"`
	TraceID         string           `json:"trace_id"`
	RunID           string           `json:"run_id"`
	StepID          string           `json:"step_id"`
	ParentStepID    *string          `json:"parent_step_id"`
	SequenceNo      int64            `json:"sequence_no"`
	EventType       string           `json:"event_type"`
	TimestampUTC    time.Time        `json:"timestamp_utc"`
	ActorType       string           `json:"actor_type"`
	DeterminismMode string           `json:"determinism_mode"`
	ArtifactRefs    []artifactRefDTO `json:"artifact_refs"`
	RedactionStatus string           `json:"redaction_status"`
	Payload         map[string]any   `json:"payload"`
}

func (d canonicalEventDTO) toDomain() domain.CanonicalEvent {
	refs := make([]domain.ArtifactRef, 0, len(d.ArtifactRefs))
	for _, r := range d.ArtifactRefs {
		refs = append(refs, domain.ArtifactRef{
			ArtifactHash:     r.ArtifactHash,
			ArtifactType:     r.ArtifactType,
			ByteSize:         r.ByteSize,
			ContentEncoding:  r.ContentEncoding,
			MimeType:         r.MimeType,
			RedactionProfile: r.RedactionProfile,
		})
	}
	return domain.CanonicalEvent{
		SchemaVersion:   d.SchemaVersion,
		TraceID:         d.TraceID,
		RunID:           d.RunID,
		StepID:          d.StepID,
		ParentStepID:    d.ParentStepID,
		SequenceNo:      d.SequenceNo,
		EventType:       d.EventType,
		TimestampUTC:    d.TimestampUTC,
		ActorType:       d.ActorType,
		DeterminismMode: d.DeterminismMode,
		ArtifactRefs:    refs,
		RedactionStatus: d.RedactionStatus,
		Payload:         d.Payload,
	}
}

type ingestEventRequest struct {
	IdempotencyKey string            `json:"idempotency_key"`
	Event          canonicalEventDTO `json:"event"`
}

type ingestEventResponse struct {
	EventID           string   `json:"event_id"`
	Accepted          bool     `json:"accepted"`
	ValidationWarnings []string `json:"validation_warnings"`
}

type registerArtifactRequest struct {
	ArtifactType     string            `json:"artifact_type"`
	ByteSize         int64             `json:"byte_size"`
	MimeType         string            `json:"mime_type"`
	RedactionProfile string            `json:"redaction_profile"`
	ContentHash      string            `json:"content_hash"`
	ContentBase64    string            `json:"content_base64"`
	ContentText      *string           `json:"content_text"`
	RetentionClass   string            `json:"retention_class"`
	ContentEncoding  string            `json:"content_encoding"`
	FieldPolicies    map[string]string `json:"field_policies"`
}

type registerArtifactResponse struct {
	ArtifactHash   string       `json:"artifact_hash"`
	UploadRequired bool         `json:"upload_required"`
	UploadTarget   uploadTarget `json:"upload_target"`
}

type uploadTarget struct {
	Bucket    string `json:"bucket"`
	ObjectKey string `json:"object_key"`
}

type finalizeRunRequest struct {
	FinalStatus      string  `json:"final_status"`
	TerminalEventRef *string `json:"terminal_event_ref"`
}

type finalizeRunResponse struct {
	RunID  string `json:"run_id"`
	Status string `json:"status"`
}

type runSummaryDTO struct {
	RunID          string     `json:"run_id"`
	TraceID        string     `json:"trace_id"`
	AppID          string     `json:"app_id"`
	Environment    string     `json:"environment"`
	Status         string     `json:"status"`
	SourceType     string     `json:"source_type"`
	SourceRunID    *string    `json:"source_run_id"`
	StartedAtUTC   time.Time  `json:"started_at_utc"`
	EndedAtUTC     *time.Time `json:"ended_at_utc"`
	RetentionClass string     `json:"retention_class"`
}

func runToDTO(r domain.Run) runSummaryDTO {
	return runSummaryDTO{
		RunID:          r.RunID,
		TraceID:        r.TraceID,
		AppID:          r.AppID,
		Environment:    r.Environment,
		Status:         r.Status,
		SourceType:     r.SourceType,
		SourceRunID:    r.SourceRunID,
		StartedAtUTC:   r.StartedAtUTC,
		EndedAtUTC:     r.EndedAtUTC,
		RetentionClass: r.RetentionClass,
	}
}

type listRunsResponse struct {
	Items         []runSummaryDTO `json:"items"`
	NextPageToken string          `json:"next_page_token,omitempty"`
}

type runDetailResponse struct {
	Run      runSummaryDTO  `json:"run"`
	Counters map[string]int `json:"counters"`
}

type eventViewDTO struct {
	EventID         string         `json:"event_id"`
	RunID           string         `json:"run_id"`
	StepID          string         `json:"step_id"`
	SequenceNo      int64          `json:"sequence_no"`
	EventType       string         `json:"event_type"`
	TimestampUTC    time.Time      `json:"timestamp_utc"`
	DeterminismMode string         `json:"determinism_mode"`
	RedactionStatus string         `json:"redaction_status"`
	Payload         map[string]any `json:"payload"`
}

func eventToDTO(e domain.Event) eventViewDTO {
	return eventViewDTO{
		EventID:         e.EventID,
		RunID:           e.RunID,
		StepID:          e.StepID,
		SequenceNo:      e.SequenceNo,
		EventType:       e.EventType,
		TimestampUTC:    e.TimestampUTC,
		DeterminismMode: e.DeterminismMode,
		RedactionStatus: e.RedactionStatus,
		Payload:         e.Payload,
	}
}

type listEventsResponse struct {
	Items         []eventViewDTO `json:"items"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type artifactMetadataResponse struct {
	ArtifactHash     string  `json:"artifact_hash"`
	ArtifactType     string  `json:"artifact_type"`
	ByteSize         int64   `json:"byte_size"`
	MimeType         string  `json:"mime_type"`
	ContentEncoding  string  `json:"content_encoding"`
	RedactionProfile string  `json:"redaction_profile"`
	Status           string  `json:"status"`
	BlockedReason    *string `json:"blocked_reason"`
	StorageBucket    string  `json:"storage_bucket"`
	StorageObjectKey string  `json:"storage_object_key"`
}

type promptOverrideDTO struct {
	TemplateID      *string        `json:"template_id"`
	TemplateVersion *string        `json:"template_version"`
	Variables       map[string]any `json:"variables"`
}

type modelOverrideDTO struct {
	Provider *string `json:"provider"`
	ModelID  *string `json:"model_id"`
}

type retrieverOverrideDTO struct {
	TopK             *int           `json:"top_k"`
	Filters          map[string]any `json:"filters"`
	EmbeddingProfile *string        `json:"embedding_profile"`
}

type overrideProfileDTO struct {
	PromptOverride          *promptOverrideDTO        `json:"prompt_override"`
	ModelOverride           *modelOverrideDTO         `json:"model_override"`
	RetrieverOverride       *retrieverOverrideDTO     `json:"retriever_override"`
	ToolSimulationOverrides map[string]map[string]any `json:"tool_simulation_overrides"`
}

func (d overrideProfileDTO) toDomain() domain.ReplayOverrideProfile {
	profile := domain.ReplayOverrideProfile{ToolSimulationOverrides: d.ToolSimulationOverrides}
	if d.PromptOverride != nil {
		profile.PromptOverride = &domain.PromptOverride{
			TemplateID:      d.PromptOverride.TemplateID,
			TemplateVersion: d.PromptOverride.TemplateVersion,
			Variables:       d.PromptOverride.Variables,
		}
	}
	if d.ModelOverride != nil {
		profile.ModelOverride = &domain.ModelOverride{
			Provider: d.ModelOverride.Provider,
			ModelID:  d.ModelOverride.ModelID,
		}
	}
	if d.RetrieverOverride != nil {
		profile.RetrieverOverride = &domain.RetrieverOverride{
			TopK:             d.RetrieverOverride.TopK,
			Filters:          d.RetrieverOverride.Filters,
			EmbeddingProfile: d.RetrieverOverride.EmbeddingProfile,
		}
	}
	return profile
}

type createReplaySessionRequest struct {
	SourceRunID string             `json:"source_run_id"`
	ForkStepID  *string            `json:"fork_step_id"`
	Overrides   overrideProfileDTO `json:"overrides"`
}

type createReplaySessionResponse struct {
	ReplaySessionID string `json:"replay_session_id"`
	Status          string `json:"status"`
}

type replayStatusResponse struct {
	ReplaySessionID   string   `json:"replay_session_id"`
	Status            string   `json:"status"`
	DerivedRunID      *string  `json:"derived_run_id,omitempty"`
	ReasonCodes       []string `json:"reason_codes"`
	FailureReasonCode *string  `json:"failure_reason_code,omitempty"`
}

func replayToDTO(s domain.ReplaySession) replayStatusResponse {
	return replayStatusResponse{
		ReplaySessionID:   s.ReplaySessionID,
		Status:            s.Status,
		DerivedRunID:      s.DerivedRunID,
		ReasonCodes:       s.ReasonCodes,
		FailureReasonCode: s.FailureReasonCode,
	}
}

type cancelReplayResponse struct {
	Status         string    `json:"status"`
	CancelledAtUTC time.Time `json:"cancelled_at_utc"`
}
