// Package domain holds the recorder's core record types and the canonical
// event vocabulary that every ingestion, query, and replay operation is
// built around.
package domain

import "time"

// Run status values.
const (
	RunStatusRunning = "running"
	RunStatusSuccess = "success"
	RunStatusFailed  = "failed"
)

// Run source types.
const (
	SourceTypeLive   = "live"
	SourceTypeReplay = "replay"
)

// Determinism modes assigned to steps and events.
const (
	ModeLive      = "live"
	ModeExact     = "exact"
	ModeCached    = "cached"
	ModeSimulated = "simulated"
)

// Redaction status values.
const (
	RedactionNotRequired = "not_required"
	RedactionRedacted    = "redacted"
	RedactionBlocked     = "blocked"
	RedactionFailed      = "failed"
)

// Actor types recorded against an event.
const (
	ActorSDK         = "sdk"
	ActorBackend     = "backend"
	ActorReplayEngine = "replay_engine"
)

// Artifact status values.
const (
	ArtifactStatusPending = "pending"
	ArtifactStatusReady   = "ready"
	ArtifactStatusBlocked = "blocked"
	ArtifactStatusFailed  = "failed"
)

// Job status values.
const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// Replay session status values.
const (
	ReplayStatusPending          = "pending"
	ReplayStatusRunning          = "running"
	ReplayStatusCompletedExact   = "completed_exact"
	ReplayStatusCompletedCached  = "completed_cached"
	ReplayStatusCompletedMixed   = "completed_mixed"
	ReplayStatusCompletedSimul   = "completed_simulated"
	ReplayStatusFailedValidation = "failed_validation"
	ReplayStatusFailedExecution  = "failed_execution"
)

// TerminalEventTypes are the event types that close out a run.
var TerminalEventTypes = map[string]bool{
	"run_completed": true,
	"run_failed":    true,
}

// EventTypes enumerates every canonical event type the recorder accepts.
var EventTypes = map[string]bool{
	"run_started":        true,
	"input_received":     true,
	"prompt_rendered":    true,
	"retrieval_executed": true,
	"tool_called":        true,
	"tool_result":        true,
	"model_called":       true,
	"model_result":       true,
	"validator_decision": true,
	"safety_decision":    true,
	"final_output":       true,
	"run_completed":      true,
	"run_failed":         true,
}

// RequiredPayloadFields lists the payload keys each event type must carry.
var RequiredPayloadFields = map[string][]string{
	"run_started":        {"app_id", "environment", "entrypoint_name"},
	"input_received":     {"input_channels", "input_hash", "input_policy_labels"},
	"prompt_rendered":    {"prompt_template_id", "prompt_template_version", "prompt_variables_ref", "rendered_prompt_ref"},
	"retrieval_executed": {"retriever_id", "retriever_version", "query_text_ref", "top_k", "filters", "candidate_count", "candidate_list_ref"},
	"tool_called":        {"tool_name", "tool_version", "call_signature_hash", "args_ref", "timeout_ms"},
	"tool_result":        {"tool_name", "status", "result_ref", "latency_ms"},
	"model_called":       {"provider", "model_id", "model_api_version", "temperature", "top_p", "max_tokens", "request_ref"},
	"model_result":       {"provider", "model_id", "finish_reason", "token_usage", "response_ref", "latency_ms"},
	"validator_decision": {"validator_name", "validator_version", "decision", "reason_ref"},
	"safety_decision":    {"policy_name", "policy_version", "decision", "reason_ref"},
	"final_output":       {"output_ref", "response_channel"},
	"run_completed":      {"status", "total_steps", "total_latency_ms"},
	"run_failed":         {"status", "failed_step_id", "error_class", "error_message_ref"},
}

// Run is a single recorded or replayed execution of an LLM-driven app.
type Run struct {
	RunID          string
	TraceID        string
	AppID          string
	Environment    string
	Status         string
	StartedAtUTC   time.Time
	EndedAtUTC     *time.Time
	SourceType     string
	SourceRunID    *string
	Tags           map[string]any
	RetentionClass string
	LegalHold      bool
}

// Step groups events emitted while executing one logical unit of work
// within a run (a model call, a tool call, a retrieval, etc).
type Step struct {
	StepID          string
	RunID           string
	ParentStepID    *string
	SequenceNo      int64
	StepType        string
	StartedAtUTC    time.Time
	EndedAtUTC      *time.Time
	DeterminismMode string
}

// Event is a single canonical recorded fact within a run.
type Event struct {
	EventID         string
	RunID           string
	StepID          string
	ParentStepID    *string
	EventType       string
	SchemaVersion   string
	Payload         map[string]any
	RedactionStatus string
	CreatedAtUTC    time.Time
	IdempotencyKey  string
	SequenceNo      int64
	TimestampUTC    time.Time
	ActorType       string
	DeterminismMode string
	ArtifactPending bool
	ArtifactRefs    []ArtifactRef
}

// ArtifactRef is the inline reference to an artifact carried on a
// CanonicalEvent at ingestion time.
type ArtifactRef struct {
	ArtifactHash     string
	ArtifactType     string
	ByteSize         int64
	ContentEncoding  string
	MimeType         string
	RedactionProfile string
}

// Artifact is a content-addressed blob registered with the recorder.
type Artifact struct {
	ArtifactHash     string
	ArtifactType     string
	ByteSize         int64
	MimeType         string
	ContentEncoding  string
	RedactionProfile string
	StorageBucket    string
	StorageObjectKey string
	CreatedAtUTC     time.Time
	RetentionClass   string
	Status           string
	HashAlgorithm    string
	BlockedReason    *string
}

// EventArtifact links an event to an artifact it references, by role.
type EventArtifact struct {
	EventID        string
	ArtifactHash   string
	ReferenceRole  string
}

// ReplaySession tracks a single deterministic-replay execution.
type ReplaySession struct {
	ReplaySessionID    string
	SourceRunID        string
	ForkStepID         *string
	OverrideProfile    ReplayOverrideProfile
	Status             string
	StartedAtUTC       time.Time
	EndedAtUTC         *time.Time
	FailureReasonCode  *string
	DerivedRunID       *string
	ReasonCodes        []string
	CancelRequested    bool
}

// Job is a unit of asynchronous work (currently only replay execution).
type Job struct {
	JobID          int64
	JobType        string
	Payload        map[string]any
	Status         string
	Retries        int
	MaxRetries     int
	LastError      *string
	AvailableAtUTC time.Time
	CreatedAtUTC   time.Time
	UpdatedAtUTC   time.Time
}

// AuditLog records an operator- or system-initiated action against the
// recorder's state, distinct from the domain event log.
type AuditLog struct {
	AuditID      string
	ActorID      string
	ActorType    string
	Action       string
	TargetType   string
	TargetID     string
	TimestampUTC time.Time
	Details      map[string]any
}

// PromptOverride customizes prompt rendering during replay.
type PromptOverride struct {
	TemplateID      *string
	TemplateVersion *string
	Variables       map[string]any
}

// ModelOverride customizes which model a replayed model_called/model_result
// pair is attributed to.
type ModelOverride struct {
	Provider *string
	ModelID  *string
}

// RetrieverOverride customizes retrieval parameters during replay.
type RetrieverOverride struct {
	TopK             *int
	Filters          map[string]any
	EmbeddingProfile *string
}

// ReplayOverrideProfile bundles all override knobs accepted for a replay
// session.
type ReplayOverrideProfile struct {
	PromptOverride          *PromptOverride
	ModelOverride           *ModelOverride
	RetrieverOverride       *RetrieverOverride
	ToolSimulationOverrides map[string]map[string]any
}

// ReplayPreferences expresses the caller's tolerance for non-exact replay.
type ReplayPreferences struct {
	PreferredModes  []string
	FailOnSimulated bool
}

// CanonicalEvent is the wire shape ingested by the event API, prior to
// being persisted as an Event.
type CanonicalEvent struct {
	SchemaVersion   string
	TraceID         string
	RunID           string
	StepID          string
	ParentStepID    *string
	SequenceNo      int64
	EventType       string
	TimestampUTC    time.Time
	ActorType       string
	DeterminismMode string
	ArtifactRefs    []ArtifactRef
	RedactionStatus string
	Payload         map[string]any
}
