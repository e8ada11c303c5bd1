package instrument

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/flightrecorder/core/internal/artifacts"
	"github.com/flightrecorder/core/internal/domain"
	"github.com/flightrecorder/core/internal/ingest"
)

// SequenceCounter hands out monotonically increasing event sequence
// numbers for one run, since the ingestion service requires the caller
// to supply them explicitly.
type SequenceCounter struct {
	next int64
}

// NewSequenceCounter starts counting after afterSeq (the run's current
// max sequence number, or 0 for a fresh run).
func NewSequenceCounter(afterSeq int64) *SequenceCounter {
	return &SequenceCounter{next: afterSeq}
}

// Next returns the next sequence number.
func (c *SequenceCounter) Next() int64 {
	c.next++
	return c.next
}

// Recorder wraps a ChatModel so every Chat call emits a model_called
// event before the provider request and a model_result event after.
// Prompt and response bodies are routed through artifact registration
// (and therefore redaction) rather than inlined in the event payload.
type Recorder struct {
	chat      ChatModel
	ingest    *ingest.Service
	artifacts *artifacts.Service

	temperature float64
	topP        float64
	maxTokens   int
}

// NewRecorder builds a Recorder around chat. temperature/topP/maxTokens
// are recorded in the model_called payload; whether the underlying
// provider adapter actually honors them is its own concern.
func NewRecorder(chat ChatModel, ingestSvc *ingest.Service, artifactSvc *artifacts.Service, temperature, topP float64, maxTokens int) *Recorder {
	return &Recorder{
		chat:        chat,
		ingest:      ingestSvc,
		artifacts:   artifactSvc,
		temperature: temperature,
		topP:        topP,
		maxTokens:   maxTokens,
	}
}

// Chat performs one instrumented completion within stepID of run, using
// seq to obtain the two sequence numbers the model_called/model_result
// pair requires. A provider error still produces a model_result event
// (finish_reason "error") before the error is returned to the caller.
func (r *Recorder) Chat(ctx context.Context, run domain.Run, stepID string, seq *SequenceCounter, messages []Message, tools []ToolSpec) (ChatResult, error) {
	requestRef, err := r.registerJSON(ctx, "model_request", map[string]any{
		"messages":    messages,
		"tools":       tools,
		"temperature": r.temperature,
		"top_p":       r.topP,
		"max_tokens":  r.maxTokens,
	})
	if err != nil {
		return ChatResult{}, err
	}

	calledEvent := domain.CanonicalEvent{
		SchemaVersion: "1.0",
		TraceID:       run.TraceID,
		RunID:         run.RunID,
		StepID:        stepID,
		SequenceNo:    seq.Next(),
		EventType:     "model_called",
		TimestampUTC:  time.Now(),
		ActorType:     domain.ActorSDK,
		ArtifactRefs:  []domain.ArtifactRef{requestRef},
		Payload: map[string]any{
			"provider":          r.chat.Provider(),
			"model_id":          r.chat.ModelID(),
			"model_api_version": r.chat.APIVersion(),
			"temperature":       r.temperature,
			"top_p":             r.topP,
			"max_tokens":        r.maxTokens,
			"request_ref":       requestRef.ArtifactHash,
		},
	}
	if _, err := r.ingest.IngestEvent(ctx, run, uuid.NewString(), calledEvent); err != nil {
		return ChatResult{}, err
	}

	start := time.Now()
	result, chatErr := r.chat.Chat(ctx, messages, tools)
	latency := time.Since(start)

	finishReason := result.FinishReason
	responsePayload := map[string]any{"text": result.Text, "tool_calls": result.ToolCalls}
	if chatErr != nil {
		finishReason = "error"
		responsePayload = map[string]any{"error": chatErr.Error()}
	}

	responseRef, refErr := r.registerJSON(ctx, "model_response", responsePayload)
	if refErr != nil {
		if chatErr != nil {
			return ChatResult{}, chatErr
		}
		return ChatResult{}, refErr
	}

	resultEvent := domain.CanonicalEvent{
		SchemaVersion: "1.0",
		TraceID:       run.TraceID,
		RunID:         run.RunID,
		StepID:        stepID,
		SequenceNo:    seq.Next(),
		EventType:     "model_result",
		TimestampUTC:  time.Now(),
		ActorType:     domain.ActorSDK,
		ArtifactRefs:  []domain.ArtifactRef{responseRef},
		Payload: map[string]any{
			"provider":      r.chat.Provider(),
			"model_id":      r.chat.ModelID(),
			"finish_reason": finishReason,
			"token_usage":   map[string]any{"tokens_in": result.Usage.TokensIn, "tokens_out": result.Usage.TokensOut},
			"response_ref":  responseRef.ArtifactHash,
			"latency_ms":    latency.Milliseconds(),
		},
	}
	if _, err := r.ingest.IngestEvent(ctx, run, uuid.NewString(), resultEvent); err != nil {
		return ChatResult{}, err
	}

	if chatErr != nil {
		return ChatResult{}, chatErr
	}
	return result, nil
}

func (r *Recorder) registerJSON(ctx context.Context, artifactType string, payload any) (domain.ArtifactRef, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	text := string(body)
	resp, err := r.artifacts.RegisterArtifact(ctx, artifacts.RegisterRequest{
		ArtifactType: artifactType,
		MimeType:     "application/json",
		ContentText:  &text,
	})
	if err != nil {
		return domain.ArtifactRef{}, err
	}
	return domain.ArtifactRef{
		ArtifactHash: resp.ArtifactHash,
		ArtifactType: artifactType,
		ByteSize:     int64(len(body)),
		MimeType:     "application/json",
	}, nil
}
