package ingest

import (
	"context"
	"sort"
	"strings"

	"github.com/flightrecorder/core/internal/apperr"
	"github.com/flightrecorder/core/internal/domain"
	"github.com/flightrecorder/core/internal/store"
)

// ValidationResult carries non-fatal warnings surfaced alongside a
// successfully validated event.
type ValidationResult struct {
	Warnings []string
}

// validateEvent enforces the causal and sequencing invariants every
// ingested event must satisfy: known event type, required payload fields
// present, run_id match, monotonic unique sequence numbers, no events
// after a terminal event, and same-step prior tool_called/model_called
// for tool_result/model_result.
func validateEvent(ctx context.Context, st store.Store, run domain.Run, event domain.CanonicalEvent) (ValidationResult, error) {
	if !domain.EventTypes[event.EventType] {
		return ValidationResult{}, apperr.Validation(
			"unsupported event_type '"+event.EventType+"'",
			map[string]any{"event_type": event.EventType},
		)
	}

	if missing := missingFields(event); len(missing) > 0 {
		return ValidationResult{}, apperr.Validation(
			"missing required payload fields",
			map[string]any{"missing_fields": missing, "event_type": event.EventType},
		)
	}

	if event.RunID != run.RunID {
		return ValidationResult{}, apperr.Validation(
			"event run_id does not match route run_id",
			map[string]any{"event_run_id": event.RunID, "route_run_id": run.RunID},
		)
	}

	maxSeq, hasEvents, err := st.MaxSequenceNo(ctx, run.RunID)
	if err != nil {
		return ValidationResult{}, apperr.Storage("read max sequence_no", err)
	}

	if !hasEvents {
		if event.EventType != "run_started" {
			return ValidationResult{}, apperr.Validation(
				"first event in run must be run_started",
				map[string]any{"event_type": event.EventType},
			)
		}
	} else {
		if event.SequenceNo <= maxSeq {
			return ValidationResult{}, apperr.Conflict(
				"event sequence_no must be monotonic and unique",
				map[string]any{"max_sequence_no": maxSeq, "received": event.SequenceNo},
			)
		}

		terminalCount, err := st.CountTerminalEvents(ctx, run.RunID)
		if err != nil {
			return ValidationResult{}, apperr.Storage("count terminal events", err)
		}
		if terminalCount > 0 {
			return ValidationResult{}, apperr.Conflict("run already has terminal event", map[string]any{"run_id": run.RunID})
		}
	}

	if event.EventType == "model_result" {
		count, err := st.CountPriorEvents(ctx, run.RunID, event.StepID, "model_called", event.SequenceNo)
		if err != nil {
			return ValidationResult{}, apperr.Storage("count prior model_called events", err)
		}
		if count == 0 {
			return ValidationResult{}, apperr.Validation(
				"model_result requires prior model_called in the same step",
				map[string]any{"step_id": event.StepID},
			)
		}
	}

	if event.EventType == "tool_result" {
		count, err := st.CountPriorEvents(ctx, run.RunID, event.StepID, "tool_called", event.SequenceNo)
		if err != nil {
			return ValidationResult{}, apperr.Storage("count prior tool_called events", err)
		}
		if count == 0 {
			return ValidationResult{}, apperr.Validation(
				"tool_result requires prior tool_called in the same step",
				map[string]any{"step_id": event.StepID},
			)
		}
	}

	var warnings []string
	major, _, _ := strings.Cut(event.SchemaVersion, ".")
	if major != "1" && major != "0" {
		warnings = append(warnings, "schema_version_outside_supported_major")
	}

	return ValidationResult{Warnings: warnings}, nil
}

func missingFields(event domain.CanonicalEvent) []string {
	required := domain.RequiredPayloadFields[event.EventType]
	if len(required) == 0 {
		return nil
	}
	var missing []string
	for _, field := range required {
		if _, ok := event.Payload[field]; !ok {
			missing = append(missing, field)
		}
	}
	sort.Strings(missing)
	return missing
}
