package store

import (
	"encoding/json"

	"github.com/flightrecorder/core/internal/domain"
)

// overrideProfileJSON is the JSON-friendly shape persisted for a replay
// session's override profile; domain.ReplayOverrideProfile uses pointer
// fields that marshal fine directly, but we funnel through this helper so
// both the SQLite and Postgres backends share one encode/decode path.
type overrideProfileJSON struct {
	PromptOverride *struct {
		TemplateID      *string        `json:"template_id,omitempty"`
		TemplateVersion *string        `json:"template_version,omitempty"`
		Variables       map[string]any `json:"variables,omitempty"`
	} `json:"prompt_override,omitempty"`
	ModelOverride *struct {
		Provider *string `json:"provider,omitempty"`
		ModelID  *string `json:"model_id,omitempty"`
	} `json:"model_override,omitempty"`
	RetrieverOverride *struct {
		TopK             *int           `json:"top_k,omitempty"`
		Filters          map[string]any `json:"filters,omitempty"`
		EmbeddingProfile *string        `json:"embedding_profile,omitempty"`
	} `json:"retriever_override,omitempty"`
	ToolSimulationOverrides map[string]map[string]any `json:"tool_simulation_overrides,omitempty"`
}

func marshalOverrideProfile(p domain.ReplayOverrideProfile) (string, error) {
	var out overrideProfileJSON
	if p.PromptOverride != nil {
		out.PromptOverride = &struct {
			TemplateID      *string        `json:"template_id,omitempty"`
			TemplateVersion *string        `json:"template_version,omitempty"`
			Variables       map[string]any `json:"variables,omitempty"`
		}{p.PromptOverride.TemplateID, p.PromptOverride.TemplateVersion, p.PromptOverride.Variables}
	}
	if p.ModelOverride != nil {
		out.ModelOverride = &struct {
			Provider *string `json:"provider,omitempty"`
			ModelID  *string `json:"model_id,omitempty"`
		}{p.ModelOverride.Provider, p.ModelOverride.ModelID}
	}
	if p.RetrieverOverride != nil {
		out.RetrieverOverride = &struct {
			TopK             *int           `json:"top_k,omitempty"`
			Filters          map[string]any `json:"filters,omitempty"`
			EmbeddingProfile *string        `json:"embedding_profile,omitempty"`
		}{p.RetrieverOverride.TopK, p.RetrieverOverride.Filters, p.RetrieverOverride.EmbeddingProfile}
	}
	out.ToolSimulationOverrides = p.ToolSimulationOverrides

	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalOverrideProfile(raw string) (domain.ReplayOverrideProfile, error) {
	if raw == "" {
		return domain.ReplayOverrideProfile{}, nil
	}
	var in overrideProfileJSON
	if err := json.Unmarshal([]byte(raw), &in); err != nil {
		return domain.ReplayOverrideProfile{}, err
	}

	var out domain.ReplayOverrideProfile
	if in.PromptOverride != nil {
		out.PromptOverride = &domain.PromptOverride{
			TemplateID:      in.PromptOverride.TemplateID,
			TemplateVersion: in.PromptOverride.TemplateVersion,
			Variables:       in.PromptOverride.Variables,
		}
	}
	if in.ModelOverride != nil {
		out.ModelOverride = &domain.ModelOverride{
			Provider: in.ModelOverride.Provider,
			ModelID:  in.ModelOverride.ModelID,
		}
	}
	if in.RetrieverOverride != nil {
		out.RetrieverOverride = &domain.RetrieverOverride{
			TopK:             in.RetrieverOverride.TopK,
			Filters:          in.RetrieverOverride.Filters,
			EmbeddingProfile: in.RetrieverOverride.EmbeddingProfile,
		}
	}
	out.ToolSimulationOverrides = in.ToolSimulationOverrides
	return out, nil
}
