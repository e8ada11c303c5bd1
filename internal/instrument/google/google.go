// Package google adapts Google's Gemini API to instrument.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/flightrecorder/core/internal/instrument"
)

const apiVersion = "v1beta"

// ChatModel implements instrument.ChatModel for Gemini.
type ChatModel struct {
	apiKey    string
	modelName string
}

// NewChatModel builds a ChatModel. An empty modelName falls back to a
// current Gemini Flash release.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &ChatModel{apiKey: apiKey, modelName: modelName}
}

func (m *ChatModel) Provider() string   { return "google" }
func (m *ChatModel) ModelID() string    { return m.modelName }
func (m *ChatModel) APIVersion() string { return apiVersion }

// Chat sends messages to Gemini and translates the response into an
// instrument.ChatResult. Safety-filter blocks surface as a *SafetyFilterError.
func (m *ChatModel) Chat(ctx context.Context, messages []instrument.Message, tools []instrument.ToolSpec) (instrument.ChatResult, error) {
	if ctx.Err() != nil {
		return instrument.ChatResult{}, ctx.Err()
	}
	if m.apiKey == "" {
		return instrument.ChatResult{}, errors.New("google API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(m.apiKey))
	if err != nil {
		return instrument.ChatResult{}, fmt.Errorf("create google client: %w", err)
	}
	defer client.Close()

	genModel := client.GenerativeModel(m.modelName)
	if len(tools) > 0 {
		genModel.Tools = convertTools(tools)
	}

	parts := convertMessages(messages)
	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		return instrument.ChatResult{}, fmt.Errorf("google API error: %w", err)
	}
	if reason := blockedReason(resp); reason != "" {
		return instrument.ChatResult{}, &SafetyFilterError{Category: reason}
	}

	return convertResponse(resp), nil
}

// SafetyFilterError reports a Gemini safety-filter block.
type SafetyFilterError struct {
	Category string
}

func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.Category
}

func blockedReason(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return "SAFETY"
	}
	return ""
}

func convertMessages(messages []instrument.Message) []genai.Part {
	var parts []genai.Part
	for _, msg := range messages {
		if msg.Content != "" {
			parts = append(parts, genai.Text(msg.Content))
		}
	}
	return parts
}

func convertTools(tools []instrument.ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, tool := range tools {
		declarations[i] = &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  convertSchema(tool.Schema),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

func convertSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	result := &genai.Schema{Type: genai.TypeObject}
	if props, ok := schema["properties"].(map[string]any); ok {
		properties := make(map[string]*genai.Schema)
		for key, val := range props {
			if propMap, ok := val.(map[string]any); ok {
				propSchema := &genai.Schema{}
				if typeStr, ok := propMap["type"].(string); ok {
					propSchema.Type = convertType(typeStr)
				}
				if desc, ok := propMap["description"].(string); ok {
					propSchema.Description = desc
				}
				properties[key] = propSchema
			}
		}
		result.Properties = properties
	}
	return result
}

func convertType(typeStr string) genai.Type {
	switch typeStr {
	case "string":
		return genai.TypeString
	case "number":
		return genai.TypeNumber
	case "integer":
		return genai.TypeInteger
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeUnspecified
	}
}

func convertResponse(resp *genai.GenerateContentResponse) instrument.ChatResult {
	out := instrument.ChatResult{}
	if resp.UsageMetadata != nil {
		out.Usage = instrument.Usage{
			TokensIn:  int(resp.UsageMetadata.PromptTokenCount),
			TokensOut: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return out
	}

	candidate := resp.Candidates[0]
	out.FinishReason = candidate.FinishReason.String()
	if candidate.Content == nil {
		return out
	}

	for _, part := range candidate.Content.Parts {
		switch p := part.(type) {
		case genai.Text:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += string(p)
		case genai.FunctionCall:
			out.ToolCalls = append(out.ToolCalls, instrument.ToolCall{Name: p.Name, Input: p.Args})
		}
	}
	return out
}
