// Package anthropic adapts Anthropic's Claude API to instrument.ChatModel.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/flightrecorder/core/internal/instrument"
)

const apiVersion = "2023-06-01"

// ChatModel implements instrument.ChatModel for Claude.
type ChatModel struct {
	apiKey    string
	modelName string
	maxTokens int
}

// NewChatModel builds a ChatModel for the given Claude model name. An
// empty modelName falls back to a current Claude Sonnet release.
func NewChatModel(apiKey, modelName string, maxTokens int) *ChatModel {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &ChatModel{apiKey: apiKey, modelName: modelName, maxTokens: maxTokens}
}

func (m *ChatModel) Provider() string   { return "anthropic" }
func (m *ChatModel) ModelID() string    { return m.modelName }
func (m *ChatModel) APIVersion() string { return apiVersion }

// Chat sends messages to Claude and translates the response into a
// provider-agnostic instrument.ChatResult, including reported token usage.
func (m *ChatModel) Chat(ctx context.Context, messages []instrument.Message, tools []instrument.ToolSpec) (instrument.ChatResult, error) {
	if ctx.Err() != nil {
		return instrument.ChatResult{}, ctx.Err()
	}
	if m.apiKey == "" {
		return instrument.ChatResult{}, errors.New("anthropic API key is required")
	}

	client := anthropicsdk.NewClient(option.WithAPIKey(m.apiKey))

	systemPrompt, conversation := extractSystemPrompt(messages)

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(m.modelName),
		Messages:  convertMessages(conversation),
		MaxTokens: int64(m.maxTokens),
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return instrument.ChatResult{}, fmt.Errorf("anthropic API error: %w", err)
	}

	return convertResponse(resp), nil
}

func extractSystemPrompt(messages []instrument.Message) (string, []instrument.Message) {
	var systemPrompt string
	var rest []instrument.Message
	for _, msg := range messages {
		if msg.Role == instrument.RoleSystem {
			if systemPrompt != "" {
				systemPrompt += "\n\n"
			}
			systemPrompt += msg.Content
		} else {
			rest = append(rest, msg)
		}
	}
	return systemPrompt, rest
}

func convertMessages(messages []instrument.Message) []anthropicsdk.MessageParam {
	result := make([]anthropicsdk.MessageParam, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case instrument.RoleAssistant:
			result[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(msg.Content))
		default:
			result[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(msg.Content))
		}
	}
	return result
}

func convertTools(tools []instrument.ToolSpec) []anthropicsdk.ToolUnionParam {
	result := make([]anthropicsdk.ToolUnionParam, len(tools))
	for i, tool := range tools {
		var properties any
		var required []string
		if tool.Schema != nil {
			if props, ok := tool.Schema["properties"]; ok {
				properties = props
			}
			if req, ok := tool.Schema["required"].([]string); ok {
				required = req
			}
		}
		result[i] = anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        tool.Name,
				Description: anthropicsdk.String(tool.Description),
				InputSchema: anthropicsdk.ToolInputSchemaParam{Properties: properties, Required: required},
			},
		}
	}
	return result
}

func convertResponse(resp *anthropicsdk.Message) instrument.ChatResult {
	out := instrument.ChatResult{
		FinishReason: string(resp.StopReason),
		Usage: instrument.Usage{
			TokensIn:  int(resp.Usage.InputTokens),
			TokensOut: int(resp.Usage.OutputTokens),
		},
	}

	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += b.Text
		case anthropicsdk.ToolUseBlock:
			out.ToolCalls = append(out.ToolCalls, instrument.ToolCall{
				Name:  b.Name,
				Input: convertToolInput(b.Input),
			})
		}
	}
	return out
}

func convertToolInput(input any) map[string]any {
	if input == nil {
		return nil
	}
	if m, ok := input.(map[string]any); ok {
		return m
	}
	return map[string]any{"_raw": input}
}
