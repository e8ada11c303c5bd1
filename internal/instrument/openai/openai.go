// Package openai adapts OpenAI's chat completions API to
// instrument.ChatModel, with retry on transient failures.
package openai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/flightrecorder/core/internal/instrument"
)

const apiVersion = "v1"

// ChatModel implements instrument.ChatModel for OpenAI.
type ChatModel struct {
	apiKey     string
	modelName  string
	maxRetries int
	retryDelay time.Duration
}

// NewChatModel builds a ChatModel. An empty modelName falls back to a
// current GPT-4o release.
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = "gpt-4o"
	}
	return &ChatModel{
		apiKey:     apiKey,
		modelName:  modelName,
		maxRetries: 3,
		retryDelay: time.Second,
	}
}

func (m *ChatModel) Provider() string   { return "openai" }
func (m *ChatModel) ModelID() string    { return m.modelName }
func (m *ChatModel) APIVersion() string { return apiVersion }

// Chat sends messages to OpenAI, retrying transient errors with linear
// backoff, and translates the completion into an instrument.ChatResult.
func (m *ChatModel) Chat(ctx context.Context, messages []instrument.Message, tools []instrument.ToolSpec) (instrument.ChatResult, error) {
	if ctx.Err() != nil {
		return instrument.ChatResult{}, ctx.Err()
	}
	if m.apiKey == "" {
		return instrument.ChatResult{}, errors.New("OpenAI API key is required")
	}

	var lastErr error
	retries := 0
	for attempt := 0; attempt <= m.maxRetries; attempt++ {
		out, err := m.complete(ctx, messages, tools)
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !isTransientError(err) || attempt >= m.maxRetries {
			break
		}
		retries++
		select {
		case <-time.After(m.retryDelay * time.Duration(attempt+1)):
		case <-ctx.Done():
			return instrument.ChatResult{}, ctx.Err()
		}
	}
	return instrument.ChatResult{}, fmt.Errorf("OpenAI API failed after %d retries: %w", retries, lastErr)
}

func (m *ChatModel) complete(ctx context.Context, messages []instrument.Message, tools []instrument.ToolSpec) (instrument.ChatResult, error) {
	client := openaisdk.NewClient(option.WithAPIKey(m.apiKey))

	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(m.modelName),
		Messages: convertMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertTools(tools)
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return instrument.ChatResult{}, fmt.Errorf("OpenAI API error: %w", err)
	}
	return convertResponse(resp), nil
}

func isTransientError(err error) bool {
	msgLower := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "network", "connection", "temporary", "rate_limit", "503", "502", "500"} {
		if strings.Contains(msgLower, pattern) {
			return true
		}
	}
	return false
}

func convertMessages(messages []instrument.Message) []openaisdk.ChatCompletionMessageParamUnion {
	result := make([]openaisdk.ChatCompletionMessageParamUnion, len(messages))
	for i, msg := range messages {
		switch msg.Role {
		case instrument.RoleSystem:
			result[i] = openaisdk.SystemMessage(msg.Content)
		case instrument.RoleAssistant:
			result[i] = openaisdk.AssistantMessage(msg.Content)
		default:
			result[i] = openaisdk.UserMessage(msg.Content)
		}
	}
	return result
}

func convertTools(tools []instrument.ToolSpec) []openaisdk.ChatCompletionToolParam {
	result := make([]openaisdk.ChatCompletionToolParam, len(tools))
	for i, tool := range tools {
		result[i] = openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: openaisdk.String(tool.Description),
				Parameters:  shared.FunctionParameters(tool.Schema),
			},
		}
	}
	return result
}

func convertResponse(resp *openaisdk.ChatCompletion) instrument.ChatResult {
	out := instrument.ChatResult{
		Usage: instrument.Usage{
			TokensIn:  int(resp.Usage.PromptTokens),
			TokensOut: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	out.FinishReason = string(choice.FinishReason)
	out.Text = choice.Message.Content

	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, instrument.ToolCall{
			Name:  tc.Function.Name,
			Input: map[string]any{"_raw": tc.Function.Arguments},
		})
	}
	return out
}
