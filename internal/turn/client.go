package turn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/turnloop/agentcore/pkg/models"
)

// ProviderClient adapts an LLMProvider (a single backend, or a Router
// fanning out across several) to the ModelClient surface the turn loop
// drives: one CompletionRequest/CompletionChunk stream per call becomes one
// Prompt/TurnEvent stream per turn.
type ProviderClient struct {
	Provider LLMProvider
}

// NewProviderClient wraps provider as a ModelClient.
func NewProviderClient(provider LLMProvider) *ProviderClient {
	return &ProviderClient{Provider: provider}
}

// Stream implements ModelClient by translating prompt into a
// CompletionRequest, submitting it to the wrapped provider, and translating
// the resulting CompletionChunk stream back into TurnEvents: text deltas
// pass through as Delta, a returned tool call becomes a synthetic
// function_call ResponseItem, and the terminal chunk becomes Completed.
func (c *ProviderClient) Stream(ctx context.Context, model string, prompt Prompt) (<-chan TurnEvent, error) {
	if c == nil || c.Provider == nil {
		return nil, fmt.Errorf("turn: no model provider configured")
	}

	system := prompt.BaseInstructions
	if schema := marshalPromptSchema(prompt.OutputSchema); schema != "" {
		system = system + "\n\nRespond with JSON matching this schema:\n" + schema
	}

	req := &CompletionRequest{
		Model:     model,
		System:    system,
		Messages:  responseItemsToMessages(prompt.Input),
		Tools:     prompt.Tools,
		MaxTokens: 0,
	}

	chunks, err := c.Provider.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("turn: provider complete: %w", err)
	}

	out := make(chan TurnEvent)
	go func() {
		defer close(out)
		var usage models.TokenUsageInfo
		for chunk := range chunks {
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				return
			}
			if chunk.Text != "" {
				select {
				case out <- TurnEvent{Delta: chunk.Text}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.ToolCall != nil {
				item := toolCallToResponseItem(*chunk.ToolCall)
				select {
				case out <- TurnEvent{OutputItemDone: &item}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.InputTokens > 0 || chunk.OutputTokens > 0 {
				usage.Add(int64(chunk.InputTokens), 0, int64(chunk.OutputTokens))
			}
			if chunk.Done {
				select {
				case out <- TurnEvent{Completed: &TurnCompleted{Usage: usage}}:
				case <-ctx.Done():
				}
				return
			}
		}
	}()
	return out, nil
}

// toolCallToResponseItem wraps a tool call surfaced by a provider as the
// function_call ResponseItem the turn loop's dispatch path expects.
func toolCallToResponseItem(call models.ToolCall) models.ResponseItem {
	return models.ResponseItem{
		Type:      models.ResponseItemFunctionCall,
		CallID:    call.ID,
		Name:      call.Name,
		Arguments: call.Input,
	}
}

// responseItemsToMessages folds a conversation's ResponseItem history into
// the CompletionMessage sequence a provider expects: assistant text and
// function calls collapse onto one message per turn, and a call's paired
// output becomes a "tool" role message carrying the matching ToolResult.
func responseItemsToMessages(items []models.ResponseItem) []CompletionMessage {
	var messages []CompletionMessage
	var pendingAssistant *CompletionMessage

	flushAssistant := func() {
		if pendingAssistant != nil {
			messages = append(messages, *pendingAssistant)
			pendingAssistant = nil
		}
	}

	for _, item := range items {
		switch item.Type {
		case models.ResponseItemMessage:
			if item.Role == "system" {
				continue
			}
			flushAssistant()
			messages = append(messages, CompletionMessage{Role: item.Role, Content: item.Content})

		case models.ResponseItemReasoning:
			continue

		case models.ResponseItemFunctionCall, models.ResponseItemCustomToolCall, models.ResponseItemShellCall:
			if pendingAssistant == nil {
				pendingAssistant = &CompletionMessage{Role: "assistant"}
			}
			pendingAssistant.ToolCalls = append(pendingAssistant.ToolCalls, models.ToolCall{
				ID:    item.CallID,
				Name:  item.Name,
				Input: item.Arguments,
			})

		case models.ResponseItemFunctionCallOutput, models.ResponseItemCustomToolOutput, models.ResponseItemShellCallOutput:
			flushAssistant()
			messages = append(messages, CompletionMessage{
				Role: "tool",
				ToolResults: []models.ToolResult{{
					ToolCallID: item.CallID,
					Content:    item.Output,
					IsError:    item.IsError,
				}},
			})

		default:
			continue
		}
	}
	flushAssistant()
	return messages
}

// marshalPromptSchema renders an OutputSchema for inclusion in a provider
// request when the provider itself has no structured-output parameter
// (most chat-completions style APIs accept it embedded in the system
// prompt instead).
func marshalPromptSchema(schema json.RawMessage) string {
	if len(schema) == 0 {
		return ""
	}
	return string(schema)
}
