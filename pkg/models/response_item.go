package models

import (
	"encoding/json"
	"time"
)

// ResponseItemType tags the variant of a ResponseItem.
type ResponseItemType string

const (
	ResponseItemMessage            ResponseItemType = "message"
	ResponseItemReasoning          ResponseItemType = "reasoning"
	ResponseItemFunctionCall       ResponseItemType = "function_call"
	ResponseItemFunctionCallOutput ResponseItemType = "function_call_output"
	ResponseItemCustomToolCall     ResponseItemType = "custom_tool_call"
	ResponseItemCustomToolOutput   ResponseItemType = "custom_tool_call_output"
	ResponseItemShellCall          ResponseItemType = "shell_call"
	ResponseItemShellCallOutput    ResponseItemType = "shell_call_output"
	ResponseItemWebSearchCall      ResponseItemType = "web_search_call"
	ResponseItemGhostSnapshot      ResponseItemType = "ghost_snapshot"
)

// ResponseItem is one entry in a conversation's append-only history. It is a
// tagged union; exactly the fields relevant to Type are populated. Field
// names and the "type" tag are preserved verbatim on the wire so they match
// the model API and client protocol.
type ResponseItem struct {
	Type ResponseItemType `json:"type"`

	// message
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// reasoning
	ReasoningSummary string `json:"summary,omitempty"`

	// function_call / custom_tool_call / shell_call
	CallID    string          `json:"call_id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`

	// function_call_output / custom_tool_call_output / shell_call_output
	Output      string `json:"output,omitempty"`
	IsError     bool   `json:"is_error,omitempty"`
	OrigTokens  int    `json:"-"`
	Truncated   bool   `json:"-"`

	// web_search_call
	Query string `json:"query,omitempty"`

	// ghost_snapshot
	SnapshotRef string `json:"snapshot_ref,omitempty"`

	// CreatedAt is informational only; not part of the wire pairing logic.
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// IsCall reports whether the item is a call variant expecting a paired output.
func (r ResponseItem) IsCall() bool {
	switch r.Type {
	case ResponseItemFunctionCall, ResponseItemCustomToolCall, ResponseItemShellCall:
		return true
	default:
		return false
	}
}

// IsOutput reports whether the item is an output variant pairing back to a call.
func (r ResponseItem) IsOutput() bool {
	switch r.Type {
	case ResponseItemFunctionCallOutput, ResponseItemCustomToolOutput, ResponseItemShellCallOutput:
		return true
	default:
		return false
	}
}

// IsAPIMessage reports whether the item is one of the kinds sent to the
// model: messages with role != "system", reasoning, and any call/output.
func (r ResponseItem) IsAPIMessage() bool {
	switch r.Type {
	case ResponseItemMessage:
		return r.Role != "system"
	case ResponseItemReasoning:
		return true
	case ResponseItemGhostSnapshot:
		return false
	default:
		return r.IsCall() || r.IsOutput() || r.Type == ResponseItemWebSearchCall
	}
}

// TokenUsageInfo holds running token counters for a conversation, updated
// after each model turn.
type TokenUsageInfo struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	ContextWindow     *int64 `json:"context_window,omitempty"`
	// Full signals pre-compaction saturation: the estimated usage has
	// crossed the model family's effective context window.
	Full bool `json:"full,omitempty"`
}

// Add accumulates usage from one model turn into the running totals.
func (t *TokenUsageInfo) Add(input, cachedInput, output int64) {
	t.InputTokens += input
	t.CachedInputTokens += cachedInput
	t.OutputTokens += output
}
