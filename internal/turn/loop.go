package turn

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/turnloop/agentcore/internal/approval"
	"github.com/turnloop/agentcore/internal/compaction"
	"github.com/turnloop/agentcore/internal/convo"
	"github.com/turnloop/agentcore/internal/observability"
	"github.com/turnloop/agentcore/internal/rollout"
	"github.com/turnloop/agentcore/pkg/models"
)

func nowForRollout() time.Time { return time.Now() }

// OpKind is the set of operations a client may submit to a running turn
// loop (spec C8).
type OpKind string

const (
	OpUserInput    OpKind = "user_input"
	OpUserTurn     OpKind = "user_turn"
	OpCompact      OpKind = "compact"
	OpReview       OpKind = "review"
	OpInterrupt    OpKind = "interrupt"
	OpExecApproval OpKind = "exec_approval"
	OpShutdown     OpKind = "shutdown"
)

// Op is one submitted operation.
type Op struct {
	Kind    OpKind
	Text    string
	Decision approval.Decision // for OpExecApproval
	ApprovalKey string
}

// Prompt is the fully assembled request sent to the model for one turn.
type Prompt struct {
	Input             []models.ResponseItem
	Tools             []Tool
	BaseInstructions  string
	OutputSchema      json.RawMessage
}

// TurnEvent is one streamed event emitted while a turn runs.
type TurnEvent struct {
	OutputItemDone *models.ResponseItem
	RateLimits     *TokenRateLimitSnapshot
	Completed      *TurnCompleted
	Delta          string
}

// TokenRateLimitSnapshot mirrors the rate-limit headers returned alongside
// a model response.
type TokenRateLimitSnapshot struct {
	PrimaryUsedPercent   float64
	SecondaryUsedPercent float64
}

// TurnCompleted carries final usage accounting for a turn.
type TurnCompleted struct {
	Usage models.TokenUsageInfo
}

// ModelClient is the minimal surface the turn loop needs from the LLM
// backend: run one prompt to completion, streaming events as they arrive.
type ModelClient interface {
	Stream(ctx context.Context, model string, prompt Prompt) (<-chan TurnEvent, error)
}

// TurnContext bundles everything one running conversation needs to execute
// a turn: the tool registry/executor, approval and sandbox orchestration,
// history, and durability.
type TurnContext struct {
	Model     string
	Client    ModelClient
	Registry  *ToolRegistry
	Executor  *Executor
	History   *convo.History
	Rollout   *rollout.Writer
	Approvals *approval.Store
	Compactor *compaction.Compactor

	// Emitter streams AgentEvents for this turn (tool lifecycle, exec/patch
	// sub-events, and — for Review delegates — the C8/E7 event sequence).
	// Nil is valid: events are simply not emitted.
	Emitter *EventEmitter

	// Metrics records Prometheus counters/histograms for tool executions
	// and run attempts. Nil is valid: metrics are simply not recorded.
	Metrics *observability.Metrics

	// IsReview marks this TurnContext as a sub-agent Review delegate: its
	// approval requests tunnel to the parent, and it must not emit
	// legacy deltas or a SessionConfigured event of its own.
	IsReview     bool
	ParentApprov *approval.Store
}

// RunTurn drives one user turn to completion: streams the model's reply,
// groups consecutive function calls into dispatch batches (parallel when
// every call in the batch is known-safe, sequential otherwise per spec
// §4.4), executes them, and appends the resulting items to history.
func (tc *TurnContext) RunTurn(ctx context.Context, userInput []models.ResponseItem) ([]models.ResponseItem, error) {
	if tc.Emitter != nil {
		tc.Emitter.TurnStarted(ctx)
		defer tc.Emitter.TurnFinished(ctx)
	}

	for _, item := range userInput {
		tc.History.Record(item)
	}

	prompt := Prompt{
		Input: tc.History.GetHistoryForPrompt(),
		Tools: tc.Registry.AsLLMTools(),
	}

	events, err := tc.Client.Stream(ctx, tc.Model, prompt)
	if err != nil {
		if tc.Metrics != nil {
			tc.Metrics.RecordRunAttempt("failed")
			tc.Metrics.RecordError("turn", "stream_failed")
		}
		return nil, fmt.Errorf("turn: starting stream: %w", err)
	}
	if tc.Metrics != nil {
		tc.Metrics.RecordRunAttempt("success")
	}

	var produced []models.ResponseItem
	var pendingCalls []models.ResponseItem

	flushCalls := func() error {
		if len(pendingCalls) == 0 {
			return nil
		}
		results, err := tc.dispatchBatch(ctx, pendingCalls)
		if err != nil {
			return err
		}
		for _, r := range results {
			tc.History.Record(r)
			produced = append(produced, r)
			if tc.Rollout != nil {
				_ = tc.Rollout.AppendResponseItem(r, nowForRollout())
			}
		}
		pendingCalls = nil
		return nil
	}

	for ev := range events {
		if ev.Delta != "" && tc.Emitter != nil {
			tc.Emitter.ModelDelta(ctx, ev.Delta)
		}
		if ev.OutputItemDone == nil {
			continue
		}
		item := *ev.OutputItemDone

		if item.Type == models.ResponseItemFunctionCall || item.Type == models.ResponseItemCustomToolCall || item.Type == models.ResponseItemShellCall {
			pendingCalls = append(pendingCalls, item)
			continue
		}

		if err := flushCalls(); err != nil {
			return produced, err
		}

		tc.History.Record(item)
		produced = append(produced, item)
		if tc.Rollout != nil {
			_ = tc.Rollout.AppendResponseItem(item, nowForRollout())
		}
	}
	if err := flushCalls(); err != nil {
		return produced, err
	}

	return produced, nil
}

// dispatchBatch groups a run of consecutive function-call items: if every
// call in the batch is known-safe (spec toolbox.IsKnownSafe), it runs them
// concurrently via Executor.ExecuteAll; otherwise each call runs in turn,
// one at a time, so a mutating call never races another.
func (tc *TurnContext) dispatchBatch(ctx context.Context, calls []models.ResponseItem) ([]models.ResponseItem, error) {
	allSafe := true
	toolCalls := make([]models.ToolCall, len(calls))
	for i, c := range calls {
		toolCalls[i] = models.ToolCall{ID: c.CallID, Name: c.Name, Input: c.Arguments}
		if !IsKnownSafe(c.Name) {
			allSafe = false
		}
	}

	if tc.Emitter != nil {
		for _, c := range toolCalls {
			tc.emitCallBegin(ctx, c)
		}
	}

	var execResults []*ExecutionResult
	if allSafe {
		execResults = tc.Executor.ExecuteAll(ctx, toolCalls)
	} else {
		execResults = make([]*ExecutionResult, len(toolCalls))
		for i, call := range toolCalls {
			execResults[i] = tc.Executor.Execute(ctx, call)
		}
	}

	outputs := make([]models.ResponseItem, len(execResults))
	for i, r := range execResults {
		content := ""
		isError := false
		if r.Error != nil {
			content = r.Error.Error()
			isError = true
		} else if r.Result != nil {
			content = r.Result.Content
			isError = r.Result.IsError
		}
		if tc.Emitter != nil {
			tc.emitCallEnd(ctx, r, isError)
		}
		if tc.Metrics != nil {
			status := "success"
			if isError {
				status = "error"
			}
			tc.Metrics.RecordToolExecution(r.ToolName, status, r.Duration.Seconds())
		}
		outputs[i] = models.ResponseItem{
			Type:    models.ResponseItemFunctionCallOutput,
			CallID:  r.ToolCallID,
			Output:  content,
			IsError: isError,
		}
	}
	return outputs, nil
}

// execToolNames are the known registrations of the unified exec tool (spec
// C4); commands.go registers it as "shell", but "exec"/"unified_exec" are
// also accepted so a differently-configured registry still gets the
// fine-grained exec_command.* events.
var execToolNames = map[string]bool{"shell": true, "exec": true, "unified_exec": true}

const patchToolName = "apply_patch"

// execResultFields mirrors the subset of execrun.ExecResult this package
// needs to surface as ExecCommandEnd/OutputDelta events, without importing
// execrun (which already imports this package).
type execResultFields struct {
	Command  []string `json:"command"`
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	ExitCode int      `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// emitCallBegin emits the generic and, for known exec/patch tools, the
// fine-grained C4 Begin event for one tool call about to run.
func (tc *TurnContext) emitCallBegin(ctx context.Context, call models.ToolCall) {
	tc.Emitter.ToolStarted(ctx, call.ID, call.Name, call.Input)

	switch {
	case execToolNames[call.Name]:
		var args struct {
			Command string `json:"command"`
		}
		_ = json.Unmarshal(call.Input, &args)
		tc.Emitter.ExecCommandBegin(ctx, call.ID, []string{args.Command})
	case call.Name == patchToolName:
		tc.Emitter.PatchApplyBegin(ctx, call.ID, nil)
	}
}

// emitCallEnd emits the generic Success/Failure event plus, for known
// exec/patch tools, the fine-grained C4 End event for a completed call.
func (tc *TurnContext) emitCallEnd(ctx context.Context, r *ExecutionResult, isError bool) {
	var resultJSON []byte
	if r.Result != nil {
		resultJSON = []byte(r.Result.Content)
	}
	tc.Emitter.ToolFinished(ctx, r.ToolCallID, r.ToolName, !isError, resultJSON, r.Duration)

	switch {
	case execToolNames[r.ToolName]:
		var fields execResultFields
		if r.Result != nil && json.Unmarshal([]byte(r.Result.Content), &fields) == nil {
			if fields.Stdout != "" {
				tc.Emitter.OutputDelta(ctx, r.ToolCallID, "stdout", fields.Stdout)
			}
			if fields.Stderr != "" {
				tc.Emitter.OutputDelta(ctx, r.ToolCallID, "stderr", fields.Stderr)
			}
			tc.Emitter.ExecCommandEnd(ctx, r.ToolCallID, fields.ExitCode, fields.Duration)
		} else {
			tc.Emitter.ExecCommandEnd(ctx, r.ToolCallID, -1, r.Duration)
		}
	case r.ToolName == patchToolName:
		tc.Emitter.PatchApplyEnd(ctx, r.ToolCallID, nil, !isError)
		if !isError && r.Result != nil {
			tc.Emitter.TurnDiff(ctx, r.ToolCallID, r.Result.Content)
		}
	}
}

// RunReview spawns a sub-agent Review delegate sharing this TurnContext's
// registry/executor but with its own isolated history, and tunnels any
// approval request back to the parent's approval store (spec §4.8): the
// delegate never prompts the user directly, it re-uses whatever decision
// the parent's Store.Ask would produce (or, if already cached on the
// parent, the cached decision) so a review pass never re-surfaces an
// approval the user already granted in the parent turn.
func (tc *TurnContext) RunReview(ctx context.Context, reviewPrompt string) (ReviewOutputEvent, error) {
	if tc.Emitter != nil {
		tc.Emitter.EnteredReviewMode(ctx, reviewPrompt)
	}

	delegate := &TurnContext{
		Model:    tc.Model,
		Client:   tc.Client,
		Registry: tc.Registry,
		Executor: tc.Executor,
		History:  convo.NewHistory(convo.BytesPerFourEstimator{}),
		IsReview: true,
		// Emitter is intentionally left nil: a Review delegate must not
		// emit its own turn.started/model.delta stream (spec §4.8), only
		// the parent-level events this method emits directly.
		Approvals: approval.NewStore(func(ctx context.Context, retryReason string, risk string) (approval.Decision, error) {
			key := approval.Key("review_exec", reviewPrompt)
			if tc.Emitter != nil {
				tc.Emitter.ExecApprovalRequest(ctx, key)
			}
			return tc.Approvals.Ask(ctx, retryReason, risk)
		}),
		ParentApprov: tc.Approvals,
	}

	input := []models.ResponseItem{{
		Type:    models.ResponseItemMessage,
		Role:    "user",
		Content: reviewPrompt,
	}}

	produced, err := delegate.RunTurn(ctx, input)
	if err != nil {
		if tc.Emitter != nil {
			tc.Emitter.TurnAborted(ctx, err.Error())
		}
		return ReviewOutputEvent{}, fmt.Errorf("turn: review sub-agent failed: %w", err)
	}

	output, err := parseReviewOutput(produced)
	if tc.Emitter != nil {
		var outJSON []byte
		if err == nil && (len(output.Findings) > 0 || output.Raw != "") {
			outJSON, _ = json.Marshal(output)
		}
		tc.Emitter.ExitedReviewMode(ctx, outJSON)
		tc.Emitter.TaskComplete(ctx)
	}
	return output, err
}

// ReviewOutputEvent is the structured verdict a Review sub-agent produces.
// If the model's final message cannot be parsed as structured JSON, Raw
// carries its plain text instead (fallback per spec §4.8).
type ReviewOutputEvent struct {
	Findings []ReviewFinding `json:"findings,omitempty"`
	Raw      string          `json:"-"`
}

// ReviewFinding is one flagged issue from a review pass.
type ReviewFinding struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty"`
}

func parseReviewOutput(items []models.ResponseItem) (ReviewOutputEvent, error) {
	var lastMessage string
	for i := len(items) - 1; i >= 0; i-- {
		if items[i].Type == models.ResponseItemMessage && items[i].Role == "assistant" {
			lastMessage = items[i].Content
			break
		}
	}
	if lastMessage == "" {
		return ReviewOutputEvent{}, nil
	}

	var structured ReviewOutputEvent
	if err := json.Unmarshal([]byte(lastMessage), &structured); err == nil && len(structured.Findings) > 0 {
		return structured, nil
	}
	return ReviewOutputEvent{Raw: lastMessage}, nil
}
