package convo

import (
	"testing"

	"github.com/turnloop/agentcore/pkg/models"
)

// TestGetHistoryForPromptSynthesizesMissingOutput pins invariant 1: a call
// with no recorded output gets a synthetic error output inserted before the
// next item, so the prompt sent to the model is always correctly paired.
func TestGetHistoryForPromptSynthesizesMissingOutput(t *testing.T) {
	h := NewHistory(nil)
	h.Record(models.ResponseItem{Type: models.ResponseItemMessage, Role: "user", Content: "hi"})
	h.Record(models.ResponseItem{Type: models.ResponseItemFunctionCall, CallID: "call-1", Name: "read_file"})
	h.Record(models.ResponseItem{Type: models.ResponseItemMessage, Role: "assistant", Content: "done"})

	out := h.GetHistoryForPrompt()
	if len(out) != 4 {
		t.Fatalf("len(out) = %d, want 4 (user, call, synthetic output, assistant)", len(out))
	}
	synthetic := out[2]
	if synthetic.Type != models.ResponseItemFunctionCallOutput {
		t.Fatalf("synthetic.Type = %q, want function_call_output", synthetic.Type)
	}
	if synthetic.CallID != "call-1" || !synthetic.IsError {
		t.Fatalf("synthetic output = %+v, want call_id=call-1 is_error=true", synthetic)
	}
}

// TestGetHistoryForPromptDropsOrphanOutput pins invariant 1's other half: an
// output with no preceding unmatched call is dropped rather than sent.
func TestGetHistoryForPromptDropsOrphanOutput(t *testing.T) {
	h := NewHistory(nil)
	h.Record(models.ResponseItem{Type: models.ResponseItemFunctionCallOutput, CallID: "stray", Output: "leftover"})
	h.Record(models.ResponseItem{Type: models.ResponseItemMessage, Role: "user", Content: "hi"})

	out := h.GetHistoryForPrompt()
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1 (orphan output dropped)", len(out))
	}
	if out[0].Type != models.ResponseItemMessage {
		t.Fatalf("out[0].Type = %q, want message", out[0].Type)
	}
}

// TestGetHistoryForPromptStripsGhostSnapshots pins invariant 1's ghost
// filtering: ghost_snapshot items are retained in Items() but never sent to
// the model.
func TestGetHistoryForPromptStripsGhostSnapshots(t *testing.T) {
	h := NewHistory(nil)
	h.Record(models.ResponseItem{Type: models.ResponseItemGhostSnapshot, SnapshotRef: "snap-1"})
	h.Record(models.ResponseItem{Type: models.ResponseItemMessage, Role: "user", Content: "hi"})

	if len(h.Items()) != 2 {
		t.Fatalf("Items() len = %d, want 2", len(h.Items()))
	}
	out := h.GetHistoryForPrompt()
	if len(out) != 1 || out[0].Type != models.ResponseItemMessage {
		t.Fatalf("GetHistoryForPrompt = %+v, want ghost stripped", out)
	}
}

// TestGetHistoryForPromptValidPairingUnchanged confirms a well-formed
// call/output pair passes through normalization untouched.
func TestGetHistoryForPromptValidPairingUnchanged(t *testing.T) {
	h := NewHistory(nil)
	h.Record(models.ResponseItem{Type: models.ResponseItemFunctionCall, CallID: "call-1", Name: "read_file"})
	h.Record(models.ResponseItem{Type: models.ResponseItemFunctionCallOutput, CallID: "call-1", Output: "contents"})

	out := h.GetHistoryForPrompt()
	if len(out) != 2 {
		t.Fatalf("len(out) = %d, want 2", len(out))
	}
	if out[1].Output != "contents" || out[1].IsError {
		t.Fatalf("out[1] = %+v, want unmodified real output", out[1])
	}
}

// TestRecordTruncatesLargeOutput pins invariant 2: call outputs exceeding
// the default budget are middle-elided on Record, not on read.
func TestRecordTruncatesLargeOutput(t *testing.T) {
	h := NewHistory(nil)
	big := make([]byte, DefaultOutputBudget*3)
	for i := range big {
		big[i] = 'a'
	}
	h.Record(models.ResponseItem{Type: models.ResponseItemFunctionCallOutput, CallID: "call-1", Output: string(big)})

	items := h.Items()
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
	if !items[0].Truncated {
		t.Fatalf("Truncated = false, want true for oversized output")
	}
	if len(items[0].Output) > DefaultOutputBudget+64 {
		t.Fatalf("Output len = %d, want roughly <= budget+marker", len(items[0].Output))
	}
}

func TestRecordLeavesSmallOutputUntouched(t *testing.T) {
	h := NewHistory(nil)
	h.Record(models.ResponseItem{Type: models.ResponseItemFunctionCallOutput, CallID: "call-1", Output: "small"})

	items := h.Items()
	if items[0].Truncated {
		t.Fatalf("Truncated = true, want false for small output")
	}
	if items[0].Output != "small" {
		t.Fatalf("Output = %q, want unchanged", items[0].Output)
	}
}

func TestReplaceSwapsHistoryWholesale(t *testing.T) {
	h := NewHistory(nil)
	h.Record(models.ResponseItem{Type: models.ResponseItemMessage, Role: "user", Content: "before"})

	replacement := []models.ResponseItem{
		{Type: models.ResponseItemMessage, Role: "assistant", Content: "after"},
	}
	h.Replace(replacement)

	items := h.Items()
	if len(items) != 1 || items[0].Content != "after" {
		t.Fatalf("Items() = %+v, want [after]", items)
	}
}

func TestRemoveFirstItemDropsPairedOutput(t *testing.T) {
	h := NewHistory(nil)
	h.Record(models.ResponseItem{Type: models.ResponseItemFunctionCall, CallID: "call-1", Name: "read_file"})
	h.Record(models.ResponseItem{Type: models.ResponseItemFunctionCallOutput, CallID: "call-1", Output: "x"})
	h.Record(models.ResponseItem{Type: models.ResponseItemMessage, Role: "user", Content: "next"})

	h.RemoveFirstItem()

	items := h.Items()
	if len(items) != 1 || items[0].Content != "next" {
		t.Fatalf("Items() = %+v, want only [next] after removing the call/output pair", items)
	}
}
