package compaction

import (
	"context"
	"testing"
	"time"

	"github.com/turnloop/agentcore/internal/convo"
	"github.com/turnloop/agentcore/internal/rollout"
	"github.com/turnloop/agentcore/pkg/models"
)

type fakeEndpoint struct {
	calls       int
	replacement []models.ResponseItem
}

func (f *fakeEndpoint) Compact(ctx context.Context, model string, history []models.ResponseItem) ([]models.ResponseItem, error) {
	f.calls++
	return f.replacement, nil
}

// TestCompactorRunReplacesHistoryAndReportsTaskComplete pins spec E6: the
// compaction endpoint is called exactly once, its replacement supersedes the
// in-memory history, and the canonical completion message is reported
// verbatim.
func TestCompactorRunReplacesHistoryAndReportsTaskComplete(t *testing.T) {
	history := convo.NewHistory(nil)
	history.Record(models.ResponseItem{Type: models.ResponseItemMessage, Role: "user", Content: "long conversation..."})

	replacement := []models.ResponseItem{
		{Type: models.ResponseItemMessage, Role: "assistant", Content: "summary of prior turns"},
	}
	endpoint := &fakeEndpoint{replacement: replacement}

	codexHome := t.TempDir()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	writer, err := rollout.NewWriter(codexHome, rollout.SessionMeta{ID: "sess-1"}, now)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	defer writer.Close()

	c := &Compactor{Endpoint: endpoint, Writer: writer, History: history}
	result, err := c.Run(context.Background(), "gpt-5.1", TriggerExplicit, now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if endpoint.calls != 1 {
		t.Fatalf("endpoint called %d times, want exactly 1", endpoint.calls)
	}
	if result.Message != "Compact task completed" {
		t.Fatalf("Message = %q, want %q", result.Message, TaskCompleteMessage)
	}
	if result.Trigger != TriggerExplicit {
		t.Fatalf("Trigger = %q, want explicit", result.Trigger)
	}
	if len(result.ReplacementHistory) != 1 || result.ReplacementHistory[0].Content != "summary of prior turns" {
		t.Fatalf("ReplacementHistory = %+v", result.ReplacementHistory)
	}

	inMemory := history.Items()
	if len(inMemory) != 1 || inMemory[0].Content != "summary of prior turns" {
		t.Fatalf("in-memory history not replaced: %+v", inMemory)
	}

	_, lines, err := rollout.ReadFile(writer.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var sawCompacted bool
	for _, l := range lines {
		if l.Type == rollout.LineCompacted {
			sawCompacted = true
		}
	}
	if !sawCompacted {
		t.Fatalf("no compacted record appended to rollout file")
	}
}

func TestCompactorRunPropagatesEndpointError(t *testing.T) {
	history := convo.NewHistory(nil)
	endpoint := &erroringEndpoint{}
	c := &Compactor{Endpoint: endpoint, History: history}

	_, err := c.Run(context.Background(), "gpt-5.1", TriggerAutomatic, time.Now())
	if err == nil {
		t.Fatalf("Run: expected error from failing endpoint")
	}
	if endpoint.calls != 1 {
		t.Fatalf("endpoint called %d times, want 1", endpoint.calls)
	}
}

type erroringEndpoint struct{ calls int }

func (e *erroringEndpoint) Compact(ctx context.Context, model string, history []models.ResponseItem) ([]models.ResponseItem, error) {
	e.calls++
	return nil, context.DeadlineExceeded
}
