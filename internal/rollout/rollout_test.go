package rollout

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/turnloop/agentcore/pkg/models"
)

func TestWriterFirstLineIsSessionMeta(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w, err := NewWriter(dir, SessionMeta{Cwd: "/work", Originator: "cli", ModelProvider: "openai"}, now)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	meta, lines, err := ReadFile(w.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if meta.Cwd != "/work" || meta.ModelProvider != "openai" {
		t.Fatalf("unexpected meta: %+v", meta)
	}
	if len(lines) != 0 {
		t.Fatalf("expected no lines beyond meta, got %d", len(lines))
	}
}

func TestWriterAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w, err := NewWriter(dir, SessionMeta{Cwd: "/work"}, now)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	msg1 := models.ResponseItem{Type: models.ResponseItemMessage, Role: "user", Content: "hello"}
	msg2 := models.ResponseItem{Type: models.ResponseItemMessage, Role: "assistant", Content: "hi"}
	if err := w.AppendResponseItem(msg1, now); err != nil {
		t.Fatalf("AppendResponseItem: %v", err)
	}
	if err := w.AppendResponseItem(msg2, now); err != nil {
		t.Fatalf("AppendResponseItem: %v", err)
	}

	_, lines, err := ReadFile(w.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	items, err := ReplayResponseItems(lines)
	if err != nil {
		t.Fatalf("ReplayResponseItems: %v", err)
	}
	if len(items) != 2 || items[0].Content != "hello" || items[1].Content != "hi" {
		t.Fatalf("unexpected replay: %+v", items)
	}
}

// TestReplayRespectsCompaction pins spec invariant 5: after resume, history
// equals the post-compaction replacement plus anything recorded after it.
func TestReplayRespectsCompaction(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w, err := NewWriter(dir, SessionMeta{Cwd: "/work"}, now)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(func() { w.Close() })

	pre := models.ResponseItem{Type: models.ResponseItemMessage, Role: "user", Content: "pre-compaction"}
	if err := w.AppendResponseItem(pre, now); err != nil {
		t.Fatalf("AppendResponseItem: %v", err)
	}

	replacement := []models.ResponseItem{{Type: models.ResponseItemMessage, Role: "user", Content: "summary"}}
	if err := w.AppendCompacted(CompactedRecord{ReplacementHistory: replacement}, now); err != nil {
		t.Fatalf("AppendCompacted: %v", err)
	}

	post := models.ResponseItem{Type: models.ResponseItemMessage, Role: "assistant", Content: "post-compaction"}
	if err := w.AppendResponseItem(post, now); err != nil {
		t.Fatalf("AppendResponseItem: %v", err)
	}

	_, lines, err := ReadFile(w.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	items, err := ReplayResponseItems(lines)
	if err != nil {
		t.Fatalf("ReplayResponseItems: %v", err)
	}
	if len(items) != 2 || items[0].Content != "summary" || items[1].Content != "post-compaction" {
		t.Fatalf("compaction not respected: %+v", items)
	}
}

func TestReadFileToleratesTruncatedTrailingLine(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w, err := NewWriter(dir, SessionMeta{Cwd: "/work"}, now)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	path := w.Path()
	if err := w.AppendResponseItem(models.ResponseItem{Type: models.ResponseItemMessage, Content: "ok"}, now); err != nil {
		t.Fatalf("AppendResponseItem: %v", err)
	}
	w.Close()

	f, err := filepath.Abs(path)
	if err != nil {
		t.Fatalf("abs: %v", err)
	}
	appendRaw(t, f, `{"timestamp":"2026-03-01T12:00:00Z","type":"response_item","payload":{"typ`)

	_, lines, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if len(lines) != 1 {
		t.Fatalf("expected truncated trailing line to be dropped, got %d lines", len(lines))
	}
}

// TestLineRoundTrip pins spec invariant 6: serialize(deserialize(line)) == line.
func TestLineRoundTrip(t *testing.T) {
	original := Line{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Type:      LineResponseItem,
		Payload:   json.RawMessage(`{"type":"message","role":"user","content":"hi"}`),
	}
	encoded, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var decoded Line
	if err := json.Unmarshal(encoded, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	reencoded, err := json.Marshal(decoded)
	if err != nil {
		t.Fatalf("Marshal(decoded): %v", err)
	}
	if string(encoded) != string(reencoded) {
		t.Fatalf("round trip mismatch:\n%s\n%s", encoded, reencoded)
	}
}

func appendRaw(t *testing.T, path, s string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString("\n" + s); err != nil {
		t.Fatalf("WriteString: %v", err)
	}
}
