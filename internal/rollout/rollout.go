// Package rollout is the durable JSONL session log (spec C6): a
// session_meta header line followed by response_item/event_msg/compacted
// records, written append-atomic at the line level, with resume-by-last,
// resume-by-id, and resume-by-path semantics.
package rollout

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/turnloop/agentcore/pkg/models"
)

// LineType tags a rollout JSONL record.
type LineType string

const (
	LineSessionMeta  LineType = "session_meta"
	LineResponseItem LineType = "response_item"
	LineEventMsg     LineType = "event_msg"
	LineCompacted    LineType = "compacted"
)

// SessionMeta is the mandatory first line of every rollout file.
type SessionMeta struct {
	ID            string    `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	Cwd           string    `json:"cwd"`
	Originator    string    `json:"originator"`
	CLIVersion    string    `json:"cli_version"`
	Source        string    `json:"source"`
	ModelProvider string    `json:"model_provider"`
	Instructions  *string   `json:"instructions,omitempty"`
}

// CompactedRecord carries either a short summary or a full replacement
// history that supersedes all prior conversational items when resumed.
type CompactedRecord struct {
	Summary            string                 `json:"summary,omitempty"`
	ReplacementHistory []models.ResponseItem  `json:"replacement_history,omitempty"`
}

// Line is one JSONL record: {timestamp, type, payload}.
type Line struct {
	Timestamp time.Time       `json:"timestamp"`
	Type      LineType        `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

// Writer appends lines to one session's rollout file, one JSON object per
// line, flushing after every write so a crash loses at most a partially
// written trailing line.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	path string
}

// SessionsDir returns $CODEX_HOME/sessions.
func SessionsDir(codexHome string) string {
	return filepath.Join(codexHome, "sessions")
}

// NewWriter creates (or truncates) the rollout file for a brand-new session
// under sessions/YYYY/MM/DD/rollout-<ts>-<uuid>.jsonl and writes the
// session_meta header as its first line.
func NewWriter(codexHome string, meta SessionMeta, now time.Time) (*Writer, error) {
	if meta.ID == "" {
		meta.ID = uuid.NewString()
	}
	meta.Timestamp = now

	dir := filepath.Join(SessionsDir(codexHome), now.Format("2006"), now.Format("01"), now.Format("02"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("rollout: creating session dir: %w", err)
	}
	filename := fmt.Sprintf("rollout-%s-%s.jsonl", now.Format("20060102T150405"), meta.ID)
	path := filepath.Join(dir, filename)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("rollout: creating session file: %w", err)
	}
	w := &Writer{file: f, path: path}
	if err := w.writeLine(LineSessionMeta, meta, now); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

// Path returns the rollout file's path on disk.
func (w *Writer) Path() string { return w.path }

// AppendResponseItem records one conversation item.
func (w *Writer) AppendResponseItem(item models.ResponseItem, now time.Time) error {
	return w.writeLine(LineResponseItem, item, now)
}

// AppendEventMsg records a transient event (not part of the replayed
// conversation, but useful for audit/debugging).
func (w *Writer) AppendEventMsg(event any, now time.Time) error {
	return w.writeLine(LineEventMsg, event, now)
}

// AppendCompacted records a compaction outcome.
func (w *Writer) AppendCompacted(rec CompactedRecord, now time.Time) error {
	return w.writeLine(LineCompacted, rec, now)
}

func (w *Writer) writeLine(t LineType, payload any, now time.Time) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("rollout: encoding %s payload: %w", t, err)
	}
	line := Line{Timestamp: now, Type: t, Payload: raw}
	encoded, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("rollout: encoding line: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	// A single Write syscall for "line + \n" is the append-atomicity
	// contract at the line level: either the whole line lands or, on a
	// crash mid-write, a reader sees a truncated trailing line it can
	// discard.
	if _, err := w.file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("rollout: appending line: %w", err)
	}
	return w.file.Sync()
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// ReadFile parses a rollout file, tolerating a partially written trailing
// line (it is silently dropped rather than erroring the whole read).
func ReadFile(path string) (SessionMeta, []Line, error) {
	f, err := os.Open(path)
	if err != nil {
		return SessionMeta{}, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)

	var meta SessionMeta
	var lines []Line
	first := true
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var line Line
		if err := json.Unmarshal(raw, &line); err != nil {
			// Likely a partially written trailing line; stop here rather
			// than failing the whole read.
			break
		}
		if first {
			first = false
			if line.Type != LineSessionMeta {
				return SessionMeta{}, nil, fmt.Errorf("rollout: %s: first line is not session_meta", path)
			}
			if err := json.Unmarshal(line.Payload, &meta); err != nil {
				return SessionMeta{}, nil, fmt.Errorf("rollout: %s: decoding session_meta: %w", path, err)
			}
			continue
		}
		lines = append(lines, line)
	}
	return meta, lines, nil
}

// ReplayResponseItems walks lines, returning the response items to load
// into memory on resume: everything after the last compacted record's
// replacement_history (if any) is appended on top of that replacement,
// per spec invariant 5; items before an unreached compaction are not
// replayed, though they remain on disk.
func ReplayResponseItems(lines []Line) ([]models.ResponseItem, error) {
	var items []models.ResponseItem
	for _, line := range lines {
		switch line.Type {
		case LineResponseItem:
			var item models.ResponseItem
			if err := json.Unmarshal(line.Payload, &item); err != nil {
				return nil, fmt.Errorf("rollout: decoding response_item: %w", err)
			}
			items = append(items, item)
		case LineCompacted:
			var rec CompactedRecord
			if err := json.Unmarshal(line.Payload, &rec); err != nil {
				return nil, fmt.Errorf("rollout: decoding compacted: %w", err)
			}
			if rec.ReplacementHistory != nil {
				items = append([]models.ResponseItem(nil), rec.ReplacementHistory...)
			}
		}
	}
	return items, nil
}
