package files

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	agent "github.com/turnloop/agentcore/internal/turn"
)

// PatchTool applies the plain-text apply-patch envelope format (spec §6,
// "Apply-patch format"): `*** Begin Patch` / `*** End Patch` wrapping one or
// more `*** Add File:` / `*** Delete File:` / `*** Update File:` hunks, each
// introduced with optional `*** Move to:` and `@@` chunk markers using
// -/+/space line prefixes.
type PatchTool struct {
	resolver Resolver
}

// NewPatchTool creates an apply-patch tool scoped to the workspace.
func NewPatchTool(cfg Config) *PatchTool {
	return &PatchTool{resolver: Resolver{Root: cfg.Workspace}}
}

func (t *PatchTool) Name() string { return "apply_patch" }

func (t *PatchTool) Description() string {
	return "Apply a patch in the *** Begin Patch envelope format to add, delete, or update files in the workspace."
}

func (t *PatchTool) Schema() json.RawMessage {
	schema := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"patch": map[string]interface{}{
				"type":        "string",
				"description": "The full patch text, including the Begin/End Patch markers.",
			},
		},
		"required": []string{"patch"},
	}
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// Execute parses and applies the patch, returning the exact success
// message format from spec E4 on success.
func (t *PatchTool) Execute(ctx context.Context, params json.RawMessage) (*turn.ToolResult, error) {
	_ = ctx
	var input struct {
		Patch string `json:"patch"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return toolError(fmt.Sprintf("Invalid parameters: %v", err)), nil
	}

	ops, err := ParsePatch(input.Patch)
	if err != nil {
		return toolError(err.Error()), nil
	}

	if err := t.apply(ops); err != nil {
		return toolError(err.Error()), nil
	}

	return &turn.ToolResult{Content: SuccessMessage(ops)}, nil
}

// OpKind tags one hunk within a patch envelope.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpDelete OpKind = "delete"
	OpUpdate OpKind = "update"
)

// Op is one file-level change parsed from a patch envelope.
type Op struct {
	Kind    OpKind
	Path    string
	MoveTo  string // only for Update when "*** Move to:" is present
	NewFile string // full contents for Add
	Chunks  []Chunk
}

// Chunk is one @@ hunk within an Update op.
type Chunk struct {
	Context string // text after "@@", often a containing-function hint
	Lines   []ChunkLine
}

// ChunkLine is one line within a chunk, tagged by its -, +, or space prefix.
type ChunkLine struct {
	Kind ChunkLineKind
	Text string
}

type ChunkLineKind int

const (
	LineContext ChunkLineKind = iota
	LineRemove
	LineAdd
)

const (
	beginMarker  = "*** Begin Patch"
	endMarker    = "*** End Patch"
	addPrefix    = "*** Add File: "
	deletePrefix = "*** Delete File: "
	updatePrefix = "*** Update File: "
	movePrefix   = "*** Move to: "
	chunkPrefix  = "@@"
)

// ParsePatch parses the envelope format into an ordered list of Ops.
func ParsePatch(patch string) ([]Op, error) {
	lines := strings.Split(strings.ReplaceAll(patch, "\r\n", "\n"), "\n")

	start := indexOfTrimmed(lines, beginMarker)
	if start < 0 {
		return nil, fmt.Errorf("apply_patch: missing %q marker", beginMarker)
	}
	end := indexOfTrimmed(lines, endMarker)
	if end < 0 || end < start {
		return nil, fmt.Errorf("apply_patch: missing %q marker", endMarker)
	}
	body := lines[start+1 : end]

	var ops []Op
	i := 0
	for i < len(body) {
		line := body[i]
		switch {
		case strings.HasPrefix(line, addPrefix):
			path := strings.TrimSpace(strings.TrimPrefix(line, addPrefix))
			i++
			var contentLines []string
			for i < len(body) && !isHunkHeader(body[i]) {
				contentLines = append(contentLines, strings.TrimPrefix(body[i], "+"))
				i++
			}
			ops = append(ops, Op{Kind: OpAdd, Path: path, NewFile: strings.Join(contentLines, "\n")})
		case strings.HasPrefix(line, deletePrefix):
			path := strings.TrimSpace(strings.TrimPrefix(line, deletePrefix))
			ops = append(ops, Op{Kind: OpDelete, Path: path})
			i++
		case strings.HasPrefix(line, updatePrefix):
			path := strings.TrimSpace(strings.TrimPrefix(line, updatePrefix))
			op := Op{Kind: OpUpdate, Path: path}
			i++
			if i < len(body) && strings.HasPrefix(body[i], movePrefix) {
				op.MoveTo = strings.TrimSpace(strings.TrimPrefix(body[i], movePrefix))
				i++
			}
			chunks, next, err := parseChunks(body, i)
			if err != nil {
				return nil, err
			}
			op.Chunks = chunks
			i = next
			ops = append(ops, op)
		case strings.TrimSpace(line) == "":
			i++
		default:
			return nil, fmt.Errorf("apply_patch: unexpected line %q", line)
		}
	}
	if len(ops) == 0 {
		return nil, fmt.Errorf("apply_patch: patch contains no operations")
	}
	return ops, nil
}

func isHunkHeader(line string) bool {
	return strings.HasPrefix(line, addPrefix) ||
		strings.HasPrefix(line, deletePrefix) ||
		strings.HasPrefix(line, updatePrefix)
}

func parseChunks(body []string, i int) ([]Chunk, int, error) {
	var chunks []Chunk
	for i < len(body) && strings.HasPrefix(body[i], chunkPrefix) {
		chunk := Chunk{Context: strings.TrimSpace(strings.TrimPrefix(body[i], chunkPrefix))}
		i++
		for i < len(body) && !isHunkHeader(body[i]) && !strings.HasPrefix(body[i], chunkPrefix) {
			line := body[i]
			if line == "" {
				chunk.Lines = append(chunk.Lines, ChunkLine{Kind: LineContext, Text: ""})
				i++
				continue
			}
			switch line[0] {
			case '-':
				chunk.Lines = append(chunk.Lines, ChunkLine{Kind: LineRemove, Text: line[1:]})
			case '+':
				chunk.Lines = append(chunk.Lines, ChunkLine{Kind: LineAdd, Text: line[1:]})
			case ' ':
				chunk.Lines = append(chunk.Lines, ChunkLine{Kind: LineContext, Text: line[1:]})
			default:
				return nil, 0, fmt.Errorf("apply_patch: invalid chunk line %q", line)
			}
			i++
		}
		chunks = append(chunks, chunk)
	}
	return chunks, i, nil
}

func indexOfTrimmed(lines []string, marker string) int {
	for i, l := range lines {
		if strings.TrimSpace(l) == marker {
			return i
		}
	}
	return -1
}

// apply performs each Op against the workspace filesystem.
func (t *PatchTool) apply(ops []Op) error {
	for _, op := range ops {
		resolved, err := t.resolver.Resolve(op.Path)
		if err != nil {
			return fmt.Errorf("apply_patch: %s: %w", op.Path, err)
		}
		switch op.Kind {
		case OpAdd:
			if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
				return fmt.Errorf("apply_patch: creating directory for %s: %w", op.Path, err)
			}
			if err := os.WriteFile(resolved, []byte(op.NewFile), 0o644); err != nil {
				return fmt.Errorf("apply_patch: writing %s: %w", op.Path, err)
			}
		case OpDelete:
			if err := os.Remove(resolved); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("apply_patch: deleting %s: %w", op.Path, err)
			}
		case OpUpdate:
			updated, err := applyChunks(resolved, op.Chunks)
			if err != nil {
				return fmt.Errorf("apply_patch: updating %s: %w", op.Path, err)
			}
			target := resolved
			if op.MoveTo != "" {
				target, err = t.resolver.Resolve(op.MoveTo)
				if err != nil {
					return fmt.Errorf("apply_patch: move target %s: %w", op.MoveTo, err)
				}
				if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
					return fmt.Errorf("apply_patch: creating directory for %s: %w", op.MoveTo, err)
				}
			}
			if err := os.WriteFile(target, []byte(updated), 0o644); err != nil {
				return fmt.Errorf("apply_patch: writing %s: %w", op.Path, err)
			}
			if op.MoveTo != "" && target != resolved {
				if err := os.Remove(resolved); err != nil && !os.IsNotExist(err) {
					return fmt.Errorf("apply_patch: removing moved-from %s: %w", op.Path, err)
				}
			}
		}
	}
	return nil
}

// applyChunks rewrites the file at path by matching each chunk's context
// and removed lines against the existing content and splicing in the added
// lines.
func applyChunks(path string, chunks []Chunk) (string, error) {
	existing, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	lines := strings.Split(string(existing), "\n")

	for _, chunk := range chunks {
		var matchLines []string
		for _, l := range chunk.Lines {
			if l.Kind == LineContext || l.Kind == LineRemove {
				matchLines = append(matchLines, l.Text)
			}
		}
		idx := indexOfSubsequence(lines, matchLines)
		if idx < 0 {
			return "", fmt.Errorf("could not locate context for chunk %q", chunk.Context)
		}

		var replacement []string
		for _, l := range chunk.Lines {
			if l.Kind == LineContext || l.Kind == LineAdd {
				replacement = append(replacement, l.Text)
			}
		}
		lines = append(lines[:idx], append(replacement, lines[idx+len(matchLines):]...)...)
	}
	return strings.Join(lines, "\n"), nil
}

func indexOfSubsequence(haystack, needle []string) int {
	if len(needle) == 0 {
		return 0
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j, n := range needle {
			if haystack[i+j] != n {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

// SuccessMessage renders the exact apply-patch success output: one line per
// file grouped as Add, then Update, then Delete, each prefixed A/M/D (spec
// §6, E4).
func SuccessMessage(ops []Op) string {
	var adds, updates, deletes []string
	for _, op := range ops {
		switch op.Kind {
		case OpAdd:
			adds = append(adds, op.Path)
		case OpUpdate:
			updates = append(updates, op.Path)
		case OpDelete:
			deletes = append(deletes, op.Path)
		}
	}
	sort.Strings(adds)
	sort.Strings(updates)
	sort.Strings(deletes)

	var b strings.Builder
	b.WriteString("Success. Updated the following files:\n")
	for _, p := range adds {
		fmt.Fprintf(&b, "A %s\n", p)
	}
	for _, p := range updates {
		fmt.Fprintf(&b, "M %s\n", p)
	}
	for _, p := range deletes {
		fmt.Fprintf(&b, "D %s\n", p)
	}
	return b.String()
}
