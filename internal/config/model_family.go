package config

import "sort"

// ModelFamily carries the per-slug-prefix defaults that shape how a turn is
// built: reasoning effort, verbosity, the apply_patch tool shape, the base
// instructions template, and the context-window fraction left available for
// the model's own response.
type ModelFamily struct {
	Prefix                   string
	DefaultReasoningEffort   string
	SupportsVerbosity        bool
	ApplyPatchToolType       string // "function" | "freeform"
	BaseInstructionsTemplate string
	ContextWindowPercent     int // default 95
	ContextWindowTokens      int
}

var modelFamilies = []ModelFamily{
	{
		Prefix:                   "gpt-5.1-codex-max",
		DefaultReasoningEffort:   "high",
		SupportsVerbosity:        true,
		ApplyPatchToolType:       "freeform",
		BaseInstructionsTemplate: "codex_max",
		ContextWindowPercent:     95,
		ContextWindowTokens:      400_000,
	},
	{
		Prefix:                   "gpt-5.1-codex-mini",
		DefaultReasoningEffort:   "medium",
		SupportsVerbosity:        true,
		ApplyPatchToolType:       "freeform",
		BaseInstructionsTemplate: "codex",
		ContextWindowPercent:     95,
		ContextWindowTokens:      200_000,
	},
	{
		Prefix:                   "gpt-5.1-codex",
		DefaultReasoningEffort:   "high",
		SupportsVerbosity:        true,
		ApplyPatchToolType:       "freeform",
		BaseInstructionsTemplate: "codex",
		ContextWindowPercent:     95,
		ContextWindowTokens:      272_000,
	},
	{
		Prefix:                   "gpt-5.1",
		DefaultReasoningEffort:   "medium",
		SupportsVerbosity:        true,
		ApplyPatchToolType:       "function",
		BaseInstructionsTemplate: "default",
		ContextWindowPercent:     95,
		ContextWindowTokens:      272_000,
	},
}

// ResolveModelFamily finds the longest registered prefix of slug and
// returns its family. Families are not required to be disjoint: the
// longest match always wins (e.g. "gpt-5.1-codex-mini" over "gpt-5.1-codex"
// over "gpt-5.1").
func ResolveModelFamily(slug string) (ModelFamily, bool) {
	candidates := make([]ModelFamily, 0, len(modelFamilies))
	for _, f := range modelFamilies {
		if len(f.Prefix) <= len(slug) && slug[:len(f.Prefix)] == f.Prefix {
			candidates = append(candidates, f)
		}
	}
	if len(candidates) == 0 {
		return ModelFamily{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		return len(candidates[i].Prefix) > len(candidates[j].Prefix)
	})
	return candidates[0], true
}

// EffectiveContextWindow returns the token budget at which C7 compaction
// should trigger: ContextWindowTokens scaled by ContextWindowPercent.
func (f ModelFamily) EffectiveContextWindow() int64 {
	return int64(f.ContextWindowTokens) * int64(f.ContextWindowPercent) / 100
}

// ModelInfo is the projection of a model exposed over the JSON-RPC model
// catalog endpoint (spec C10 ModelList).
type ModelInfo struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// catalogOrder is bit-exact: the order these four ids are listed here is the
// order ModelList must return them in.
var catalogOrder = []ModelInfo{
	{ID: "gpt-5.1-codex-max", DisplayName: "GPT-5.1 Codex Max"},
	{ID: "gpt-5.1-codex", DisplayName: "GPT-5.1 Codex"},
	{ID: "gpt-5.1-codex-mini", DisplayName: "GPT-5.1 Codex Mini"},
	{ID: "gpt-5.1", DisplayName: "GPT-5.1"},
}

// ModelCatalog returns the stable, ordered list of selectable models.
func ModelCatalog() []ModelInfo {
	out := make([]ModelInfo, len(catalogOrder))
	copy(out, catalogOrder)
	return out
}
