package config

import "sync"

// FeatureStage describes a feature's rollout maturity.
type FeatureStage string

const (
	StageExperimental FeatureStage = "experimental"
	StageBeta         FeatureStage = "beta"
	StageStable       FeatureStage = "stable"
)

// FeatureDescriptor is one entry in the built-in feature registry.
type FeatureDescriptor struct {
	ID             string
	Key            string
	Stage          FeatureStage
	DefaultEnabled bool
	// LegacyAliases are older config keys that continue to toggle this
	// feature; using one is recorded so the UI can nudge users to migrate.
	LegacyAliases []string
}

var registry = []FeatureDescriptor{
	{
		ID:             "unified_exec",
		Key:            "unified_exec",
		Stage:          StageBeta,
		DefaultEnabled: true,
	},
	{
		ID:             "freeform_apply_patch",
		Key:            "freeform_apply_patch",
		Stage:          StageExperimental,
		DefaultEnabled: false,
		LegacyAliases:  []string{"experimental_use_freeform_apply_patch"},
	},
	{
		ID:             "remote_compaction",
		Key:            "remote_compaction",
		Stage:          StageBeta,
		DefaultEnabled: true,
	},
	{
		ID:             "review_subagent",
		Key:            "review_subagent",
		Stage:          StageBeta,
		DefaultEnabled: true,
	},
	{
		ID:             "microvm_sandbox",
		Key:            "microvm_sandbox",
		Stage:          StageExperimental,
		DefaultEnabled: false,
	},
}

// FeatureSet is the resolved, queryable set of feature toggles for one
// process invocation.
type FeatureSet struct {
	mu            sync.RWMutex
	enabled       map[string]bool
	legacyUsed    map[string]string // feature id -> alias key that was used
}

// NewFeatureSet builds a FeatureSet from the registry defaults overlaid with
// raw config entries, which may reference a feature's canonical key or one
// of its legacy aliases.
func NewFeatureSet(raw map[string]bool) *FeatureSet {
	fs := &FeatureSet{
		enabled:    map[string]bool{},
		legacyUsed: map[string]string{},
	}
	for _, d := range registry {
		fs.enabled[d.ID] = d.DefaultEnabled
	}
	for key, val := range raw {
		for _, d := range registry {
			if d.Key == key {
				fs.enabled[d.ID] = val
				continue
			}
			for _, alias := range d.LegacyAliases {
				if alias == key {
					fs.enabled[d.ID] = val
					fs.legacyUsed[d.ID] = alias
				}
			}
		}
	}
	return fs
}

// Enabled reports whether the named feature (by canonical id) is active.
func (fs *FeatureSet) Enabled(id string) bool {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.enabled[id]
}

// LegacyAliasUsed returns the legacy alias key that was used to set a
// feature, if any, and whether one was found.
func (fs *FeatureSet) LegacyAliasUsed(id string) (string, bool) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	alias, ok := fs.legacyUsed[id]
	return alias, ok
}

// Descriptors returns the full built-in feature registry.
func Descriptors() []FeatureDescriptor {
	out := make([]FeatureDescriptor, len(registry))
	copy(out, registry)
	return out
}
