// Package config loads and merges the layered TOML configuration, resolves
// model-family metadata, and tracks feature flags with legacy-alias
// recording.
package config

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/pelletier/go-toml/v2"
)

// Config is the fully merged, resolved configuration for one process
// invocation: base config.toml overlaid with managed_config.toml and, on
// macOS, a base64-encoded managed-preferences payload, then CLI/profile
// overrides.
type Config struct {
	CodexHome string `toml:"-"`

	Model           string `toml:"model"`
	Profile         string `toml:"profile"`
	ApprovalPolicy  string `toml:"approval_policy"`
	SandboxMode     string `toml:"sandbox_mode"`
	ForcedLoginMethod string `toml:"forced_login_method"`

	ModelProviders map[string]ModelProviderInfo `toml:"model_providers"`
	Features       map[string]bool              `toml:"features"`
	Profiles       map[string]ProfileOverride   `toml:"profiles"`

	SandboxWorkspaceWrite WorkspaceWriteConfig `toml:"sandbox_workspace_write"`

	MCPServers map[string]MCPServerConfig `toml:"mcp_servers"`
}

// MCPServerConfig is one entry of the mcp_servers table, written by `mcp add`
// and removed by `mcp remove`.
type MCPServerConfig struct {
	Command string            `toml:"command,omitempty"`
	Args    []string          `toml:"args,omitempty"`
	Env     map[string]string `toml:"env,omitempty"`
	URL     string            `toml:"url,omitempty"`
}

// ProfileOverride is a named bundle of config overrides selectable with
// --profile.
type ProfileOverride struct {
	Model          string `toml:"model"`
	ApprovalPolicy string `toml:"approval_policy"`
	SandboxMode    string `toml:"sandbox_mode"`
}

// WorkspaceWriteConfig configures the WorkspaceWrite sandbox policy variant.
type WorkspaceWriteConfig struct {
	WritableRoots []string `toml:"writable_roots"`
	NetworkAccess bool     `toml:"network_access"`
}

// ModelProviderInfo describes how to reach a model backend.
type ModelProviderInfo struct {
	Name                string `toml:"name"`
	BaseURL             string `toml:"base_url"`
	WireAPI             string `toml:"wire_api"` // "responses" | "chat"
	RequiresOpenAIAuth  bool   `toml:"requires_openai_auth"`
	RequestMaxRetries   int    `toml:"request_max_retries"`
	StreamMaxRetries    int    `toml:"stream_max_retries"`
}

// DefaultConfig returns the built-in defaults applied before any file is
// read, matching the teacher's zero-value-safe config pattern.
func DefaultConfig() *Config {
	return &Config{
		Model:          "gpt-5.1-codex",
		ApprovalPolicy: "unless_trusted",
		SandboxMode:    "workspace_write",
		ModelProviders: map[string]ModelProviderInfo{
			"openai": {
				Name:               "OpenAI",
				BaseURL:            "https://api.openai.com/v1",
				WireAPI:            "responses",
				RequiresOpenAIAuth: true,
				RequestMaxRetries:  4,
				StreamMaxRetries:   5,
			},
		},
		Features: map[string]bool{},
		Profiles: map[string]ProfileOverride{},
	}
}

// Load reads config.toml, managed_config.toml, and (on macOS) the
// base64-encoded managed-preferences payload under codexHome, merging them
// overlay-last-wins with DefaultConfig as the base.
func Load(codexHome string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.CodexHome = codexHome

	merged := map[string]any{}

	for _, layer := range layerPaths(codexHome) {
		data, err := os.ReadFile(layer)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("config: reading %s: %w", layer, err)
		}
		var table map[string]any
		if err := toml.Unmarshal(data, &table); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", layer, err)
		}
		merged = mergeMaps(merged, table)
	}

	if runtime.GOOS == "darwin" {
		if payload, ok := os.LookupEnv("CODEX_MANAGED_PREFERENCES"); ok {
			raw, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				return nil, fmt.Errorf("config: decoding managed preferences: %w", err)
			}
			var table map[string]any
			if err := toml.Unmarshal(raw, &table); err != nil {
				return nil, fmt.Errorf("config: parsing managed preferences: %w", err)
			}
			merged = mergeMaps(merged, table)
		}
	}

	if len(merged) > 0 {
		encoded, err := toml.Marshal(merged)
		if err != nil {
			return nil, fmt.Errorf("config: re-encoding merged table: %w", err)
		}
		if err := toml.Unmarshal(encoded, cfg); err != nil {
			return nil, fmt.Errorf("config: decoding merged table: %w", err)
		}
	}

	if cfg.Features == nil {
		cfg.Features = map[string]bool{}
	}
	if cfg.ModelProviders == nil {
		cfg.ModelProviders = DefaultConfig().ModelProviders
	}
	if cfg.MCPServers == nil {
		cfg.MCPServers = map[string]MCPServerConfig{}
	}
	return cfg, nil
}

// Save writes cfg back to config.toml under its CodexHome.
func (c *Config) Save() error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: encoding config.toml: %w", err)
	}
	path := filepath.Join(c.CodexHome, "config.toml")
	if err := os.MkdirAll(c.CodexHome, 0o755); err != nil {
		return fmt.Errorf("config: creating %s: %w", c.CodexHome, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: writing %s: %w", path, err)
	}
	return nil
}

func layerPaths(codexHome string) []string {
	paths := []string{filepath.Join(codexHome, "config.toml")}
	if runtime.GOOS == "windows" {
		paths = append(paths, filepath.Join(codexHome, "managed_config.toml"))
	} else {
		paths = append(paths, filepath.Join(codexHome, "managed_config.toml"), "/etc/codex/managed_config.toml")
	}
	return paths
}

// mergeMaps recursively merges src into dst (overlay semantics: src wins).
// Tables merge key-by-key; scalars and arrays are replaced wholesale.
func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = map[string]any{}
	}
	for k, v := range src {
		if srcTable, ok := v.(map[string]any); ok {
			if dstTable, ok := dst[k].(map[string]any); ok {
				dst[k] = mergeMaps(dstTable, srcTable)
				continue
			}
		}
		dst[k] = v
	}
	return dst
}

// ApplyProfile layers a named profile's overrides on top of cfg.
func (c *Config) ApplyProfile(name string) error {
	if name == "" {
		return nil
	}
	override, ok := c.Profiles[name]
	if !ok {
		return fmt.Errorf("config: unknown profile %q", name)
	}
	if override.Model != "" {
		c.Model = override.Model
	}
	if override.ApprovalPolicy != "" {
		c.ApprovalPolicy = override.ApprovalPolicy
	}
	if override.SandboxMode != "" {
		c.SandboxMode = override.SandboxMode
	}
	return nil
}

// ApplyOverride applies one "-c key=value" CLI override onto the merged
// table representation of cfg, re-decoding afterward. key uses "." to
// address nested tables (e.g. "model_providers.openai.base_url").
func (c *Config) ApplyOverride(key, value string) error {
	table, err := c.toTable()
	if err != nil {
		return err
	}
	setDotted(table, key, value)
	encoded, err := toml.Marshal(table)
	if err != nil {
		return fmt.Errorf("config: re-encoding override: %w", err)
	}
	home := c.CodexHome
	*c = Config{}
	if err := toml.Unmarshal(encoded, c); err != nil {
		return fmt.Errorf("config: decoding override: %w", err)
	}
	c.CodexHome = home
	return nil
}

func (c *Config) toTable() (map[string]any, error) {
	encoded, err := toml.Marshal(c)
	if err != nil {
		return nil, err
	}
	var table map[string]any
	if err := toml.Unmarshal(encoded, &table); err != nil {
		return nil, err
	}
	return table, nil
}

func setDotted(table map[string]any, dottedKey, value string) {
	parts := splitDotted(dottedKey)
	cur := table
	for i, p := range parts {
		if i == len(parts)-1 {
			cur[p] = value
			return
		}
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[p] = next
		}
		cur = next
	}
}

func splitDotted(key string) []string {
	var parts []string
	var buf bytes.Buffer
	for _, r := range key {
		if r == '.' {
			parts = append(parts, buf.String())
			buf.Reset()
			continue
		}
		buf.WriteRune(r)
	}
	parts = append(parts, buf.String())
	return parts
}
