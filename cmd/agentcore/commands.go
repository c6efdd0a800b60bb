package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/turnloop/agentcore/internal/approval"
	"github.com/turnloop/agentcore/internal/auth"
	"github.com/turnloop/agentcore/internal/compaction"
	"github.com/turnloop/agentcore/internal/config"
	"github.com/turnloop/agentcore/internal/convo"
	execrun "github.com/turnloop/agentcore/internal/execrun"
	"github.com/turnloop/agentcore/internal/observability"
	"github.com/turnloop/agentcore/internal/rollout"
	"github.com/turnloop/agentcore/internal/sandbox"
	"github.com/turnloop/agentcore/internal/turn"
	"github.com/turnloop/agentcore/internal/turn/providers"
	"github.com/turnloop/agentcore/pkg/models"
)

// codexHome resolves $CODEX_HOME, defaulting to ~/.codex (spec §6 env vars).
func codexHome() (string, error) {
	if home := os.Getenv("CODEX_HOME"); home != "" {
		return home, nil
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving CODEX_HOME: %w", err)
	}
	return filepath.Join(dir, ".codex"), nil
}

// loadConfig loads and resolves the layered config, applying --profile and
// any -c key=value overrides from the global flags.
func loadConfig() (*config.Config, string, error) {
	home, err := codexHome()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.Load(home)
	if err != nil {
		return nil, "", err
	}
	if flagProfile != "" {
		if err := cfg.ApplyProfile(flagProfile); err != nil {
			return nil, "", err
		}
	}
	for _, kv := range flagOverrides {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, "", fmt.Errorf("invalid -c override %q, want key=value", kv)
		}
		if err := cfg.ApplyOverride(key, value); err != nil {
			return nil, "", err
		}
	}
	if flagModel != "" {
		cfg.Model = flagModel
	}
	if flagSandbox != "" {
		cfg.SandboxMode = flagSandbox
	}
	return cfg, home, nil
}

func workingDir() (string, error) {
	if flagCwd != "" {
		return flagCwd, nil
	}
	return os.Getwd()
}

// ============================================================================
// login / logout
// ============================================================================

func buildLoginCmd() *cobra.Command {
	var withAPIKey string
	var withDeviceCode bool

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate with OpenAI",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := codexHome()
			if err != nil {
				return err
			}
			store := auth.NewFileStore(home)

			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("with-api-key") {
				if cfg.ForcedLoginMethod == "chatgpt" {
					return fmt.Errorf("API key login is disabled. Use ChatGPT login instead.")
				}
				key := strings.TrimSpace(withAPIKey)
				if key == "" {
					key, err = promptAPIKey(cmd)
					if err != nil {
						return err
					}
				}
				return store.Save(auth.Record{OpenAIAPIKey: key})
			}
			if withDeviceCode {
				if cfg.ForcedLoginMethod == "api" {
					return fmt.Errorf("ChatGPT login is disabled. Use API key login instead.")
				}
				return runDeviceCodeLogin(cmd, store)
			}
			return fmt.Errorf("specify --with-api-key or --with-device-code")
		},
	}
	cmd.Flags().StringVar(&withAPIKey, "with-api-key", "", "log in with a raw OpenAI API key (omit the value to be prompted securely)")
	cmd.Flags().Lookup("with-api-key").NoOptDefVal = " "
	cmd.Flags().BoolVar(&withDeviceCode, "with-device-code", false, "log in via the ChatGPT device-code OAuth flow")
	return cmd
}

// promptAPIKey reads an API key from the controlling terminal without
// echoing it, falling back to a plain line read when stdin isn't a
// terminal (e.g. piped input in scripts or tests).
func promptAPIKey(cmd *cobra.Command) (string, error) {
	fmt.Fprint(cmd.OutOrStdout(), "OpenAI API key: ")
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		raw, err := term.ReadPassword(fd)
		fmt.Fprintln(cmd.OutOrStdout())
		if err != nil {
			return "", fmt.Errorf("reading api key: %w", err)
		}
		return strings.TrimSpace(string(raw)), nil
	}
	reader := bufio.NewScanner(os.Stdin)
	if !reader.Scan() {
		if err := reader.Err(); err != nil {
			return "", fmt.Errorf("reading api key: %w", err)
		}
		return "", fmt.Errorf("reading api key: no input")
	}
	return strings.TrimSpace(reader.Text()), nil
}

func runDeviceCodeLogin(cmd *cobra.Command, store auth.Store) error {
	ctx := cmd.Context()
	loginCfg := auth.LoginConfig{
		ClientID:      envOr("CODEX_OAUTH_CLIENT_ID", "codex-cli"),
		DeviceAuthURL: envOr("CODEX_DEVICE_AUTH_URL", "https://auth.openai.com/oauth/device/code"),
		TokenURL:      envOr("REFRESH_TOKEN_URL_OVERRIDE", "https://auth.openai.com/oauth/token"),
	}
	pkce, err := auth.NewPKCEChallenge()
	if err != nil {
		return err
	}
	device, err := auth.StartDeviceCode(ctx, loginCfg, pkce)
	if err != nil {
		return fmt.Errorf("starting device code flow: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Visit %s and enter code %s\n", device.VerificationURI, device.UserCode)

	rec, err := auth.PollDeviceCode(ctx, loginCfg, device, pkce)
	if err != nil {
		return err
	}
	return store.Save(rec)
}

func buildLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := codexHome()
			if err != nil {
				return err
			}
			path := filepath.Join(home, "auth.json")
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("logout: removing %s: %w", path, err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "logged out")
			return nil
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// ============================================================================
// mcp add/remove
// ============================================================================

func buildMcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Manage configured MCP servers",
	}
	cmd.AddCommand(buildMcpAddCmd(), buildMcpRemoveCmd())
	return cmd
}

func buildMcpAddCmd() *cobra.Command {
	var (
		command string
		args    []string
		url     string
		env     []string
	)
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add an MCP server to config.toml",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			cfg, home, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.CodexHome = home
			envMap := map[string]string{}
			for _, kv := range env {
				k, v, ok := strings.Cut(kv, "=")
				if !ok {
					return fmt.Errorf("invalid --env %q, want key=value", kv)
				}
				envMap[k] = v
			}
			if cfg.MCPServers == nil {
				cfg.MCPServers = map[string]config.MCPServerConfig{}
			}
			cfg.MCPServers[cmdArgs[0]] = config.MCPServerConfig{
				Command: command,
				Args:    args,
				Env:     envMap,
				URL:     url,
			}
			return cfg.Save()
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "stdio server command")
	cmd.Flags().StringArrayVar(&args, "arg", nil, "argument to the server command (repeatable)")
	cmd.Flags().StringVar(&url, "url", "", "HTTP server URL (alternative to --command)")
	cmd.Flags().StringArrayVar(&env, "env", nil, "environment variable key=value (repeatable)")
	return cmd
}

func buildMcpRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a configured MCP server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cmdArgs []string) error {
			cfg, home, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.CodexHome = home
			delete(cfg.MCPServers, cmdArgs[0])
			return cfg.Save()
		},
	}
}

// ============================================================================
// resume
// ============================================================================

func buildResumeCmd() *cobra.Command {
	var last bool
	cmd := &cobra.Command{
		Use:   "resume [--last|<id>|<path>]",
		Short: "Resume a previous session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := codexHome()
			if err != nil {
				return err
			}
			target := rollout.ResumeTarget{Last: last}
			if len(args) == 1 {
				if _, statErr := os.Stat(args[0]); statErr == nil {
					target.Path = args[0]
				} else {
					target.ID = args[0]
				}
			}
			path, err := rollout.Resolve(home, target)
			if err != nil {
				return err
			}
			meta, lines, err := rollout.ReadFile(path)
			if err != nil {
				return err
			}
			items, err := rollout.ReplayResponseItems(lines)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resumed session %s (%s): %d history item(s)\n", meta.ID, path, len(items))
			return runTurnLoop(cmd, home, items, meta.ID)
		},
	}
	cmd.Flags().BoolVar(&last, "last", false, "resume the most recently modified session")
	return cmd
}

// ============================================================================
// exec
// ============================================================================

func buildExecCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <prompt>",
		Short: "Run one prompt to completion, non-interactively",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			home, err := codexHome()
			if err != nil {
				return err
			}
			prompt := strings.Join(args, " ")
			return runTurnLoop(cmd, home, []models.ResponseItem{{
				Type:    models.ResponseItemMessage,
				Role:    "user",
				Content: prompt,
			}}, "")
		},
	}
	return cmd
}

func runInteractive(cmd *cobra.Command) error {
	fmt.Fprintln(cmd.OutOrStdout(), "agentcore interactive session (type your prompt, Ctrl-D to exit)")
	home, err := codexHome()
	if err != nil {
		return err
	}
	reader := bufio.NewScanner(os.Stdin)
	for reader.Scan() {
		line := strings.TrimSpace(reader.Text())
		if line == "" {
			continue
		}
		if err := runTurnLoop(cmd, home, []models.ResponseItem{{
			Type:    models.ResponseItemMessage,
			Role:    "user",
			Content: line,
		}}, ""); err != nil {
			fmt.Fprintln(cmd.ErrOrStderr(), err)
		}
	}
	return nil
}

// runTurnLoop assembles a TurnContext from the resolved config, sandbox,
// approval, and rollout subsystems and drives one turn to completion,
// printing the model's output to stdout.
func runTurnLoop(cmd *cobra.Command, home string, input []models.ResponseItem, resumeSessionID string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cwd, err := workingDir()
	if err != nil {
		return err
	}

	client, err := newModelClient()
	if err != nil {
		return err
	}

	registry := turn.NewToolRegistry()
	mgr := execrun.NewManager(cwd)
	registry.Register(execrun.NewExecTool("shell", mgr))
	registry.Register(execrun.NewProcessTool(mgr))

	executor := turn.NewExecutor(registry, turn.DefaultExecutorConfig())

	approvalStore := approval.NewStore(func(ctx context.Context, retryReason, risk string) (approval.Decision, error) {
		return approval.ApprovedForSession, nil
	})

	var writer *rollout.Writer
	if resumeSessionID == "" {
		writer, err = rollout.NewWriter(home, rollout.SessionMeta{
			Cwd:           cwd,
			Originator:    "agentcore_cli",
			CLIVersion:    version,
			Source:        "cli",
			ModelProvider: "auto",
		}, time.Now())
		if err != nil {
			return fmt.Errorf("opening rollout writer: %w", err)
		}
		defer writer.Close()
	}

	eventLog := observability.NewLogger(observability.LogConfig{Level: "debug", Format: "text"})
	sink := turn.NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {
		eventLog.Debug(ctx, "turn event", "type", string(e.Type), "seq", e.Sequence)
	})
	emitter := turn.NewEventEmitter(uuid.NewString(), sink)
	metrics := observability.NewMetrics()

	tc := &turn.TurnContext{
		Model:     cfg.Model,
		Client:    client,
		Registry:  registry,
		Executor:  executor,
		History:   convo.NewHistory(convo.BytesPerFourEstimator{}),
		Rollout:   writer,
		Approvals: approvalStore,
		Compactor: &compaction.Compactor{},
		Emitter:   emitter,
		Metrics:   metrics,
	}

	produced, err := tc.RunTurn(cmd.Context(), input)
	if err != nil {
		return fmt.Errorf("turn: %w", err)
	}
	for _, item := range produced {
		if item.Type == models.ResponseItemMessage && item.Role == "assistant" {
			fmt.Fprintln(cmd.OutOrStdout(), item.Content)
		}
	}
	return nil
}

// newModelClient selects a provider from whichever API key is present in
// the environment, preferring Anthropic, then OpenAI.
func newModelClient() (turn.ModelClient, error) {
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		provider, err := providers.NewAnthropicProvider(providers.AnthropicConfig{APIKey: key})
		if err != nil {
			return nil, err
		}
		return turn.NewProviderClient(provider), nil
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		return turn.NewProviderClient(providers.NewOpenAIProvider(key)), nil
	}
	return nil, fmt.Errorf("no model credentials found: set ANTHROPIC_API_KEY or OPENAI_API_KEY, or run `agentcore login`")
}

// ============================================================================
// debug
// ============================================================================

func buildDebugCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "debug",
		Short: "Inspect sandbox placement for a command without running it",
	}
	cmd.AddCommand(
		buildDebugSandboxCmd("seatbelt", sandbox.TypeMacSeatbelt),
		buildDebugSandboxCmd("landlock", sandbox.TypeLinuxSeccomp),
		buildDebugSandboxCmd("windows", sandbox.TypeWindowsRestrictedToken),
	)
	return cmd
}

func buildDebugSandboxCmd(use string, sandboxType sandbox.Type) *cobra.Command {
	return &cobra.Command{
		Use:   use + " -- <command> [args...]",
		Short: fmt.Sprintf("Show the ExecEnv produced by placing a command under %s", use),
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, err := workingDir()
			if err != nil {
				return err
			}
			placer := &sandbox.Placer{}
			env, err := placer.Place(sandbox.CommandSpec{
				Program: args[0],
				Args:    args[1:],
				Cwd:     cwd,
			}, sandbox.SandboxPolicy{Kind: sandbox.PolicyWorkspaceWrite}, sandboxType, cwd)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(env)
		},
	}
}
