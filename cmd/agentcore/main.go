// Package main is the CLI entry point for the agentcore coding agent.
//
// agentcore mediates between a user (via CLI or the JSON-RPC app-server
// protocol) and an LLM backend, executing the model's tool calls locally
// under a sandbox.
//
// # Basic Usage
//
//	agentcore exec "fix the failing test in pkg/foo"
//	agentcore login --with-api-key
//	agentcore resume --last
//
// # Environment Variables
//
//   - CODEX_HOME: state directory (default: ~/.codex)
//   - OPENAI_API_KEY / ANTHROPIC_API_KEY: provider credentials
//   - CODEX_SANDBOX: set to "seatbelt" when already inside a macOS sandbox
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags during build.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

var (
	flagCwd          string
	flagSkipGitCheck bool
	flagSandbox      string
	flagModel        string
	flagProfile      string
	flagOverrides    []string
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "agentcore",
		Short: "agentcore - a sandboxed, tool-using coding agent",
		Long: `agentcore mediates between a user and an LLM backend, executing the
model's tool calls locally under a per-OS sandbox while streaming events
back to the caller.

Run without a subcommand to start the interactive session.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInteractive(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&flagCwd, "C", "C", "", "run as if started in <cwd>")
	root.PersistentFlags().BoolVar(&flagSkipGitCheck, "skip-git-repo-check", false, "allow running outside a git repository")
	root.PersistentFlags().StringVar(&flagSandbox, "sandbox", "", "sandbox mode override (read_only|workspace_write|danger_full_access)")
	root.PersistentFlags().StringVar(&flagModel, "model", "", "model slug override")
	root.PersistentFlags().StringVar(&flagProfile, "profile", "", "named config profile to apply")
	root.PersistentFlags().StringArrayVarP(&flagOverrides, "config", "c", nil, "TOML config override, key=value")

	root.AddCommand(
		buildLoginCmd(),
		buildLogoutCmd(),
		buildMcpCmd(),
		buildResumeCmd(),
		buildExecCmd(),
		buildDebugCmd(),
	)
	return root
}
