// Package main provides the CLI entry point for the Breeze AI agent core.
//
// breeze-agent serves the conversation API that lets technicians talk to an
// AI assistant which can call RMM tools, behind guardrails, human approval
// and per-organization cost limits.
//
// # Basic Usage
//
// Start the server:
//
//	breeze-agent serve --config breeze.yaml
//
// Check a configuration file:
//
//	breeze-agent config validate --config breeze.yaml
//
// # Environment Variables
//
// Every configuration key can be overridden with a BREEZE_ variable, for
// example BREEZE_LLM_API_KEY, BREEZE_AUTH_JWT_SECRET or BREEZE_DATABASE_DSN.
// BREEZE_CONFIG names the configuration file.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "breeze-agent",
		Short: "Breeze AI agent core",
		Long: `breeze-agent runs AI assistant sessions for the Breeze RMM platform.

Each message is checked against session, rate and budget limits, streamed
from the configured model provider, and every tool the model requests passes
the guardrail gate and, where required, human approval.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildConfigCmd(),
		buildTokenCmd(),
		buildVersionCmd(),
	)
	return rootCmd
}

func defaultConfigPath() string {
	if path := os.Getenv("BREEZE_CONFIG"); path != "" {
		return path
	}
	return "breeze.yaml"
}
