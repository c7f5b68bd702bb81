package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/LanternOps/breeze-sub012/internal/auth"
	"github.com/LanternOps/breeze-sub012/internal/config"
)

// buildServeCmd creates the "serve" command that starts the API server.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the agent API server",
		Long: `Start the agent API server.

The server will:
1. Load configuration from the specified file
2. Open the session store and usage ledger
3. Initialize the model provider and discover remote tools
4. Start the expiry sweeper
5. Serve the HTTP API, health checks and metrics

Graceful shutdown is handled on SIGINT/SIGTERM signals.`,
		Example: `  # Start with default config
  breeze-agent serve

  # Start with debug logging
  breeze-agent serve --config /etc/breeze/agent.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// buildConfigCmd creates the "config" command group.
func buildConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cmd.AddCommand(buildConfigValidateCmd(), buildConfigShowCmd(), buildConfigSchemaCmd())
	return cmd
}

func buildConfigValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Guardrails.OverridesFile != "" {
				if _, err := config.LoadOverrides(cfg.Guardrails.OverridesFile, cfg.Guardrails.Overrides); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", configPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildConfigShowCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), cfg.Redacted())
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	return cmd
}

func buildConfigSchemaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "schema",
		Short: "Print the configuration JSON schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := config.JSONSchema()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(schema))
			return err
		},
	}
}

// buildTokenCmd creates the "token" command that signs an access token with
// the configured secret, for local testing and service accounts.
func buildTokenCmd() *cobra.Command {
	var (
		configPath string
		ac         auth.Context
		role       string
		scope      string
		orgIDs     string
		expiry     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API access token",
		Example: `  breeze-agent token --user u1 --org org-1 --role technician
  breeze-agent token --user p1 --org org-p --scope partner --orgs org-2,org-3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if expiry <= 0 {
				expiry = cfg.Auth.TokenExpiry
			}
			ac.Role = auth.Role(role)
			ac.Scope = auth.Scope(scope)
			for _, id := range strings.Split(orgIDs, ",") {
				if id = strings.TrimSpace(id); id != "" {
					ac.OrgIDs = append(ac.OrgIDs, id)
				}
			}
			token, err := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, expiry).Generate(&ac)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to YAML configuration file")
	cmd.Flags().StringVar(&ac.UserID, "user", "", "User ID (token subject)")
	cmd.Flags().StringVar(&ac.Email, "email", "", "User email")
	cmd.Flags().StringVar(&ac.OrgID, "org", "", "Default organization ID")
	cmd.Flags().StringVar(&orgIDs, "orgs", "", "Comma-separated organizations visible to a partner")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleTechnician), "Role: admin, technician, operator or viewer")
	cmd.Flags().StringVar(&scope, "scope", string(auth.ScopeOrganization), "Scope: organization, partner or system")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (default from auth.token_expiry)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(map[string]any{
					"version":        version,
					"commit":         commit,
					"date":           date,
					"config_version": config.CurrentVersion,
				})
			}
			_, err := fmt.Fprintf(out, "breeze-agent %s (commit: %s, built: %s, config v%d)\n",
				version, commit, date, config.CurrentVersion)
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func writeYAML(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}
