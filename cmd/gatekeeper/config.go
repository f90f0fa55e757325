package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"mercator-hq/gatekeeper/pkg/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect gatekeeper configuration",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration file",
	Long: `Load the configuration named by --config, apply defaults and
environment overrides, and report every validation error.

Examples:
  gatekeeper config validate --config /etc/gatekeeper/config.yaml`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "✓ Configuration valid")
		fmt.Fprintf(out, "  listen:  %s\n", cfg.Server.ListenAddress)
		if cfg.Gateway.UpstreamURL != "" {
			fmt.Fprintf(out, "  gateway: %s\n", cfg.Gateway.UpstreamURL)
		}
		fmt.Fprintf(out, "  limits:  enabled=%t backend=%s failure_mode=%s\n",
			cfg.Limits.Enabled, cfg.Limits.Storage.Backend, cfg.Limits.FailureMode)
		fmt.Fprintf(out, "  wallet:  enabled=%t backend=%s\n",
			cfg.Wallet.Enabled, cfg.Wallet.Storage.Backend)
		return nil
	},
}

var configDefaultsCmd = &cobra.Command{
	Use:   "defaults",
	Short: "Print the default configuration as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(config.Default()); err != nil {
			return fmt.Errorf("failed to encode defaults: %w", err)
		}
		return enc.Close()
	},
}

func init() {
	configCmd.AddCommand(configValidateCmd)
	configCmd.AddCommand(configDefaultsCmd)
	rootCmd.AddCommand(configCmd)
}
