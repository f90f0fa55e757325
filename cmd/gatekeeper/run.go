package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"mercator-hq/gatekeeper/pkg/cli"
	"mercator-hq/gatekeeper/pkg/config"
	"mercator-hq/gatekeeper/pkg/server"
	"mercator-hq/gatekeeper/pkg/telemetry/health"
	"mercator-hq/gatekeeper/pkg/telemetry/logging"
)

var runFlags struct {
	listenAddress string
	logLevel      string
	dryRun        bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the gatekeeper server",
	Long: `Start the gatekeeper server with the specified configuration.

The server gates /v1/ traffic through rate limits and the wallet before
forwarding it to the configured upstream, and serves the admin wallet API,
health probes and metrics.

The configuration file is watched; API keys, the admin key and the log
level are reloaded on change.

Examples:
  # Start with defaults
  gatekeeper run

  # Start with a config file
  gatekeeper run --config /etc/gatekeeper/config.yaml

  # Override the listen address
  gatekeeper run --listen 0.0.0.0:8080

  # Validate config without starting the server
  gatekeeper run --dry-run`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runFlags.listenAddress, "listen", "l", "", "override listen address")
	runCmd.Flags().StringVar(&runFlags.logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	runCmd.Flags().BoolVar(&runFlags.dryRun, "dry-run", false, "validate config without starting server")
}

func runServer(cmd *cobra.Command, args []string) error {
	if err := config.Initialize(cfgFile); err != nil {
		return cli.NewConfigError(cfgFile, fmt.Sprintf("failed to load config: %v", err))
	}
	cfg := config.GetConfig()

	if runFlags.listenAddress != "" {
		cfg.Server.ListenAddress = runFlags.listenAddress
	}
	if runFlags.logLevel != "" {
		cfg.Telemetry.Logging.Level = runFlags.logLevel
	}

	logger, err := logging.New(logging.ConfigFrom(cfg.Telemetry.Logging))
	if err != nil {
		return cli.NewConfigError("telemetry.logging", err.Error())
	}
	slog.SetDefault(logger.Logger)

	if runFlags.dryRun {
		fmt.Fprintln(cmd.OutOrStdout(), "✓ Configuration valid")
		return nil
	}

	ctx, stop := cli.SetupSignalHandler()
	defer stop()

	comps, err := server.Build(ctx, cfg, logger.Logger, Version)
	if err != nil {
		return cli.NewCommandError("run", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := comps.Close(closeCtx); err != nil {
			logger.Error("failed to release components", "error", err)
		}
	}()

	if cfg.Wallet.Enabled && cfg.Wallet.Reaper.Enabled {
		if err := comps.Reaper.Start(ctx); err != nil {
			logger.Warn("failed to start escrow reaper", "error", err)
		} else if next := comps.Reaper.NextRun(); next != nil {
			logger.Debug("escrow reaper started", "next_run", next)
		}
	}

	config.OnReload(func(next *config.Config) {
		comps.ApplyReload(next)
		if err := logger.SetLevel(next.Telemetry.Logging.Level); err != nil {
			logger.Warn("ignoring invalid log level", "level", next.Telemetry.Logging.Level, "error", err)
		}
	})
	if cfgFile != "" {
		watcher, err := config.NewWatcher(cfgFile, logger.Logger)
		if err != nil {
			logger.Warn("configuration hot reload disabled", "error", err)
		} else {
			go func() {
				if err := watcher.Watch(ctx); err != nil {
					logger.Warn("configuration watcher stopped", "error", err)
				}
			}()
		}
	}

	srv, err := server.NewServer(cfg, comps, logger.Logger, health.BuildInfo{
		Version:   Version,
		Commit:    GitCommit,
		BuildTime: BuildDate,
	})
	if err != nil {
		return cli.NewCommandError("run", err)
	}

	if err := srv.Start(ctx); err != nil {
		return cli.NewCommandError("run", err)
	}

	logger.Info("gatekeeper stopped")
	return nil
}
