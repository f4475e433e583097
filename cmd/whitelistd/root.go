package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"

	"github.com/whitelistd/whitelistd/internal/config"
	"github.com/whitelistd/whitelistd/internal/observability"
	"github.com/whitelistd/whitelistd/internal/server"
)

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "whitelistd",
		Short: "Forward-auth gateway that remembers authenticated client addresses",
		Long: `whitelistd answers forward-auth sub-requests from a reverse proxy.

  /authorize  remember the client address with its identity headers
  /allowed    200 with the remembered headers, or 403

Entries expire at a daily UTC cutoff. Configuration is read from a TOML or
YAML file (--config, WHITELISTD_CONFIG_FILE or CONFIG) and WHITELISTD_*
environment variables.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), resolvePath(configPath))
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default $WHITELISTD_CONFIG_FILE, $CONFIG or config.toml)")
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the forward-auth server (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), resolvePath(configPath))
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "whitelistd %s\n", version)
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Load the configuration and print the effective settings",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := config.LoadFromPath(resolvePath(configPath))
				if err != nil {
					return fmt.Errorf("configuration error: %w", err)
				}
				return toml.NewEncoder(cmd.OutOrStdout()).Encode(cfg)
			},
		},
	)

	return root
}

func resolvePath(flag string) string {
	if flag != "" {
		return flag
	}
	return config.ConfigFilePath()
}

func serve(parent context.Context, path string) error {
	cfg, err := config.LoadFromPath(path)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("starting whitelistd", "version", version, "config", path)

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	watcher := config.NewWatcher(path, func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server exited with error: %w", err)
	}

	logger.Info("whitelistd shut down gracefully")
	return nil
}
