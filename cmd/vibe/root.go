package main

import (
	"fmt"

	"vibe/internal/bootstrap"
	"vibe/internal/config"
	"vibe/internal/logging"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:           "vibe",
		Short:         "Generate and preview web apps from natural language prompts",
		Long:          "vibe turns a prompt into a running React app inside a sandbox. It serves the HTTP API, runs one-off generations and manages credit balances.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to a JSON/JSONC/YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(
		newServeCmd(opts),
		newGenerateCmd(opts),
		newChatCmd(opts),
		newCreditsCmd(opts),
	)
	return rootCmd
}

// open loads config and wires the app. The caller owns Close.
func (o *rootOptions) open() (*bootstrap.App, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, o.verbose)
	if err != nil {
		return nil, err
	}
	app, err := bootstrap.Build(cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, err
	}
	return app, nil
}

func closeApp(app *bootstrap.App) {
	_ = app.Close()
	_ = app.Logger.Sync()
}
