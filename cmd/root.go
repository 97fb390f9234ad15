// Package cmd implements the oxide command line interface.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/copyleftdev/oxide-ci-sub000/internal/config"
	"github.com/copyleftdev/oxide-ci-sub000/internal/logger"
)

var (
	cfgFile string

	rootCmd = &cobra.Command{
		Use:          "oxide",
		Short:        "Event-driven CI/CD pipeline execution engine.",
		Long:         "Event-driven CI/CD pipeline execution engine.",
		SilenceUsage: true,
	}
)

// Execute runs the root command. Called by main.
func Execute() error {
	return rootCmd.Execute()
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(validateCmd())
	rootCmd.AddCommand(pipelineCmd())
	rootCmd.AddCommand(runsCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(agentsCmd())
	rootCmd.AddCommand(secretsCmd())
	rootCmd.AddCommand(cacheCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(versionCmd())
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default is $XDG_CONFIG_HOME/oxide/config.yaml)")
	registerCommands()
}

// setup loads the configuration and returns a context carrying the
// configured logger.
func setup(ctx context.Context) (context.Context, *config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return ctx, nil, err
	}

	var opts []logger.Option
	if cfg.Log.Debug {
		opts = append(opts, logger.WithDebug())
	}
	if cfg.Log.Format != "" {
		opts = append(opts, logger.WithFormat(cfg.Log.Format))
	}
	if cfg.Log.Quiet {
		opts = append(opts, logger.WithQuiet())
	}
	ctx = logger.WithLogger(ctx, logger.NewLogger(opts...))
	return ctx, cfg, nil
}
