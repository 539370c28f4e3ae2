// Package cmd defines and implements the CLI commands for the trench
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/trenchlabs/trench/internal/config"
	"github.com/trenchlabs/trench/internal/logging"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trench",
		Short: "Archive websites into self-contained, replayable snapshots.",
		Long: `trench crawls a website starting from a seed URL, captures every page
and sub-resource into a content-addressed local archive, and serves the
result back through a local replay server. Archives are durable and
resumable: an interrupted crawl picks up where it left off.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.trench.yaml)")

	cmd.AddCommand(newArchiveCmd())
	cmd.AddCommand(newReplayCmd())
	cmd.AddCommand(newAnalyzeCmd())
	cmd.AddCommand(newListCmd())

	return cmd
}

// loadEnvironment resolves configuration and builds the logger shared by
// every subcommand.
func loadEnvironment() (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "trench: %v\n", err)
		os.Exit(1)
	}
}
