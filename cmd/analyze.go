package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/trenchlabs/trench/internal/analyze"
)

// newAnalyzeCmd creates and configures the 'analyze' subcommand.
func newAnalyzeCmd() *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "analyze <path>",
		Short: "Report on an archive's contents and storage savings",
		Long: `Reads an archive's manifest and produces a report: pages and word
counts, asset breakdown by type, deduplication savings, and any errors
recorded during the crawl.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := analyze.ParseFormat(format)
			if err != nil {
				return err
			}

			_, logger, err := loadEnvironment()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			rep, err := analyze.New(logger).Analyze(args[0])
			if err != nil {
				return fmt.Errorf("analyze archive: %w", err)
			}
			return analyze.Render(os.Stdout, rep, f)
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "markdown", "report format: json, html, or markdown")

	return cmd
}
