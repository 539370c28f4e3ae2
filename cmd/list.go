package cmd

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/trenchlabs/trench/internal/manifest"
)

// newListCmd creates and configures the 'list' subcommand.
func newListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [directory]",
		Short: "List archives found under a directory",
		Long: `Scans the given directory (default: current directory) for completed
archives and prints a summary of each: seed URL, page and asset counts,
size on disk, and age.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			return listArchives(cmd.OutOrStdout(), dir)
		},
	}
	return cmd
}

func listArchives(out io.Writer, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read directory: %w", err)
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	fmt.Fprintln(w, "ARCHIVE\tURL\tPAGES\tASSETS\tSIZE\tCREATED")

	found := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		root := filepath.Join(dir, e.Name())
		if _, statErr := os.Stat(filepath.Join(root, "manifest.json")); statErr != nil {
			continue
		}
		man, loadErr := manifest.Load(root)
		if loadErr != nil {
			fmt.Fprintf(w, "%s\t(unreadable: %v)\t\t\t\t\n", e.Name(), loadErr)
			continue
		}
		found++
		fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\n",
			e.Name(),
			man.URL,
			man.Stats.TotalPages,
			man.Stats.TotalAssets,
			humanize.Bytes(uint64(man.Stats.TotalSize)),
			humanize.Time(man.Created),
		)
	}

	if found == 0 {
		fmt.Fprintln(w, "(no archives found)")
	}
	return nil
}
