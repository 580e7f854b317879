package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/signalnine/driverbench/internal/config"
	"github.com/signalnine/driverbench/internal/report"
)

var flagFormat string

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report [run-dir]",
		Short: "Print the scores of a stored run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir, err := resolveRunDir(args)
			if err != nil {
				return err
			}
			return report.Generate(runDir, flagFormat, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flagFormat, "format", report.FormatTable, "output format (table, markdown, json)")
	return cmd
}

// resolveRunDir returns args[0], or the latest run under the configured
// results directory.
func resolveRunDir(args []string) (string, error) {
	runDir := ""
	if len(args) > 0 {
		runDir = args[0]
	} else {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return "", err
		}
		runDir = filepath.Join(cfg.Path(cfg.Results.Dir), "latest")
	}
	resolved, err := filepath.EvalSymlinks(runDir)
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	return resolved, nil
}
