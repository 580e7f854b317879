package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/driverbench/internal/identity"
	"github.com/signalnine/driverbench/internal/report"
	"github.com/signalnine/driverbench/internal/result"
	"github.com/signalnine/driverbench/internal/score"
)

var (
	flagRescoreIdentity string
	flagCompileWeight   float64
	flagWarningWeight   float64
	flagRescoreWrite    bool
)

func newRescoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rescore [run-dir]",
		Short: "Re-score a stored run",
		Long: "Recompute every task's scores from the stored iteration records with a different " +
			"identity strategy or score weights. No model or toolchain is invoked.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runDir, err := resolveRunDir(args)
			if err != nil {
				return err
			}
			fn, err := identity.ForStrategy(flagRescoreIdentity)
			if err != nil {
				return err
			}
			w := score.Weights{Compile: flagCompileWeight, WarningHandling: flagWarningWeight}
			if w.Compile < 0 || w.WarningHandling < 0 {
				return fmt.Errorf("weights must not be negative")
			}
			rs, err := report.Rescore(runDir, identity.NewMatcher(fn), w)
			if err != nil {
				return err
			}
			if flagRescoreWrite {
				if err := result.WriteSummary(runDir, rs); err != nil {
					return err
				}
			}
			return report.Write(rs, flagFormat, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&flagRescoreIdentity, "identity", identity.StrategyNormalized, "identity strategy (normalized, strict, code)")
	cmd.Flags().Float64Var(&flagCompileWeight, "compile-weight", score.DefaultWeights.Compile, "weight of the mean compile score")
	cmd.Flags().Float64Var(&flagWarningWeight, "warning-weight", score.DefaultWeights.WarningHandling, "weight of the mean warning handling score")
	cmd.Flags().BoolVar(&flagRescoreWrite, "write", false, "overwrite the run's summary.json")
	cmd.Flags().StringVar(&flagFormat, "format", report.FormatTable, "output format (table, markdown, json)")
	return cmd
}
