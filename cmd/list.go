package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/signalnine/driverbench/internal/config"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the tasks a run would evaluate",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			specs, err := cfg.LoadTasks(nil)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Model: %s/%s\n", cfg.Model.Provider, cfg.Model.Name)
			fmt.Fprintf(out, "Executor: %s\n", cfg.Toolchain.Executor)
			fmt.Fprintln(out, "\nTasks:")
			for _, s := range specs {
				fmt.Fprintf(out, "  - %s (budget %d, %d bytes)\n", s.ID, s.Budget, len(s.Prompt))
			}
			return nil
		},
	}
}
