package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"hostwatch/collector"
)

func newProcessesCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "processes",
		Short: "List the busiest processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			top, _ := cmd.Flags().GetInt("top")
			sortBy, _ := cmd.Flags().GetString("sort")
			asJSON, _ := cmd.Flags().GetBool("json")
			window, _ := cmd.Flags().GetDuration("window")
			if sortBy != collector.SortByCPU && sortBy != collector.SortByMemory {
				return fmt.Errorf("invalid --sort %q (valid: cpu, mem)", sortBy)
			}

			procs, err := collector.TopProcesses(cmd.Context(), top, sortBy, window)
			if err != nil {
				return err
			}
			if asJSON {
				return json.NewEncoder(cmd.OutOrStdout()).Encode(procs)
			}
			return writeProcesses(cmd.OutOrStdout(), procs)
		},
	}
	cmd.Flags().Int("top", 15, "number of processes, 0 for all")
	cmd.Flags().String("sort", collector.SortByCPU, "sort key: cpu|mem")
	cmd.Flags().Bool("json", false, "print JSON")
	cmd.Flags().Duration("window", time.Second, "CPU measurement window, 0 for lifetime average")
	return cmd
}
