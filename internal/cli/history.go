package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/tiersched/pkg/model"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse the compile history of a server started with --db",
	}
	cmd.AddCommand(newHistoryRunsCmd(), newHistoryListCmd(), newHistorySummaryCmd())
	return cmd
}

func newHistoryRunsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List recorded runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, pg, err := client.Runs(cmd.Context())
			if err != nil {
				return fmt.Errorf("list runs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(runs) == 0 {
				fmt.Fprintln(out, "No runs found.")
				return nil
			}
			fmt.Fprintf(out, "%-14s  %-10s  %-25s  %s\n", "ID", "LABEL", "STARTED", "ENDED")
			for _, r := range runs {
				ended := "-"
				if r.EndedAt != nil {
					ended = r.EndedAt.Format("2006-01-02T15:04:05Z07:00")
				}
				fmt.Fprintf(out, "%-14s  %-10s  %-25s  %s\n", r.ID, r.Label, r.StartedAt.Format("2006-01-02T15:04:05Z07:00"), ended)
			}
			if pg != nil && pg.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(runs), pg.Total)
			}
			return nil
		},
	}
}

func newHistoryListCmd() *cobra.Command {
	var runID, state string
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List retired compile tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			recs, pg, err := client.History(cmd.Context(), model.ListOptions{
				RunID:  runID,
				State:  model.TaskState(strings.ToUpper(state)),
				Limit:  limit,
				Offset: offset,
			})
			if err != nil {
				return fmt.Errorf("list history: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(recs) == 0 {
				fmt.Fprintln(out, "No compile tasks found.")
				return nil
			}
			fmt.Fprintf(out, "%-8s  %-18s  %-18s  %-8s  %-10s  %-9s  %s\n",
				"TASK", "UNIT", "TIER", "ENTRY", "REASON", "STATE", "TIME")
			for _, r := range recs {
				took := "-"
				if r.StartedAt != nil {
					took = r.CompletedAt.Sub(*r.StartedAt).String()
				}
				fmt.Fprintf(out, "%-8d  %-18s  %-18s  %-8s  %-10s  %-9s  %s\n",
					r.TaskID, r.UnitName, r.Tier, r.Entry, r.Reason, r.State, took)
			}
			if pg != nil && pg.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(recs), pg.Total)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run id (default: the server's current run)")
	cmd.Flags().StringVar(&state, "state", "", "Only tasks in this state (COMPLETED, FAILED, STALE)")
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of tasks")
	cmd.Flags().IntVar(&offset, "offset", 0, "Number of tasks to skip")
	return cmd
}

func newHistorySummaryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summary <run-id>",
		Short: "Count the retired tasks of a run by state and tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sum, err := client.RunSummary(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("run summary: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Run: %s\n", sum.RunID)
			states := make([]string, 0, len(sum.ByState))
			for s := range sum.ByState {
				states = append(states, string(s))
			}
			sort.Strings(states)
			for _, s := range states {
				fmt.Fprintf(out, "  %-10s %d\n", s+":", sum.ByState[model.TaskState(s)])
			}
			for t := model.TierSimple; t <= model.TierMax; t++ {
				if n, ok := sum.ByTier[t]; ok {
					fmt.Fprintf(out, "  %-18s %d\n", t.String()+":", n)
				}
			}
			fmt.Fprintf(out, "  Code size: %d bytes\n", sum.CodeSize)
			return nil
		},
	}
}
