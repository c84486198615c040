package cli

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/tiersched/pkg/model"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler state, queues and worker pools of a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, out := cmd.Context(), cmd.OutOrStdout()

			health, err := client.Health(ctx)
			if err != nil {
				return fmt.Errorf("get health: %w", err)
			}
			fmt.Fprintf(out, "Scheduler: %s (up %s, history: %s)\n", health.Scheduler, health.Uptime, health.Store)

			classes, err := client.Classes(ctx)
			if err != nil {
				return fmt.Errorf("list classes: %w", err)
			}
			fmt.Fprintf(out, "\n%-12s  %-12s  %8s  %8s  %8s\n", "CLASS", "BACKEND", "QUEUED", "WORKERS", "MAX")
			for _, c := range classes {
				fmt.Fprintf(out, "%-12s  %-12s  %8d  %8d  %8d\n",
					c.Class, health.Backends[c.Class], c.QueueSize, c.Workers, c.MaxWorkers)
			}

			snap, err := client.Stats(ctx)
			if err != nil {
				return fmt.Errorf("get stats: %w", err)
			}
			fmt.Fprintf(out, "\nTasks: %s submitted, %s completed, %s failed, %s stale, %s of code\n",
				humanize.Comma(int64(snap.Submitted)), humanize.Comma(int64(snap.Completed)),
				humanize.Comma(int64(snap.Failed)), humanize.Comma(int64(snap.Stale)),
				humanize.IBytes(snap.CodeSize))
			return nil
		},
	}
}

func newWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers <class> <max>",
		Short: "Change the maximum worker count of a class (baseline, optimizing)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid worker count %q", args[1])
			}
			info, err := client.SetWorkers(cmd.Context(), args[0], n)
			if err != nil {
				return fmt.Errorf("set workers: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: max %d workers (%d running)\n", info.Class, info.MaxWorkers, info.Workers)
			return nil
		},
	}
}

func newCompileCmd() *cobra.Command {
	var tier int
	var osr, blocking bool

	cmd := &cobra.Command{
		Use:   "compile <unit-id>",
		Short: "Request a compilation of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid unit id %q", args[0])
			}
			entry := model.EntryStandard
			if osr {
				entry = model.EntryOSR
			}
			data, err := client.Compile(cmd.Context(), model.UnitID(id), CompileRequest{
				Tier:     model.Tier(tier),
				Entry:    entry.String(),
				Blocking: blocking,
			})
			if err != nil {
				return fmt.Errorf("compile unit %s: %w", args[0], err)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Task %d queued for unit %s at %s\n", data.TaskID, args[0], model.Tier(tier))
			if blocking {
				fmt.Fprintf(out, "  State: %s\n", data.State)
				if data.Error != "" {
					fmt.Fprintf(out, "  Error: %s\n", data.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&tier, "tier", int(model.TierFullOptimization), "Target tier (1-4)")
	cmd.Flags().BoolVar(&osr, "osr", false, "Compile the on-stack-replacement entry")
	cmd.Flags().BoolVar(&blocking, "wait", false, "Wait for the compilation to finish")
	return cmd
}
