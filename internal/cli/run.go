package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"

	"github.com/me/tiersched/internal/scheduler"
	"github.com/me/tiersched/internal/sim"
	"github.com/me/tiersched/pkg/model"
)

func newRunCmd() *cobra.Command {
	opts := runtimeOptions{label: "run"}
	simCfg := sim.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Drive a synthetic workload through the scheduler and print a summary",
		Long: `Runs mutator goroutines that call synthetic units with a Zipf distribution.
Counter overflows notify the tier policy, which submits compile tasks to the
baseline and optimizing queues. The synthetic backend sleeps for a per-tier
latency and allocates space in an in-process code cache.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, opts, logger)
			if err != nil {
				return err
			}
			if err := rt.sched.Start(ctx); err != nil {
				rt.Close()
				return fmt.Errorf("start scheduler: %w", err)
			}

			s, err := sim.New(simCfg, rt.sched, logger)
			if err != nil {
				rt.Close()
				return err
			}
			res, runErr := s.Run(ctx)
			rt.Close()

			out := cmd.OutOrStdout()
			scheduler.PrintSummary(out, rt.sched.Stats().Snapshot(time.Now()))
			printWorkload(out, res, s.Table(), rt)

			if errors.Is(runErr, context.Canceled) {
				fmt.Fprintln(out, "Interrupted.")
				return nil
			}
			return runErr
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", env.Str("TIERSCHED_CONFIG"), "Scheduler config file (or TIERSCHED_CONFIG env)")
	f.StringVar(&opts.codeCache, "code-cache", "", "Code cache size, e.g. 64MiB (overrides code_cache.size)")
	f.StringVar(&opts.dbPath, "db", "", "Record compile history in this SQLite database")
	f.StringVar(&opts.label, "label", opts.label, "Label of the recorded run")
	f.Uint64Var(&opts.bailout, "bailout-every", 0, "Make every Nth synthetic compilation bail out")

	f.IntVar(&simCfg.Units, "units", simCfg.Units, "Number of synthetic units")
	f.IntVar(&simCfg.Mutators, "mutators", simCfg.Mutators, "Number of mutator goroutines")
	f.Int64Var(&simCfg.CallsPerMutator, "calls", simCfg.CallsPerMutator, "Calls per mutator (0 runs until --duration)")
	f.DurationVar(&simCfg.Duration, "duration", simCfg.Duration, "Stop the workload after this long")
	f.Float64Var(&simCfg.ZipfS, "zipf", simCfg.ZipfS, "Zipf skew of unit selection (> 1)")
	f.Float64Var(&simCfg.LoopFraction, "loops", simCfg.LoopFraction, "Fraction of units with loops")
	f.IntVar(&simCfg.MaxTripCount, "max-trips", simCfg.MaxTripCount, "Maximum loop trip count per call")
	f.IntVar(&simCfg.MustCompile, "must-compile", simCfg.MustCompile, "Number of units compiled before their first run")
	f.Uint64Var(&simCfg.Seed, "seed", simCfg.Seed, "Random seed")

	return cmd
}

func printWorkload(w io.Writer, res sim.Result, table *sim.Table, rt *runtime) {
	fmt.Fprintf(w, "Workload: %s calls, %s backedges, %s events in %s\n",
		humanize.Comma(res.Calls), humanize.Comma(res.Backedges), humanize.Comma(res.Events),
		res.Elapsed.Round(time.Millisecond))

	hist := table.TierHistogram()
	fmt.Fprintf(w, "Units:   ")
	for t := model.TierNone; t <= model.TierMax; t++ {
		fmt.Fprintf(w, " %s=%d", t, hist[t])
	}
	fmt.Fprintln(w)

	fmt.Fprintf(w, "Code cache: %s of %s used\n",
		humanize.IBytes(rt.ledger.Used()), humanize.IBytes(rt.ledger.Capacity()))
	if rt.runID != "" {
		fmt.Fprintf(w, "History: run %s\n", rt.runID)
	}
}
