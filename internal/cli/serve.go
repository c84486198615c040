package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/xyproto/env/v2"

	"github.com/me/tiersched/internal/config"
	"github.com/me/tiersched/internal/server"
	"github.com/me/tiersched/internal/sim"
)

func newServeCmd() *cobra.Command {
	srvCfg := config.DefaultServerConfig()
	srvCfg.Addr = env.Str("TIERSCHED_ADDR", srvCfg.Addr)
	srvCfg.ConfigPath = env.Str("TIERSCHED_CONFIG")
	var codeCache string
	var workload bool
	simCfg := sim.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler behind the admin API",
		Long: `Starts the scheduler with the synthetic backend and serves the admin API.
With --workload a synthetic workload warms up units in the background so that
queues, workers and units can be inspected. A --config file is watched and
every valid change is applied without a restart.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			rt, err := newRuntime(ctx, runtimeOptions{
				configPath: srvCfg.ConfigPath,
				codeCache:  codeCache,
				dbPath:     srvCfg.DBPath,
				label:      "serve",
			}, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.sched.Start(ctx); err != nil {
				return fmt.Errorf("start scheduler: %w", err)
			}

			if srvCfg.ConfigPath != "" {
				w, err := config.NewWatcher(srvCfg.ConfigPath, func(c config.Config) {
					if err := rt.sched.ApplyConfig(c); err != nil {
						logger.Warn("config not applied", "error", err)
					}
				}, logger)
				if err != nil {
					return err
				}
				go w.Run(ctx)
				defer func() {
					stop()
					<-w.Done()
				}()
			}

			var opts []server.Option
			if rt.store != nil {
				opts = append(opts, server.WithStore(rt.store), server.WithRunID(rt.runID))
			}
			if workload {
				s, err := sim.New(simCfg, rt.sched, logger)
				if err != nil {
					return err
				}
				opts = append(opts, server.WithUnits(s.Table()))
				simDone := make(chan struct{})
				go func() {
					defer close(simDone)
					if _, err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						logger.Error("workload failed", "error", err)
					}
				}()
				// The workload submits until it returns; the scheduler must
				// outlive it.
				defer func() {
					stop()
					<-simDone
				}()
			}

			srv := server.New(srvCfg, rt.sched, logger, opts...)
			httpServer := &http.Server{
				Addr:    srvCfg.Addr,
				Handler: srv.Handler(),
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("server starting", "addr", srvCfg.Addr)
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			}
			logger.Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("shutdown: %w", err)
			}
			logger.Info("server stopped")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&srvCfg.Addr, "addr", srvCfg.Addr, "Listen address (or TIERSCHED_ADDR env)")
	f.StringVar(&srvCfg.ConfigPath, "config", srvCfg.ConfigPath, "Scheduler config file, reloaded on change (or TIERSCHED_CONFIG env)")
	f.StringVar(&srvCfg.DBPath, "db", "", "Record compile history in this SQLite database")
	f.StringVar(&codeCache, "code-cache", "", "Code cache size, e.g. 64MiB (overrides code_cache.size)")
	f.BoolVar(&workload, "workload", true, "Run a synthetic workload in the background")
	f.IntVar(&simCfg.Units, "units", simCfg.Units, "Number of synthetic units")
	f.Int64Var(&simCfg.CallsPerMutator, "calls", simCfg.CallsPerMutator, "Calls per mutator of the background workload")

	return cmd
}
