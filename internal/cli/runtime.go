package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/tiersched/internal/backend"
	"github.com/me/tiersched/internal/config"
	"github.com/me/tiersched/internal/resource"
	"github.com/me/tiersched/internal/scheduler"
	"github.com/me/tiersched/internal/store"
	"github.com/me/tiersched/pkg/model"
)

// runtimeOptions select the pieces assembled around a scheduler.
type runtimeOptions struct {
	configPath string
	codeCache  string // overrides code_cache.size when set
	dbPath     string // empty disables history
	label      string
	bailout    uint64
}

// runtime is a scheduler wired to the synthetic backend, an in-process code
// cache and, optionally, the history store.
type runtime struct {
	cfg    config.Config
	sched  *scheduler.Scheduler
	ledger *resource.Ledger
	synth  *backend.Synthetic
	store  *store.SQLiteStore
	rec    *store.Recorder
	runID  string
	logger *slog.Logger
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newRuntime(ctx context.Context, opts runtimeOptions, logger *slog.Logger) (*runtime, error) {
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.codeCache != "" {
		size, err := config.ParseByteSize(opts.codeCache)
		if err != nil {
			return nil, fmt.Errorf("code cache size: %w", err)
		}
		cfg.CodeCache.Size = size
	}

	rt := &runtime{cfg: cfg, logger: logger}
	rt.ledger = resource.NewLedger(cfg.CodeCache.Size.Bytes())
	synCfg := backend.DefaultSyntheticConfig()
	synCfg.BailoutEvery = opts.bailout
	rt.synth = backend.NewSynthetic(synCfg, rt.ledger)

	reg := backend.NewRegistry(logger)
	reg.Register(model.ClassBaseline, rt.synth)
	reg.Register(model.ClassOptimizing, rt.synth)

	var recorder scheduler.Recorder
	if opts.dbPath != "" {
		if err := rt.openHistory(ctx, opts); err != nil {
			return nil, err
		}
		recorder = rt.rec
	}

	rt.sched, err = scheduler.New(scheduler.Options{
		Config:    cfg,
		Backends:  reg,
		CodeCache: rt.ledger,
		Memory:    resource.SystemMemory{},
		Reclaimer: rt.ledger,
		Recorder:  recorder,
		Logger:    logger,
	})
	if err != nil {
		rt.closeHistory()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) openHistory(ctx context.Context, opts runtimeOptions) error {
	st, err := store.NewSQLiteStore(opts.dbPath, rt.logger)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return fmt.Errorf("migrate database: %w", err)
	}
	data, err := rt.cfg.Marshal()
	if err != nil {
		st.Close()
		return err
	}
	run := &model.Run{
		ID:        store.NewRunID(),
		Label:     opts.label,
		Config:    string(data),
		StartedAt: time.Now().UTC(),
	}
	if err := st.CreateRun(ctx, run); err != nil {
		st.Close()
		return fmt.Errorf("create run: %w", err)
	}
	rt.store = st
	rt.runID = run.ID
	rt.rec = store.NewRecorder(st, run.ID, rt.logger)
	rt.logger.Info("recording history", "path", opts.dbPath, "run_id", run.ID)
	return nil
}

// Close stops the scheduler and flushes the history.
func (rt *runtime) Close() {
	rt.sched.Stop()
	rt.closeHistory()
}

func (rt *runtime) closeHistory() {
	if rt.store == nil {
		return
	}
	rt.rec.Close()
	if err := rt.store.FinishRun(context.Background(), rt.runID, time.Now().UTC()); err != nil {
		rt.logger.Warn("finish run", "run_id", rt.runID, "error", err)
	}
	if n := rt.rec.Dropped(); n > 0 {
		rt.logger.Warn("history records dropped", "count", n)
	}
	rt.store.Close()
	rt.store = nil
}
