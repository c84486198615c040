// Package sim drives synthetic units through a scheduler the way an
// interpreter would: invocations and loop backedges bump the unit counters,
// and counter overflows notify the scheduler.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/me/tiersched/internal/policy"
	"github.com/me/tiersched/pkg/model"
)

// Scheduler is the part of the scheduler the runtime talks to.
type Scheduler interface {
	CompileIfRequired(ctx context.Context, u *model.CompilationUnit)
	OnEvent(ctx context.Context, u *model.CompilationUnit, ev policy.Event, osrIndex int) []policy.Decision
}

// Config shapes the synthetic workload.
type Config struct {
	Units           int
	Mutators        int
	CallsPerMutator int64
	// Duration bounds the run; zero runs until every mutator made its calls.
	Duration time.Duration
	// ZipfS skews unit selection; larger values concentrate calls on fewer
	// units. Must be > 1.
	ZipfS        float64
	LoopFraction float64
	MaxTripCount int
	MustCompile  int
	Seed         uint64

	InvokeNotifyFreqLog   uint
	BackedgeNotifyFreqLog uint
}

// DefaultConfig returns a small workload that warms up a few hundred units.
func DefaultConfig() Config {
	return Config{
		Units:                 500,
		Mutators:              4,
		CallsPerMutator:       200_000,
		ZipfS:                 1.2,
		LoopFraction:          0.3,
		MaxTripCount:          64,
		Seed:                  1,
		InvokeNotifyFreqLog:   7,
		BackedgeNotifyFreqLog: 10,
	}
}

// Validate checks the workload parameters.
func (c Config) Validate() error {
	var errs []error
	if c.Units < 1 {
		errs = append(errs, errors.New("units must be >= 1"))
	}
	if c.Mutators < 1 {
		errs = append(errs, errors.New("mutators must be >= 1"))
	}
	if c.CallsPerMutator < 1 && c.Duration <= 0 {
		errs = append(errs, errors.New("calls per mutator or duration must be set"))
	}
	if c.ZipfS <= 1 {
		errs = append(errs, errors.New("zipf s must be > 1"))
	}
	if c.LoopFraction < 0 || c.LoopFraction > 1 {
		errs = append(errs, errors.New("loop fraction must be within [0, 1]"))
	}
	if c.InvokeNotifyFreqLog > 30 || c.BackedgeNotifyFreqLog > 30 {
		errs = append(errs, errors.New("notify frequency log must be <= 30"))
	}
	return errors.Join(errs...)
}

// Result summarizes a run.
type Result struct {
	Calls          int64
	Backedges      int64
	Events         int64
	CompileActions int64
	Elapsed        time.Duration
}

// Simulator runs mutator goroutines against a unit table.
type Simulator struct {
	cfg    Config
	sched  Scheduler
	table  *Table
	logger *slog.Logger

	calls     atomic.Int64
	backedges atomic.Int64
	events    atomic.Int64
	actions   atomic.Int64
}

// New creates a simulator with a fresh unit table.
func New(cfg Config, sched Scheduler, logger *slog.Logger) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("sim config: %w", err)
	}
	return &Simulator{
		cfg:    cfg,
		sched:  sched,
		table:  NewTable(cfg.Units, cfg.LoopFraction, cfg.MustCompile, cfg.Seed),
		logger: logger.With("component", "sim"),
	}, nil
}

// Table returns the simulated units.
func (s *Simulator) Table() *Table { return s.table }

// Run drives the mutators until they made their calls, Duration elapsed or
// ctx is canceled. Only cancellation of ctx is reported as an error.
func (s *Simulator) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	runCtx := ctx
	if s.cfg.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.cfg.Duration)
		defer cancel()
	}

	s.logger.Info("simulation started",
		"units", s.cfg.Units, "mutators", s.cfg.Mutators,
		"calls_per_mutator", s.cfg.CallsPerMutator, "duration", s.cfg.Duration)

	g, gctx := errgroup.WithContext(runCtx)
	for i := range s.cfg.Mutators {
		g.Go(func() error {
			return s.mutate(gctx, uint64(i))
		})
	}
	err := g.Wait()

	res := Result{
		Calls:          s.calls.Load(),
		Backedges:      s.backedges.Load(),
		Events:         s.events.Load(),
		CompileActions: s.actions.Load(),
		Elapsed:        time.Since(start),
	}
	s.logger.Info("simulation finished",
		"calls", res.Calls, "events", res.Events, "compile_actions", res.CompileActions,
		"elapsed", res.Elapsed.Round(time.Millisecond))

	if ctx.Err() != nil {
		return res, ctx.Err()
	}
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return res, err
	}
	return res, nil
}

// mutate is one interpreter thread.
func (s *Simulator) mutate(ctx context.Context, idx uint64) error {
	rng := rand.New(rand.NewPCG(s.cfg.Seed, idx+1))
	pick := func() model.UnitID { return 1 }
	if s.table.Len() > 1 {
		zipf := rand.NewZipf(rng, s.cfg.ZipfS, 1, uint64(s.table.Len()-1))
		pick = func() model.UnitID { return model.UnitID(zipf.Uint64() + 1) }
	}

	for n := int64(0); s.cfg.CallsPerMutator <= 0 || n < s.cfg.CallsPerMutator; n++ {
		if n&0xff == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		u := s.table.Unit(pick())
		s.call(ctx, u, rng)
	}
	return nil
}

// call simulates one invocation of u.
func (s *Simulator) call(ctx context.Context, u *model.CompilationUnit, rng *rand.Rand) {
	s.calls.Add(1)
	if u.Invocations() == 0 {
		s.sched.CompileIfRequired(ctx, u)
	}
	// Code without profiling counters does not notify.
	if !counting(u.CurrentTier(model.EntryStandard)) {
		return
	}

	inv := u.RecordInvocations(1)
	if overflowed(inv-1, inv, s.cfg.InvokeNotifyFreqLog) {
		s.notify(ctx, u, policy.EventInvocation, 0)
	}

	if !u.Loops || s.cfg.MaxTripCount <= 0 {
		return
	}
	trips := int64(1 + rng.IntN(s.cfg.MaxTripCount))
	s.backedges.Add(trips)
	back := u.RecordBackedges(trips)
	if overflowed(back-trips, back, s.cfg.BackedgeNotifyFreqLog) {
		// Loop 0 is the only loop of a synthetic unit.
		s.notify(ctx, u, policy.EventBackedge, 0)
	}
}

func (s *Simulator) notify(ctx context.Context, u *model.CompilationUnit, ev policy.Event, osrIndex int) {
	s.events.Add(1)
	for _, d := range s.sched.OnEvent(ctx, u, ev, osrIndex) {
		if d.Action == policy.ActionCompile {
			s.actions.Add(1)
		}
	}
}

// overflowed reports whether a counter moving from before to after crossed
// a multiple of 2^freqLog.
func overflowed(before, after int64, freqLog uint) bool {
	return before>>freqLog != after>>freqLog
}

// counting reports whether code at tier keeps invocation and backedge
// counters.
func counting(t model.Tier) bool {
	switch t {
	case model.TierSimple, model.TierFullOptimization:
		return false
	}
	return true
}
