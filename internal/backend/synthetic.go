package backend

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/me/tiersched/pkg/model"
)

// CodeAllocator reserves code cache space for code about to be installed.
type CodeAllocator interface {
	Allocate(u *model.CompilationUnit, code *model.InstalledCode) error
}

// SyntheticConfig shapes the synthetic backend's behavior.
type SyntheticConfig struct {
	// Latency is the compile time per tier.
	Latency [model.TierMax + 1]time.Duration
	// TickInterval is how often progress ticks advance while compiling.
	TickInterval time.Duration
	// TrivialSize marks loop-free units up to this size as trivial.
	TrivialSize int
	// HugeSize rejects larger units at every tier.
	HugeSize int
	// BailoutEvery makes every Nth compilation bail out. Zero disables.
	BailoutEvery uint64
}

// DefaultSyntheticConfig returns latencies roughly proportional to the
// relative cost of each tier.
func DefaultSyntheticConfig() SyntheticConfig {
	return SyntheticConfig{
		Latency: [model.TierMax + 1]time.Duration{
			model.TierSimple:           200 * time.Microsecond,
			model.TierLimitedProfile:   250 * time.Microsecond,
			model.TierFullProfile:      300 * time.Microsecond,
			model.TierFullOptimization: 2 * time.Millisecond,
		},
		TickInterval: 100 * time.Microsecond,
		TrivialSize:  6,
		HugeSize:     8000,
	}
}

// codeBytesPerUnitByte approximates code expansion per tier.
var codeBytesPerUnitByte = [model.TierMax + 1]uint64{
	model.TierSimple:           4,
	model.TierLimitedProfile:   5,
	model.TierFullProfile:      6,
	model.TierFullOptimization: 8,
}

// Synthetic pretends to compile: it sleeps for the tier's latency, allocates
// code cache space and reports deterministic failures.
type Synthetic struct {
	cfg   SyntheticConfig
	cache CodeAllocator
	ticks atomic.Int64
	count atomic.Uint64
}

// NewSynthetic creates a synthetic backend. cache may be nil.
func NewSynthetic(cfg SyntheticConfig, cache CodeAllocator) *Synthetic {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 100 * time.Microsecond
	}
	return &Synthetic{cfg: cfg, cache: cache}
}

// Compile implements Backend.
func (s *Synthetic) Compile(ctx context.Context, req Request) (*model.InstalledCode, error) {
	u := req.Unit
	if req.Directives["exclude"] == "true" {
		return nil, &model.NotCompilableError{All: true, Reason: "excluded by directive"}
	}
	if s.cfg.HugeSize > 0 && u.Size > s.cfg.HugeSize {
		return nil, &model.NotCompilableError{All: true, Reason: "unit too large"}
	}

	if err := s.work(ctx, s.cfg.Latency[req.Tier]); err != nil {
		return nil, &model.BailoutError{Reason: err.Error()}
	}

	n := s.count.Add(1)
	if s.cfg.BailoutEvery > 0 && n%s.cfg.BailoutEvery == 0 {
		return nil, &model.BailoutError{Reason: "synthetic bailout"}
	}

	code := &model.InstalledCode{
		Tier:        req.Tier,
		Entry:       req.Entry,
		OSRIndex:    req.OSRIndex,
		Size:        uint64(max(u.Size, 1)) * codeBytesPerUnitByte[req.Tier],
		Trivial:     !u.Loops && u.Size <= s.cfg.TrivialSize,
		InstalledAt: time.Now(),
	}
	if s.cache != nil {
		if err := s.cache.Allocate(u, code); err != nil {
			return nil, err
		}
	}
	return code, nil
}

// work sleeps for d, advancing the progress counter.
func (s *Synthetic) work(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			s.ticks.Add(1)
			return nil
		case <-ticker.C:
			s.ticks.Add(1)
		}
	}
}

// CompilationTicks implements ProgressReporter.
func (s *Synthetic) CompilationTicks() int64 { return s.ticks.Load() }

// Compiled returns how many compilations finished work, bailouts included.
func (s *Synthetic) Compiled() uint64 { return s.count.Load() }
