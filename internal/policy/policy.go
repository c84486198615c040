// Package policy decides when a compilation unit moves to another tier.
//
// Decisions are advisory: the policy reads unit counters and queue load but
// never touches a queue. The scheduler turns decisions into submissions.
package policy

import (
	"log/slog"
	"sync/atomic"

	"github.com/me/tiersched/internal/config"
	"github.com/me/tiersched/pkg/model"
)

// LoadSource reports the current load of each backend class.
type LoadSource interface {
	QueueSize(c model.TierClass) int
	WorkerCount(c model.TierClass) int
}

// Event is the runtime event that triggered a decision.
type Event int

const (
	// EventInvocation fires when an invocation counter overflows.
	EventInvocation Event = iota
	// EventBackedge fires when a loop backedge counter overflows.
	EventBackedge
)

// Action is what the scheduler should do with a unit.
type Action int

const (
	ActionNone Action = iota
	ActionCompile
	ActionStartProfiling
)

func (a Action) String() string {
	switch a {
	case ActionCompile:
		return "compile"
	case ActionStartProfiling:
		return "start_profiling"
	}
	return "none"
}

// Decision is a single piece of advice.
type Decision struct {
	Action Action
	Tier   model.Tier
	Entry  model.EntryKind
	Reason model.Reason
}

// Policy implements tiered promotion with load feedback and congestion
// hysteresis on the optimizing class.
type Policy struct {
	cfg       atomic.Pointer[config.PolicyConfig]
	load      LoadSource
	congested atomic.Bool
	logger    *slog.Logger
}

// New creates a policy reading load from load.
func New(cfg config.PolicyConfig, load LoadSource, logger *slog.Logger) *Policy {
	p := &Policy{
		load:   load,
		logger: logger.With("component", "policy"),
	}
	p.cfg.Store(&cfg)
	return p
}

// SetConfig swaps the thresholds.
func (p *Policy) SetConfig(cfg config.PolicyConfig) { p.cfg.Store(&cfg) }

// Config returns the active thresholds.
func (p *Policy) Config() config.PolicyConfig { return *p.cfg.Load() }

// Congested reports whether 0->3 requests are currently degraded to 0->2.
func (p *Policy) Congested() bool { return p.congested.Load() }

// Decide returns the actions warranted for u after ev. Profiling decisions
// come first, then OSR, then the standard entry.
func (p *Policy) Decide(u *model.CompilationUnit, ev Event) []Decision {
	cfg := p.cfg.Load()
	p.updateCongestion(cfg)

	var out []Decision
	cur := u.CurrentTier(model.EntryStandard)
	if p.shouldStartProfiling(cfg, u, cur) {
		out = append(out, Decision{Action: ActionStartProfiling, Tier: cur, Entry: model.EntryStandard})
	}

	if ev == EventBackedge {
		next := p.nextTier(cfg, u, PredicateLoop, cur)
		if next != cur {
			if d, ok := p.compileDecision(u, next, model.EntryOSR, model.ReasonBackedge); ok {
				out = append(out, d)
			}
		}
	}

	next := p.nextTier(cfg, u, PredicateCall, cur)
	if next != cur {
		if d, ok := p.compileDecision(u, next, model.EntryStandard, model.ReasonThreshold); ok {
			out = append(out, d)
		}
	}
	return out
}

// compileDecision checks compilability; a unit that cannot reach the
// optimizing tier falls back to the terminal simple tier.
func (p *Policy) compileDecision(u *model.CompilationUnit, tier model.Tier, entry model.EntryKind, reason model.Reason) (Decision, bool) {
	if !u.IsCompilable(tier, entry) {
		if tier != model.TierFullOptimization || !u.IsCompilable(model.TierSimple, entry) {
			return Decision{}, false
		}
		tier = model.TierSimple
	}
	if u.CompilationIsComplete(tier, entry) {
		return Decision{}, false
	}
	return Decision{Action: ActionCompile, Tier: tier, Entry: entry, Reason: reason}, true
}

// Scale returns the load feedback multiplier for thresholds of tier: one plus
// queued tasks per worker of the tier's class divided by the tier's feedback.
func (p *Policy) Scale(tier model.Tier) float64 {
	return p.scale(p.cfg.Load(), tier)
}

func (p *Policy) scale(cfg *config.PolicyConfig, tier model.Tier) float64 {
	feedback := thresholdsFor(cfg, tier).LoadFeedback
	if feedback <= 0 {
		return 1
	}
	class := tier.Class()
	workers := max(p.load.WorkerCount(class), 1)
	return float64(p.load.QueueSize(class))/float64(feedback*workers) + 1
}

func thresholdsFor(cfg *config.PolicyConfig, target model.Tier) config.TierThresholds {
	if target == model.TierFullOptimization {
		return cfg.Tier4
	}
	return cfg.Tier3
}

// updateCongestion applies hysteresis to the optimizing queue depth per
// worker and returns the resulting state.
func (p *Policy) updateCongestion(cfg *config.PolicyConfig) bool {
	queued := p.load.QueueSize(model.ClassOptimizing)
	workers := max(p.load.WorkerCount(model.ClassOptimizing), 1)
	switch {
	case queued > cfg.CongestionOn*workers:
		if p.congested.CompareAndSwap(false, true) {
			p.logger.Debug("optimizing queue congested", "queued", queued, "workers", workers)
		}
	case queued < cfg.CongestionOff*workers:
		if p.congested.CompareAndSwap(true, false) {
			p.logger.Debug("optimizing queue drained", "queued", queued, "workers", workers)
		}
	}
	return p.congested.Load()
}

// nextTier computes the tier the unit should move to from cur for one entry
// kind. Returning cur means no transition.
func (p *Policy) nextTier(cfg *config.PolicyConfig, u *model.CompilationUnit, kind PredicateKind, cur model.Tier) model.Tier {
	next := cur
	switch {
	case u.IsTrivial() && cur != model.TierFullOptimization:
		next = model.TierSimple
	case cur == model.TierNone:
		// A unit profiled in place may already qualify for full optimization.
		if p.nextTier(cfg, u, kind, model.TierFullProfile) == model.TierFullOptimization {
			next = model.TierFullOptimization
		} else if p.test(cfg, kind, model.TierFullProfile, u.Invocations(), u.Backedges()) {
			if p.congested.Load() {
				next = model.TierLimitedProfile
			} else {
				next = model.TierFullProfile
			}
		}
	case cur == model.TierLimitedProfile:
		if p.isProfiled(cfg, u) {
			next = model.TierFullOptimization
		} else if !p.congested.Load() && p.test(cfg, kind, model.TierFullProfile, u.Invocations(), u.Backedges()) {
			next = model.TierFullProfile
		}
	case cur == model.TierFullProfile:
		if u.ProfilingStarted() {
			inv, back := u.ProfileCounts()
			if p.test(cfg, kind, model.TierFullOptimization, inv, back) {
				next = model.TierFullOptimization
			}
		}
	}
	if next == cur {
		return cur
	}
	next = min(next, cfg.StopAtTier)
	if next == model.TierNone || next == cur {
		return cur
	}
	return next
}

// isProfiled reports whether profiling collected enough data to go straight
// to full optimization.
func (p *Policy) isProfiled(cfg *config.PolicyConfig, u *model.CompilationUnit) bool {
	if !u.ProfilingStarted() {
		return false
	}
	inv, back := u.ProfileCounts()
	return Apply(PredicateCall, cfg.Tier4, inv, back, 1)
}

// shouldStartProfiling reports whether an interpreted unit is warm enough to
// start collecting a profile before its first compilation. Profiling waits
// while the optimizing class is backed up.
func (p *Policy) shouldStartProfiling(cfg *config.PolicyConfig, u *model.CompilationUnit, cur model.Tier) bool {
	if cur != model.TierNone || u.ProfilingStarted() || cfg.StopAtTier < model.TierFullOptimization {
		return false
	}
	workers := max(p.load.WorkerCount(model.ClassOptimizing), 1)
	if p.load.QueueSize(model.ClassOptimizing) > cfg.ProfilingDelay*workers {
		return false
	}
	k := float64(cfg.ProfilingStartPercent) / 100
	i, b := u.Invocations(), u.Backedges()
	return Apply(PredicateCall, cfg.Tier3, i, b, k) || Apply(PredicateLoop, cfg.Tier3, i, b, k)
}

// test evaluates the predicate for promotion to target with load feedback.
func (p *Policy) test(cfg *config.PolicyConfig, kind PredicateKind, target model.Tier, i, b int64) bool {
	return Apply(kind, thresholdsFor(cfg, target), i, b, p.scale(cfg, target))
}
