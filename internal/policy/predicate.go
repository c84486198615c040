package policy

import "github.com/me/tiersched/internal/config"

// PredicateKind selects the transition rule.
type PredicateKind int

const (
	// PredicateCall governs standard-entry compilations.
	PredicateCall PredicateKind = iota
	// PredicateLoop governs on-stack-replacement compilations.
	PredicateLoop
)

func (k PredicateKind) String() string {
	if k == PredicateLoop {
		return "loop"
	}
	return "call"
}

// Apply evaluates a transition rule for i invocations and b backedges with
// thresholds multiplied by scale.
func Apply(kind PredicateKind, th config.TierThresholds, i, b int64, scale float64) bool {
	fi, fb := float64(i), float64(b)
	switch kind {
	case PredicateLoop:
		return fb > float64(th.Backedge)*scale
	default:
		return fi > float64(th.Invocation)*scale ||
			(fi > float64(th.MinInvocation)*scale && fi+fb > float64(th.Compile)*scale)
	}
}
