package model

import "fmt"

// Tier is an optimization level a unit can be compiled at, ordered from
// cheapest to most optimized.
type Tier int

const (
	TierNone             Tier = 0 // interpreted
	TierSimple           Tier = 1 // fast, unprofiled
	TierLimitedProfile   Tier = 2 // fast, invocation and backedge counters only
	TierFullProfile      Tier = 3 // fast, full profiling
	TierFullOptimization Tier = 4 // fully optimized

	TierMax = TierFullOptimization
)

// String returns the string representation of the tier.
func (t Tier) String() string {
	switch t {
	case TierNone:
		return "none"
	case TierSimple:
		return "simple"
	case TierLimitedProfile:
		return "limited_profile"
	case TierFullProfile:
		return "full_profile"
	case TierFullOptimization:
		return "full_optimization"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// Valid reports whether t is one of the known tiers.
func (t Tier) Valid() bool {
	return t >= TierNone && t <= TierMax
}

// Compiled reports whether t names a tier produced by a backend.
func (t Tier) Compiled() bool {
	return t > TierNone && t <= TierMax
}

// Covers reports whether code installed at t makes a request for req
// pointless. Full optimization covers everything; simple code is faster than
// profiled code and covers the profiled tiers; profiled code never covers
// simple code.
func (t Tier) Covers(req Tier) bool {
	switch t {
	case TierFullOptimization:
		return true
	case TierSimple:
		return req <= TierFullProfile
	case TierFullProfile:
		return req != TierSimple && req <= TierFullProfile
	case TierLimitedProfile:
		return req == TierNone || req == TierLimitedProfile
	}
	return req == TierNone
}

// Class returns the backend class that compiles code at this tier.
func (t Tier) Class() TierClass {
	if t == TierFullOptimization {
		return ClassOptimizing
	}
	return ClassBaseline
}

// TierClass identifies a backend class. Each class owns one compile queue and
// one worker pool.
type TierClass int

const (
	ClassBaseline TierClass = iota
	ClassOptimizing

	NumClasses = 2
)

// String returns the string representation of the class.
func (c TierClass) String() string {
	switch c {
	case ClassBaseline:
		return "baseline"
	case ClassOptimizing:
		return "optimizing"
	}
	return fmt.Sprintf("class(%d)", int(c))
}

// Valid reports whether c is a known class.
func (c TierClass) Valid() bool {
	return c >= ClassBaseline && c < NumClasses
}

// ParseTierClass converts a class name to a TierClass.
func ParseTierClass(s string) (TierClass, error) {
	switch s {
	case "baseline", "c1":
		return ClassBaseline, nil
	case "optimizing", "c2":
		return ClassOptimizing, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownClass, s)
}

// Classes lists every class in index order.
func Classes() []TierClass {
	return []TierClass{ClassBaseline, ClassOptimizing}
}

// EntryKind distinguishes the standard method entry from on-stack-replacement
// entries.
type EntryKind int

const (
	EntryStandard EntryKind = iota
	EntryOSR

	numEntryKinds = 2
)

// String returns the string representation of the entry kind.
func (e EntryKind) String() string {
	if e == EntryOSR {
		return "osr"
	}
	return "standard"
}

// Reason records why a compilation was requested.
type Reason string

const (
	ReasonThreshold      Reason = "threshold"
	ReasonBackedge       Reason = "backedge"
	ReasonMustBeCompiled Reason = "must_be_compiled"
	ReasonForced         Reason = "forced"
	ReasonReplay         Reason = "replay"
)

// CanBecomeStale reports whether tasks requested for this reason may be
// evicted from a queue when their unit goes cold.
func (r Reason) CanBecomeStale() bool {
	return r == ReasonThreshold || r == ReasonBackedge
}
