package model

import (
	"sync"
	"sync/atomic"
	"time"
)

// UnitID is a stable handle into the owning runtime's unit table.
type UnitID uint64

// InstalledCode describes code a backend installed for a unit.
type InstalledCode struct {
	Tier        Tier      `json:"tier"`
	Entry       EntryKind `json:"entry"`
	OSRIndex    int       `json:"osr_index,omitempty"`
	Size        uint64    `json:"size"`
	Trivial     bool      `json:"trivial,omitempty"`
	InstalledAt time.Time `json:"installed_at"`
}

// CompilationUnit is a piece of code that may be compiled: its counters,
// per-tier not-compilable flags, installed code and scheduling bookkeeping.
//
// Counters are written by the runtime without locks. The queued flag and
// not-compilable bits are atomics; installed code and rate tracking are
// guarded by the unit's own mutex.
type CompilationUnit struct {
	ID   UnitID
	Name string

	// Size is the bytecode size; backends use it to judge triviality and
	// code size. Loops reports whether the unit has backward branches.
	Size        int
	Loops       bool
	MustCompile bool

	invocations atomic.Int64
	backedges   atomic.Int64

	profiling       atomic.Bool
	profileInvBase  atomic.Int64
	profileBackBase atomic.Int64

	notCompilable [numEntryKinds]atomic.Uint32
	queued        atomic.Bool

	mu   sync.Mutex
	code [numEntryKinds]*InstalledCode
	rate rateState
}

// NewUnit creates a unit with zeroed counters.
func NewUnit(id UnitID, name string) *CompilationUnit {
	return &CompilationUnit{ID: id, Name: name}
}

// RecordInvocations adds n invocations and returns the new total.
func (u *CompilationUnit) RecordInvocations(n int64) int64 {
	return u.invocations.Add(n)
}

// RecordBackedges adds n loop backedges and returns the new total.
func (u *CompilationUnit) RecordBackedges(n int64) int64 {
	return u.backedges.Add(n)
}

// Invocations returns the invocation count.
func (u *CompilationUnit) Invocations() int64 { return u.invocations.Load() }

// Backedges returns the backedge count.
func (u *CompilationUnit) Backedges() int64 { return u.backedges.Load() }

// Events returns invocations plus backedges.
func (u *CompilationUnit) Events() int64 {
	return u.invocations.Load() + u.backedges.Load()
}

// StartProfiling begins profiling in place. Profiling counters count events
// from this point on. Returns false if profiling was already running.
func (u *CompilationUnit) StartProfiling() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.profiling.Load() {
		return false
	}
	u.profileInvBase.Store(u.invocations.Load())
	u.profileBackBase.Store(u.backedges.Load())
	u.profiling.Store(true)
	return true
}

// ProfilingStarted reports whether profiling counters are running.
func (u *CompilationUnit) ProfilingStarted() bool { return u.profiling.Load() }

// ProfileCounts returns invocations and backedges since profiling started.
func (u *CompilationUnit) ProfileCounts() (inv, back int64) {
	if !u.profiling.Load() {
		return 0, 0
	}
	return u.invocations.Load() - u.profileInvBase.Load(), u.backedges.Load() - u.profileBackBase.Load()
}

func tierBit(t Tier) uint32 { return 1 << uint(t) }

const allTierBits = uint32(1<<(TierMax+1)) - 1

// IsCompilable reports whether the unit may still be compiled at tier for the
// given entry kind.
func (u *CompilationUnit) IsCompilable(t Tier, entry EntryKind) bool {
	return u.notCompilable[entry].Load()&tierBit(t) == 0
}

// SetNotCompilable marks the unit permanently not compilable at tier.
func (u *CompilationUnit) SetNotCompilable(t Tier, entry EntryKind) {
	u.notCompilable[entry].Or(tierBit(t))
}

// SetNotCompilableAll marks the unit permanently not compilable at every tier.
func (u *CompilationUnit) SetNotCompilableAll(entry EntryKind) {
	u.notCompilable[entry].Or(allTierBits)
}

// IsQueued reports whether a task for this unit is currently queued or in flight.
func (u *CompilationUnit) IsQueued() bool { return u.queued.Load() }

// SetQueued sets the queued flag. Returns false if it was already set.
func (u *CompilationUnit) SetQueued() bool { return u.queued.CompareAndSwap(false, true) }

// ClearQueued clears the queued flag.
func (u *CompilationUnit) ClearQueued() { u.queued.Store(false) }

// Code returns the installed code for an entry kind, or nil.
func (u *CompilationUnit) Code(entry EntryKind) *InstalledCode {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.code[entry]
}

// CurrentTier returns the tier of the installed code for entry, TierNone when
// the entry still runs interpreted.
func (u *CompilationUnit) CurrentTier(entry EntryKind) Tier {
	if c := u.Code(entry); c != nil {
		return c.Tier
	}
	return TierNone
}

// Install records code produced by a backend. Installing fully profiled code
// starts the profiling counters if they were not already running.
func (u *CompilationUnit) Install(c *InstalledCode) {
	if c.Tier == TierFullProfile {
		u.StartProfiling()
	}
	u.mu.Lock()
	u.code[c.Entry] = c
	u.mu.Unlock()
}

// Evict removes c if it is still the installed code for its entry and
// reports whether it did.
func (u *CompilationUnit) Evict(c *InstalledCode) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if c == nil || u.code[c.Entry] != c {
		return false
	}
	u.code[c.Entry] = nil
	return true
}

// IsTrivial reports whether the installed standard-entry code was judged
// trivial by its backend.
func (u *CompilationUnit) IsTrivial() bool {
	c := u.Code(EntryStandard)
	return c != nil && c.Trivial
}

// CompilationIsComplete reports whether a request for tier is pointless:
// either the unit cannot be compiled there or code at tier or better is
// already installed.
func (u *CompilationUnit) CompilationIsComplete(t Tier, entry EntryKind) bool {
	if !u.IsCompilable(t, entry) {
		return true
	}
	c := u.Code(entry)
	return c != nil && c.Tier.Covers(t)
}
