// Package resource exposes the capacity signals that bound worker pool
// growth: unallocated code cache and available system memory.
package resource

import (
	"fmt"
	"sync"

	equeue "github.com/eapache/queue"

	"github.com/me/tiersched/pkg/model"
)

// CodeCache reports free space for compiled code of a class.
type CodeCache interface {
	UnallocatedCapacity(c model.TierClass) uint64
}

// Memory reports available system memory.
type Memory interface {
	AvailableMemory() uint64
}

// Reclaimer frees space in the code cache and returns the number of bytes
// released.
type Reclaimer interface {
	Reclaim() uint64
}

// Static is a fixed capacity probe.
type Static struct {
	CodeCacheBytes uint64
	MemoryBytes    uint64
}

func (s Static) UnallocatedCapacity(model.TierClass) uint64 { return s.CodeCacheBytes }
func (s Static) AvailableMemory() uint64                  { return s.MemoryBytes }

type allocation struct {
	unit *model.CompilationUnit
	code *model.InstalledCode
}

// Ledger is an in-process code cache: a fixed capacity shared by both classes
// with allocations kept in installation order so that reclamation frees the
// oldest code first. Reclaimed code is evicted from its unit, which then runs
// interpreted until it is compiled again.
type Ledger struct {
	mu       sync.Mutex
	capacity uint64
	used     uint64
	allocs   *equeue.Queue // allocation
}

// NewLedger creates a code cache of capacity bytes.
func NewLedger(capacity uint64) *Ledger {
	return &Ledger{capacity: capacity, allocs: equeue.New()}
}

// Allocate reserves code.Size bytes for code about to be installed on u.
func (l *Ledger) Allocate(u *model.CompilationUnit, code *model.InstalledCode) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if code.Size > l.capacity-l.used {
		return fmt.Errorf("allocate %d bytes for unit %d: %w", code.Size, u.ID, model.ErrCodeCacheFull)
	}
	l.used += code.Size
	l.allocs.Add(allocation{unit: u, code: code})
	return nil
}

// UnallocatedCapacity returns free bytes. Both classes share one segment.
func (l *Ledger) UnallocatedCapacity(model.TierClass) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capacity - l.used
}

// Used returns allocated bytes.
func (l *Ledger) Used() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used
}

// Capacity returns the total size.
func (l *Ledger) Capacity() uint64 { return l.capacity }

// Reclaim frees the older half of all allocations and evicts their code from
// units still running it. Code already replaced by a newer compilation only
// gives its space back.
func (l *Ledger) Reclaim() uint64 {
	l.mu.Lock()
	n := (l.allocs.Length() + 1) / 2
	freed := make([]allocation, 0, n)
	var bytes uint64
	for i := 0; i < n; i++ {
		a := l.allocs.Remove().(allocation)
		bytes += a.code.Size
		freed = append(freed, a)
	}
	l.used -= bytes
	l.mu.Unlock()

	for _, a := range freed {
		a.unit.Evict(a.code)
	}
	return bytes
}
