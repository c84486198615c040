package sim

import (
	"fmt"
	"math/rand/v2"

	"github.com/me/tiersched/pkg/model"
)

// Table holds the synthetic program's units, indexed by id starting at 1.
type Table struct {
	units []*model.CompilationUnit
}

// NewTable creates n units. A loopFraction share of them contain loops;
// mustCompile units are flagged for compilation before their first run.
func NewTable(n int, loopFraction float64, mustCompile int, seed uint64) *Table {
	rng := rand.New(rand.NewPCG(seed, 0x7ab1e))
	t := &Table{units: make([]*model.CompilationUnit, n)}
	for i := range t.units {
		id := model.UnitID(i + 1)
		u := model.NewUnit(id, fmt.Sprintf("Unit%04d.run", id))
		u.Size = 4 + rng.IntN(1200)
		u.Loops = rng.Float64() < loopFraction
		u.MustCompile = i < mustCompile
		t.units[i] = u
	}
	return t
}

// Unit returns the unit with id, or nil.
func (t *Table) Unit(id model.UnitID) *model.CompilationUnit {
	if id == 0 || int(id) > len(t.units) {
		return nil
	}
	return t.units[id-1]
}

// Units returns every unit in id order.
func (t *Table) Units() []*model.CompilationUnit { return t.units }

// Len returns the number of units.
func (t *Table) Len() int { return len(t.units) }

// TierHistogram counts units by the tier of their standard entry code.
func (t *Table) TierHistogram() [model.TierMax + 1]int {
	var h [model.TierMax + 1]int
	for _, u := range t.units {
		h[u.CurrentTier(model.EntryStandard)]++
	}
	return h
}
