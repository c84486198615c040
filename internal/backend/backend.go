// Package backend defines the boundary to code generators and ships a
// synthetic generator used by the simulator and tests.
package backend

import (
	"context"

	"github.com/me/tiersched/pkg/model"
)

// Directives are per-request compiler options, such as "exclude".
type Directives map[string]string

// Request is one compilation handed to a backend.
type Request struct {
	TaskID     uint64
	Unit       *model.CompilationUnit
	Tier       model.Tier
	Entry      model.EntryKind
	OSRIndex   int
	Directives Directives
}

// Backend compiles units. It is called without any scheduler lock held and
// reports failures as *model.NotCompilableError, *model.BailoutError or an
// error wrapping model.ErrCodeCacheFull.
type Backend interface {
	Compile(ctx context.Context, req Request) (*model.InstalledCode, error)
}

// ProgressReporter is implemented by backends that expose a monotonically
// increasing work counter. Blocking waiters use it to detect a backend that
// stopped making progress.
type ProgressReporter interface {
	CompilationTicks() int64
}

// Func adapts a function to Backend.
type Func func(ctx context.Context, req Request) (*model.InstalledCode, error)

// Compile calls f.
func (f Func) Compile(ctx context.Context, req Request) (*model.InstalledCode, error) {
	return f(ctx, req)
}
