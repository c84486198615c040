package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/me/tiersched/pkg/model"
)

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return "run_" + uuid.New().String()[:8]
}

// Store persists scheduler runs and the history of retired compile tasks.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)
	ListRuns(ctx context.Context, opts model.ListOptions) ([]*model.Run, int, error)
	FinishRun(ctx context.Context, id string, endedAt time.Time) error

	// Compile history
	RecordTasks(ctx context.Context, recs []model.CompileRecord) error
	ListRecords(ctx context.Context, opts model.ListOptions) ([]*model.CompileRecord, int, error)
	Summary(ctx context.Context, runID string) (*model.RunSummary, error)

	// Lifecycle
	Close() error
	Migrate(ctx context.Context) error
}
