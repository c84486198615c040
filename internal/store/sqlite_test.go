package store

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/me/tiersched/pkg/model"
)

func testStore(t *testing.T) *SQLiteStore {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLiteStore(":memory:", logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func sampleRun(id string) *model.Run {
	return &model.Run{
		ID:        id,
		Label:     "sim",
		Config:    "osr: true\n",
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
}

func sampleRecord(runID string, taskID uint64, tier model.Tier, state model.TaskState) model.CompileRecord {
	now := time.Now().UTC().Truncate(time.Millisecond)
	rec := model.CompileRecord{
		RunID:       runID,
		TaskID:      taskID,
		UnitID:      model.UnitID(taskID % 3),
		UnitName:    "Foo.bar",
		Tier:        tier,
		Entry:       "standard",
		Reason:      model.ReasonThreshold,
		State:       state,
		ReleasedBy:  model.OwnerWorker,
		EnqueuedAt:  now,
		CompletedAt: now.Add(time.Millisecond),
	}
	if state == model.TaskStateCompleted {
		started := now.Add(100 * time.Microsecond)
		rec.StartedAt = &started
		rec.CodeSize = 64
	}
	return rec
}

func TestRunCRUD(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()

	run := sampleRun("run_1")
	if err := st.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got == nil || got.Label != "sim" || got.Config != run.Config || got.EndedAt != nil {
		t.Fatalf("GetRun = %+v", got)
	}
	if !got.StartedAt.Equal(run.StartedAt) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, run.StartedAt)
	}

	end := run.StartedAt.Add(time.Minute)
	if err := st.FinishRun(ctx, run.ID, end); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	got, _ = st.GetRun(ctx, run.ID)
	if got.EndedAt == nil || !got.EndedAt.Equal(end) {
		t.Errorf("EndedAt = %v, want %v", got.EndedAt, end)
	}

	if err := st.FinishRun(ctx, "run_missing", end); err == nil {
		t.Error("FinishRun on missing run should fail")
	}
	missing, err := st.GetRun(ctx, "run_missing")
	if err != nil || missing != nil {
		t.Errorf("GetRun(missing) = %v, %v, want nil, nil", missing, err)
	}
}

func TestListRuns(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	for i, id := range []string{"run_a", "run_b", "run_c"} {
		run := sampleRun(id)
		run.StartedAt = run.StartedAt.Add(time.Duration(i) * time.Second)
		if err := st.CreateRun(ctx, run); err != nil {
			t.Fatal(err)
		}
	}
	runs, total, err := st.ListRuns(ctx, model.ListOptions{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || len(runs) != 2 {
		t.Fatalf("ListRuns = %d runs, total %d, want 2 of 3", len(runs), total)
	}
	if runs[0].ID != "run_c" {
		t.Errorf("newest run = %s, want run_c", runs[0].ID)
	}
}

func TestRecordTasksAndList(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	if err := st.CreateRun(ctx, sampleRun("run_1")); err != nil {
		t.Fatal(err)
	}

	recs := []model.CompileRecord{
		sampleRecord("run_1", 1, model.TierFullProfile, model.TaskStateCompleted),
		sampleRecord("run_1", 2, model.TierFullOptimization, model.TaskStateCompleted),
		sampleRecord("run_1", 3, model.TierFullProfile, model.TaskStateStale),
	}
	recs[2].ReleasedBy = model.OwnerScheduler
	if err := st.RecordTasks(ctx, recs); err != nil {
		t.Fatalf("RecordTasks: %v", err)
	}

	tests := []struct {
		name      string
		opts      model.ListOptions
		wantTotal int
		wantFirst uint64
	}{
		{"all", model.ListOptions{RunID: "run_1"}, 3, 1},
		{"stale only", model.ListOptions{RunID: "run_1", State: model.TaskStateStale}, 1, 3},
		{"offset", model.ListOptions{RunID: "run_1", Offset: 1, Limit: 1}, 3, 2},
		{"other run", model.ListOptions{RunID: "run_2"}, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, total, err := st.ListRecords(ctx, tt.opts)
			if err != nil {
				t.Fatal(err)
			}
			if total != tt.wantTotal {
				t.Errorf("total = %d, want %d", total, tt.wantTotal)
			}
			if tt.wantFirst == 0 {
				if len(got) != 0 {
					t.Errorf("got %d records, want none", len(got))
				}
				return
			}
			if len(got) == 0 || got[0].TaskID != tt.wantFirst {
				t.Fatalf("first record = %+v, want task %d", got, tt.wantFirst)
			}
		})
	}

	got, _, _ := st.ListRecords(ctx, model.ListOptions{RunID: "run_1", State: model.TaskStateStale})
	if got[0].ReleasedBy != model.OwnerScheduler || got[0].StartedAt != nil {
		t.Errorf("stale record = %+v", got[0])
	}
}

func TestRecordTasks_UnknownRun(t *testing.T) {
	st := testStore(t)
	err := st.RecordTasks(context.Background(), []model.CompileRecord{
		sampleRecord("run_missing", 1, model.TierSimple, model.TaskStateCompleted),
	})
	if err == nil {
		t.Fatal("RecordTasks for a missing run should violate the foreign key")
	}
}

func TestSummary(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	st.CreateRun(ctx, sampleRun("run_1"))
	st.RecordTasks(ctx, []model.CompileRecord{
		sampleRecord("run_1", 1, model.TierFullProfile, model.TaskStateCompleted),
		sampleRecord("run_1", 2, model.TierFullOptimization, model.TaskStateCompleted),
		sampleRecord("run_1", 3, model.TierFullOptimization, model.TaskStateFailed),
	})

	sum, err := st.Summary(ctx, "run_1")
	if err != nil {
		t.Fatal(err)
	}
	if sum.ByState[model.TaskStateCompleted] != 2 || sum.ByState[model.TaskStateFailed] != 1 {
		t.Errorf("ByState = %v", sum.ByState)
	}
	if sum.ByTier[model.TierFullOptimization] != 2 {
		t.Errorf("ByTier = %v", sum.ByTier)
	}
	if sum.CodeSize != 128 {
		t.Errorf("CodeSize = %d, want 128", sum.CodeSize)
	}
}

func TestRecorder_FlushOnClose(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	st.CreateRun(ctx, sampleRun("run_1"))

	r := NewRecorder(st, "run_1", slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	for i := uint64(1); i <= 300; i++ {
		rec := sampleRecord("", i, model.TierSimple, model.TaskStateCompleted)
		r.Record(rec)
	}
	r.Close()
	r.Record(sampleRecord("", 999, model.TierSimple, model.TaskStateCompleted))

	if r.Written() != 300 {
		t.Errorf("Written() = %d, want 300", r.Written())
	}
	if r.Dropped() != 1 {
		t.Errorf("Dropped() = %d, want 1 record after close", r.Dropped())
	}
	_, total, err := st.ListRecords(ctx, model.ListOptions{RunID: "run_1"})
	if err != nil {
		t.Fatal(err)
	}
	if total != 300 {
		t.Errorf("stored = %d, want 300", total)
	}
}
