package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/me/tiersched/internal/logging"
	"github.com/me/tiersched/pkg/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(10000, 0)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type staleLog struct {
	mu    sync.Mutex
	tasks []*model.CompileTask
}

func (l *staleLog) dispose(task *model.CompileTask) {
	task.MarkComplete(model.Result{State: model.TaskStateStale}, time.Now())
	task.Unit.ClearQueued()
	task.Release(model.OwnerScheduler)
	l.mu.Lock()
	l.tasks = append(l.tasks, task)
	l.mu.Unlock()
}

func (l *staleLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

func testSettings() Settings {
	return Settings{
		StaleTimeout:          50 * time.Millisecond,
		RateUpdateMinInterval: time.Millisecond,
		RateUpdateMaxInterval: 25 * time.Millisecond,
	}
}

func newTestQueue(t *testing.T, clock *fakeClock, disabled <-chan struct{}) (*Queue, *staleLog) {
	t.Helper()
	log := &staleLog{}
	q := New(Options{
		Class:    model.ClassBaseline,
		Settings: testSettings(),
		Logger:   logging.Discard(),
		Now:      clock.Now,
		Disabled: disabled,
		OnStale:  log.dispose,
	})
	return q, log
}

var nextID uint64

func add(t *testing.T, q *Queue, clock *fakeClock, name string, reason model.Reason, blocking bool) *model.CompileTask {
	t.Helper()
	nextID++
	u := model.NewUnit(model.UnitID(nextID), name)
	task := model.NewCompileTask(nextID, u, model.TierFullProfile, model.EntryStandard, reason, blocking, clock.Now())
	q.Lock()
	if !u.SetQueued() {
		t.Fatalf("unit %s already queued", name)
	}
	q.AddLocked(task)
	q.Unlock()
	return task
}

func TestSelect_HighestRateWins(t *testing.T) {
	clock := newFakeClock()
	q, _ := newTestQueue(t, clock, nil)

	slow := add(t, q, clock, "slow", model.ReasonThreshold, false)
	hot := add(t, q, clock, "hot", model.ReasonThreshold, false)

	slow.Unit.RecordInvocations(2)
	hot.Unit.RecordInvocations(10)
	clock.Advance(time.Second)

	if got := q.Select(); got != hot {
		t.Fatalf("Select() = %v, want the 10/s unit", got)
	}
	if r := hot.Unit.Rate(); r != 10 {
		t.Errorf("hot rate = %v, want 10", r)
	}
	if r := slow.Unit.Rate(); r != 2 {
		t.Errorf("slow rate = %v, want 2", r)
	}
}

func TestSelect_TiesGoToOldest(t *testing.T) {
	clock := newFakeClock()
	q, _ := newTestQueue(t, clock, nil)

	first := add(t, q, clock, "first", model.ReasonForced, false)
	add(t, q, clock, "second", model.ReasonForced, false)
	add(t, q, clock, "third", model.ReasonForced, false)

	if got := q.Select(); got != first {
		t.Fatalf("Select() = %v, want first", got)
	}
}

func TestSelect_PriorityOrder(t *testing.T) {
	clock := newFakeClock()
	q, _ := newTestQueue(t, clock, nil)

	rates := []int64{3, 7, 1, 9, 5}
	tasks := make([]*model.CompileTask, len(rates))
	for i := range rates {
		tasks[i] = add(t, q, clock, "u", model.ReasonThreshold, false)
	}
	for i, r := range rates {
		tasks[i].Unit.RecordInvocations(r)
	}
	clock.Advance(time.Second)

	want := []int64{9, 7, 5, 3, 1}
	for _, w := range want {
		task := q.Get(context.Background(), time.Millisecond)
		if task == nil {
			t.Fatal("Get() = nil")
		}
		if got := task.Unit.Invocations(); got != w {
			t.Errorf("got unit with %d events, want %d", got, w)
		}
		if task.State() != model.TaskStateSelected {
			t.Errorf("state = %s, want SELECTED", task.State())
		}
	}
	if q.Size() != 0 {
		t.Errorf("Size() = %d, want 0", q.Size())
	}
}

func TestSelect_EvictsStale(t *testing.T) {
	clock := newFakeClock()
	q, log := newTestQueue(t, clock, nil)

	cold := add(t, q, clock, "cold", model.ReasonThreshold, false)
	warm := add(t, q, clock, "warm", model.ReasonThreshold, false)
	clock.Advance(100 * time.Millisecond)
	warm.Unit.RecordInvocations(1)

	got := q.Get(context.Background(), time.Millisecond)
	if got != warm {
		t.Fatalf("Get() = %v, want warm", got)
	}
	if log.count() != 1 || log.tasks[0] != cold {
		t.Fatalf("stale tasks = %d, want cold only", log.count())
	}
	if cold.State() != model.TaskStateStale {
		t.Errorf("cold state = %s, want STALE", cold.State())
	}
	if cold.Unit.IsQueued() {
		t.Error("cold unit should no longer be queued")
	}
	if !cold.Unit.IsCompilable(model.TierFullProfile, model.EntryStandard) {
		t.Error("stale eviction must not mark the unit not compilable")
	}
}

func TestPurgeStale_SparesNonStaleReasons(t *testing.T) {
	clock := newFakeClock()
	q, log := newTestQueue(t, clock, nil)

	add(t, q, clock, "blocking", model.ReasonThreshold, true)
	add(t, q, clock, "forced", model.ReasonForced, false)
	add(t, q, clock, "must", model.ReasonMustBeCompiled, false)
	evicted := add(t, q, clock, "backedge", model.ReasonBackedge, false)
	clock.Advance(time.Second)

	if n := q.PurgeStale(); n != 1 {
		t.Fatalf("PurgeStale() = %d, want 1", n)
	}
	if log.tasks[0] != evicted {
		t.Errorf("evicted %s, want backedge", log.tasks[0].Unit.Name)
	}
	if q.Size() != 3 {
		t.Errorf("Size() = %d, want 3", q.Size())
	}
}

func TestPurgeStale_BeforeTimeout(t *testing.T) {
	clock := newFakeClock()
	q, _ := newTestQueue(t, clock, nil)
	add(t, q, clock, "young", model.ReasonThreshold, false)
	clock.Advance(10 * time.Millisecond)
	if n := q.PurgeStale(); n != 0 {
		t.Fatalf("PurgeStale() = %d, want 0", n)
	}
}

func TestGet_IdleTimeout(t *testing.T) {
	q, _ := newTestQueue(t, newFakeClock(), nil)
	start := time.Now()
	if task := q.Get(context.Background(), 20*time.Millisecond); task != nil {
		t.Fatal("Get() on empty queue should return nil")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Get() returned before idle timeout")
	}
}

func TestGet_WakesOnAdd(t *testing.T) {
	clock := newFakeClock()
	q, _ := newTestQueue(t, clock, nil)

	got := make(chan *model.CompileTask, 1)
	go func() { got <- q.Get(context.Background(), 5*time.Second) }()

	time.Sleep(10 * time.Millisecond)
	want := add(t, q, clock, "late", model.ReasonForced, false)

	select {
	case task := <-got:
		if task != want {
			t.Fatalf("Get() = %v, want added task", task)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Get() was not woken by AddLocked")
	}
}

func TestGet_Disabled(t *testing.T) {
	disabled := make(chan struct{})
	clock := newFakeClock()
	q, _ := newTestQueue(t, clock, disabled)

	got := make(chan *model.CompileTask, 1)
	go func() { got <- q.Get(context.Background(), time.Minute) }()
	time.Sleep(10 * time.Millisecond)
	close(disabled)

	select {
	case task := <-got:
		if task != nil {
			t.Fatal("Get() should return nil once disabled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Get() did not return after disable")
	}

	add(t, q, clock, "ignored", model.ReasonForced, false)
	if task := q.Get(context.Background(), time.Minute); task != nil {
		t.Fatal("Get() should not hand out work once disabled")
	}
}

func TestGet_ContextCancel(t *testing.T) {
	q, _ := newTestQueue(t, newFakeClock(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if task := q.Get(ctx, time.Minute); task != nil {
		t.Fatal("Get() with cancelled context should return nil")
	}
}

func TestDrain(t *testing.T) {
	clock := newFakeClock()
	q, log := newTestQueue(t, clock, nil)
	for i := 0; i < 5; i++ {
		add(t, q, clock, "u", model.ReasonForced, i%2 == 0)
	}
	if n := q.Drain(); n != 5 {
		t.Fatalf("Drain() = %d, want 5", n)
	}
	if q.Size() != 0 || log.count() != 5 {
		t.Fatalf("Size() = %d, disposed = %d", q.Size(), log.count())
	}
	for _, task := range log.tasks {
		if task.Unit.IsQueued() {
			t.Error("drained unit still queued")
		}
	}
}

func TestSlotReuse(t *testing.T) {
	clock := newFakeClock()
	q, _ := newTestQueue(t, clock, nil)
	for round := 0; round < 3; round++ {
		for i := 0; i < 4; i++ {
			add(t, q, clock, "u", model.ReasonForced, false)
		}
		for i := 0; i < 4; i++ {
			if q.Get(context.Background(), time.Millisecond) == nil {
				t.Fatal("Get() = nil")
			}
		}
	}
	if len(q.slots) != 4 {
		t.Errorf("slab grew to %d slots, want 4", len(q.slots))
	}
}

func TestSnapshot(t *testing.T) {
	clock := newFakeClock()
	q, _ := newTestQueue(t, clock, nil)
	a := add(t, q, clock, "a", model.ReasonThreshold, false)
	b := add(t, q, clock, "b", model.ReasonReplay, true)

	snap := q.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("len(Snapshot()) = %d, want 2", len(snap))
	}
	if snap[0].ID != a.ID || snap[1].ID != b.ID {
		t.Errorf("snapshot order = %d, %d", snap[0].ID, snap[1].ID)
	}
	if !snap[1].Blocking || snap[1].Reason != model.ReasonReplay {
		t.Errorf("snapshot[1] = %+v", snap[1])
	}
}
