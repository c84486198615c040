package scheduler

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/me/tiersched/internal/backend"
	"github.com/me/tiersched/internal/config"
	"github.com/me/tiersched/internal/logging"
	"github.com/me/tiersched/internal/policy"
	"github.com/me/tiersched/internal/resource"
	"github.com/me/tiersched/pkg/model"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordLog struct {
	mu   sync.Mutex
	recs []model.CompileRecord
}

func (r *recordLog) Record(rec model.CompileRecord) {
	r.mu.Lock()
	r.recs = append(r.recs, rec)
	r.mu.Unlock()
}

func (r *recordLog) all() []model.CompileRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.CompileRecord(nil), r.recs...)
}

// stuckBackend holds every compilation until release is closed and never
// advances its progress ticks.
type stuckBackend struct {
	release chan struct{}
	started chan struct{}
}

func newStuckBackend() *stuckBackend {
	return &stuckBackend{release: make(chan struct{}), started: make(chan struct{}, 16)}
}

func (b *stuckBackend) Compile(ctx context.Context, req backend.Request) (*model.InstalledCode, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &model.InstalledCode{Tier: req.Tier, Entry: req.Entry, Size: 16, InstalledAt: time.Now()}, nil
}

func (b *stuckBackend) CompilationTicks() int64 { return 0 }

// quietBackend takes a duration derived from the task id to compile and
// never reports progress, so blocking waits on its longer tasks time out.
type quietBackend struct{ step time.Duration }

func (b quietBackend) Compile(ctx context.Context, req backend.Request) (*model.InstalledCode, error) {
	select {
	case <-time.After(time.Duration(req.TaskID%5) * b.step):
	case <-ctx.Done():
		return nil, &model.BailoutError{Reason: ctx.Err().Error()}
	}
	return &model.InstalledCode{Tier: req.Tier, Entry: req.Entry, Size: 32, InstalledAt: time.Now()}, nil
}

func (quietBackend) CompilationTicks() int64 { return 0 }

func instantBackend() backend.Func {
	return func(ctx context.Context, req backend.Request) (*model.InstalledCode, error) {
		return &model.InstalledCode{Tier: req.Tier, Entry: req.Entry, Size: 32, InstalledAt: time.Now()}, nil
	}
}

func testConfig() config.Config {
	cfg := config.Default()
	for _, c := range model.Classes() {
		cc := cfg.Workers.Class(c)
		cc.MaxWorkers = 2
		cc.InitialWorkers = 1
	}
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Blocking.ProgressSlice = 5 * time.Millisecond
	cfg.Blocking.ProgressAttempts = 3
	cfg.MaintenanceInterval = time.Hour
	return cfg
}

func newTestScheduler(t *testing.T, cfg config.Config, b backend.Backend, mutate func(*Options)) *Scheduler {
	t.Helper()
	reg := backend.NewRegistry(logging.Discard())
	for _, c := range model.Classes() {
		reg.Register(c, b)
	}
	opts := Options{
		Config:    cfg,
		Backends:  reg,
		CodeCache: resource.Static{CodeCacheBytes: 1 << 30},
		Memory:    resource.Static{MemoryBytes: 1 << 40},
		Logger:    logging.Discard(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	s, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Stop)
	return s
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func request(u *model.CompilationUnit, tier model.Tier) Request {
	return Request{Unit: u, Tier: tier, Entry: model.EntryStandard, Reason: model.ReasonThreshold}
}

func TestSubmit_SecondRequestIsNoop(t *testing.T) {
	s := newTestScheduler(t, testConfig(), instantBackend(), nil)
	u := model.NewUnit(1, "A.run")

	if h := s.Submit(context.Background(), request(u, model.TierFullProfile)); h == nil {
		t.Fatal("first Submit() = nil")
	}
	if h := s.Submit(context.Background(), request(u, model.TierFullProfile)); h != nil {
		t.Fatalf("second Submit() = task %d, want nil", h.ID)
	}
	if got := s.QueueSize(model.ClassBaseline); got != 1 {
		t.Errorf("QueueSize() = %d, want 1", got)
	}
}

func TestSubmit_ConcurrentAcrossClasses(t *testing.T) {
	s := newTestScheduler(t, testConfig(), instantBackend(), nil)
	u := model.NewUnit(1, "A.run")

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		tier := model.TierFullProfile
		if i%2 == 1 {
			tier = model.TierFullOptimization
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.Submit(context.Background(), request(u, tier)) != nil {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	if created.Load() != 1 {
		t.Errorf("tasks created = %d, want 1", created.Load())
	}
	total := s.QueueSize(model.ClassBaseline) + s.QueueSize(model.ClassOptimizing)
	if total != 1 {
		t.Errorf("queued across classes = %d, want 1", total)
	}
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name  string
		setup func(s *Scheduler, u *model.CompilationUnit) Request
	}{
		{"invalid tier", func(s *Scheduler, u *model.CompilationUnit) Request {
			return request(u, model.Tier(9))
		}},
		{"interpreted tier", func(s *Scheduler, u *model.CompilationUnit) Request {
			return request(u, model.TierNone)
		}},
		{"better code installed", func(s *Scheduler, u *model.CompilationUnit) Request {
			u.Install(&model.InstalledCode{Tier: model.TierFullOptimization, Entry: model.EntryStandard})
			return request(u, model.TierFullProfile)
		}},
		{"not compilable", func(s *Scheduler, u *model.CompilationUnit) Request {
			u.SetNotCompilable(model.TierFullOptimization, model.EntryStandard)
			return request(u, model.TierFullOptimization)
		}},
		{"new jobs stopped", func(s *Scheduler, u *model.CompilationUnit) Request {
			s.StopNewJobs()
			return request(u, model.TierFullProfile)
		}},
		{"already queued", func(s *Scheduler, u *model.CompilationUnit) Request {
			u.SetQueued()
			return request(u, model.TierFullProfile)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestScheduler(t, testConfig(), instantBackend(), nil)
			u := model.NewUnit(1, "A.run")
			req := tt.setup(s, u)
			if h := s.Submit(context.Background(), req); h != nil {
				t.Fatalf("Submit() = task %d, want nil", h.ID)
			}
		})
	}
}

func TestSubmit_OSRDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.OSR = false
	s := newTestScheduler(t, cfg, instantBackend(), nil)
	u := model.NewUnit(1, "A.loop")

	req := request(u, model.TierFullProfile)
	req.Entry = model.EntryOSR
	if h := s.Submit(context.Background(), req); h != nil {
		t.Fatal("OSR Submit() with OSR disabled should be nil")
	}
	for tier := model.TierSimple; tier <= model.TierMax; tier++ {
		if u.IsCompilable(tier, model.EntryOSR) {
			t.Errorf("unit still OSR compilable at tier %d", tier)
		}
	}
	if !u.IsCompilable(model.TierFullProfile, model.EntryStandard) {
		t.Error("standard entry should stay compilable")
	}
}

func TestSubmit_NoBackendForClass(t *testing.T) {
	reg := backend.NewRegistry(logging.Discard())
	reg.Register(model.ClassBaseline, instantBackend())
	s, err := New(Options{Config: testConfig(), Backends: reg, Logger: logging.Discard()})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	u := model.NewUnit(1, "A.run")
	if h := s.Submit(context.Background(), request(u, model.TierFullOptimization)); h != nil {
		t.Fatal("Submit() without optimizing backend should be nil")
	}
	if s.IsCompilable(u, model.TierFullOptimization, model.EntryStandard) {
		t.Error("IsCompilable() = true without a backend")
	}
	if !s.IsCompilable(u, model.TierSimple, model.EntryStandard) {
		t.Error("IsCompilable(1) = false with a baseline backend")
	}
}

func TestSubmit_DebugWindow(t *testing.T) {
	cfg := testConfig()
	cfg.Debug.IDStart = 3
	s := newTestScheduler(t, cfg, instantBackend(), nil)

	var units []*model.CompilationUnit
	for i := 1; i <= 3; i++ {
		units = append(units, model.NewUnit(model.UnitID(i), "u"))
	}
	for i, u := range units[:2] {
		if h := s.Submit(context.Background(), request(u, model.TierFullProfile)); h != nil {
			t.Fatalf("unit %d: Submit() = task %d, want nil outside the window", i, h.ID)
		}
		if u.IsCompilable(model.TierFullProfile, model.EntryStandard) {
			t.Errorf("unit %d should be marked not compilable", i)
		}
		if u.IsQueued() {
			t.Errorf("unit %d left queued", i)
		}
	}
	h := s.Submit(context.Background(), request(units[2], model.TierFullProfile))
	if h == nil || h.ID != 3 {
		t.Fatalf("Submit() = %v, want task 3", h)
	}
}

func TestStaleTaskAfterPromotion(t *testing.T) {
	clock := newFakeClock()
	rec := &recordLog{}
	s := newTestScheduler(t, testConfig(), instantBackend(), func(o *Options) {
		o.Now = clock.Now
		o.Recorder = rec
	})
	u := model.NewUnit(2, "B.hot")
	u.Size = 100
	u.RecordInvocations(201)

	decisions := s.OnEvent(context.Background(), u, policy.EventInvocation, -1)
	if len(decisions) != 1 || decisions[0].Action != policy.ActionCompile || decisions[0].Tier != model.TierFullProfile {
		t.Fatalf("decisions = %+v, want compile at tier 3", decisions)
	}
	if s.QueueSize(model.ClassBaseline) != 1 {
		t.Fatalf("QueueSize() = %d, want 1", s.QueueSize(model.ClassBaseline))
	}

	clock.Advance(testConfig().Queue.StaleTimeout + time.Millisecond)
	s.Tick()

	recs := rec.all()
	if len(recs) != 1 {
		t.Fatalf("records = %d, want 1", len(recs))
	}
	if recs[0].State != model.TaskStateStale || recs[0].ReleasedBy != model.OwnerScheduler {
		t.Errorf("record = %s by %s, want STALE by scheduler", recs[0].State, recs[0].ReleasedBy)
	}
	if !u.IsCompilable(model.TierFullProfile, model.EntryStandard) {
		t.Error("stale task must not mark the unit not compilable")
	}
	if u.IsQueued() {
		t.Error("unit still queued after stale eviction")
	}
}

func TestSelect_HottestUnitFirst(t *testing.T) {
	clock := newFakeClock()
	s := newTestScheduler(t, testConfig(), instantBackend(), func(o *Options) { o.Now = clock.Now })
	cold := model.NewUnit(1, "cold")
	hot := model.NewUnit(2, "hot")
	s.Submit(context.Background(), request(cold, model.TierFullProfile))
	s.Submit(context.Background(), request(hot, model.TierFullProfile))

	cold.RecordInvocations(2)
	hot.RecordInvocations(10)
	clock.Advance(time.Second)

	got := s.queues[model.ClassBaseline].Select()
	if got == nil || got.Unit != hot {
		t.Fatalf("Select() = %v, want the 10/s unit", got)
	}
}

func TestStopNewJobs_RejectsUntilEnabled(t *testing.T) {
	s := newTestScheduler(t, testConfig(), instantBackend(), nil)
	s.StopNewJobs()
	for i := 1; i <= 3; i++ {
		if h := s.Submit(context.Background(), request(model.NewUnit(model.UnitID(i), "u"), model.TierSimple)); h != nil {
			t.Fatalf("Submit() = task %d while new jobs are stopped", h.ID)
		}
	}
	if err := s.EnableNewJobs(); err != nil {
		t.Fatal(err)
	}
	if h := s.Submit(context.Background(), request(model.NewUnit(9, "u"), model.TierSimple)); h == nil {
		t.Fatal("Submit() = nil after EnableNewJobs")
	}
}

func TestStopNewJobs_SurvivesMaintenance(t *testing.T) {
	newLedger := func(t *testing.T) (*resource.Ledger, *model.CompilationUnit) {
		t.Helper()
		ledger := resource.NewLedger(64 << 20)
		u := model.NewUnit(1, "A.run")
		code := &model.InstalledCode{Tier: model.TierFullOptimization, Entry: model.EntryStandard, Size: 10 << 20}
		if err := ledger.Allocate(u, code); err != nil {
			t.Fatal(err)
		}
		u.Install(code)
		return ledger, u
	}

	tests := []struct {
		name      string
		cacheFull bool
	}{
		{"operator stop", false},
		{"operator stop after code cache full", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ledger, u := newLedger(t)
			s := newTestScheduler(t, testConfig(), instantBackend(), func(o *Options) {
				o.CodeCache = ledger
				o.Reclaimer = ledger
			})
			if tt.cacheFull {
				s.HandleCodeCacheFull(model.ClassOptimizing)
			}
			s.StopNewJobs()
			if s.CodeCacheFull() {
				t.Fatal("CodeCacheFull() = true after operator stop")
			}

			s.Tick()
			if s.ShouldCompileNewJobs() {
				t.Fatal("maintenance resumed compilation stopped by the operator")
			}
			if got := ledger.Used(); got != 10<<20 {
				t.Errorf("ledger used = %d, want %d", got, 10<<20)
			}
			if u.Code(model.EntryStandard) == nil {
				t.Error("code evicted while the cache was not full")
			}

			s.ReclaimCodeCache()
			if s.ShouldCompileNewJobs() {
				t.Fatal("explicit reclaim resumed compilation stopped by the operator")
			}
			if err := s.EnableNewJobs(); err != nil || !s.ShouldCompileNewJobs() {
				t.Fatalf("EnableNewJobs() = %v, running = %v", err, s.ShouldCompileNewJobs())
			}
		})
	}
}

func TestSubmitAfterStop(t *testing.T) {
	s := newTestScheduler(t, testConfig(), instantBackend(), nil)
	startScheduler(t, s)
	s.Stop()

	done := make(chan *TaskHandle, 1)
	go func() {
		req := request(model.NewUnit(1, "A.run"), model.TierSimple)
		req.Blocking = true
		done <- s.Submit(context.Background(), req)
	}()
	select {
	case h := <-done:
		if h != nil {
			t.Fatalf("Submit() = task %d after Stop", h.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("blocking Submit() after Stop did not return")
	}

	u := model.NewUnit(2, "B.run")
	if s.Submit(context.Background(), request(u, model.TierFullOptimization)) != nil {
		t.Error("non-blocking Submit() accepted after Stop")
	}
	if u.IsQueued() || s.QueueSize(model.ClassOptimizing) != 0 {
		t.Error("unit stranded in the queue after Stop")
	}
	if err := s.EnableNewJobs(); !errors.Is(err, model.ErrSchedulerStopped) {
		t.Errorf("EnableNewJobs() = %v, want ErrSchedulerStopped", err)
	}
}

func TestRunTask_NewJobsStopped(t *testing.T) {
	rec := &recordLog{}
	s := newTestScheduler(t, testConfig(), instantBackend(), func(o *Options) { o.Recorder = rec })
	u := model.NewUnit(1, "A.run")
	s.Submit(context.Background(), request(u, model.TierSimple))
	s.StopNewJobs()

	task := s.queues[model.ClassBaseline].Get(context.Background(), time.Second)
	if task == nil {
		t.Fatal("Get() = nil")
	}
	s.RunTask(context.Background(), task)

	if res := task.Result(); !errors.Is(res.Failure, model.ErrNewJobsStopped) {
		t.Fatalf("result = %+v, want ErrNewJobsStopped", res)
	}
	if u.Code(model.EntryStandard) != nil {
		t.Error("code installed although compilation was stopped")
	}
	if recs := rec.all(); len(recs) != 1 || recs[0].Failure != "compilation is disabled" {
		t.Errorf("records = %+v", recs)
	}
}

func TestBlockingSubmit_Completes(t *testing.T) {
	s := newTestScheduler(t, testConfig(), instantBackend(), nil)
	startScheduler(t, s)
	u := model.NewUnit(1, "A.run")

	req := request(u, model.TierFullProfile)
	req.Blocking = true
	h := s.Submit(context.Background(), req)
	if h == nil {
		t.Fatal("Submit() = nil")
	}
	if err := h.Err(); err != nil {
		t.Fatalf("Err() = %v", err)
	}
	if got := u.CurrentTier(model.EntryStandard); got != model.TierFullProfile {
		t.Errorf("CurrentTier() = %d, want 3", got)
	}
	if released, by := h.Task().Released(); !released || by != model.OwnerWaiter {
		t.Errorf("Released() = %v, %s, want waiter", released, by)
	}
	if u.IsQueued() {
		t.Error("unit still queued")
	}
}

func TestBlockingSubmit_NoProgressTimesOut(t *testing.T) {
	b := newStuckBackend()
	s := newTestScheduler(t, testConfig(), b, nil)
	startScheduler(t, s)
	u := model.NewUnit(1, "A.run")

	req := request(u, model.TierFullOptimization)
	req.Blocking = true
	h := s.Submit(context.Background(), req)
	if h == nil {
		t.Fatal("Submit() = nil")
	}
	if err := h.Err(); !errors.Is(err, model.ErrWaitTimeout) {
		t.Fatalf("Err() = %v, want ErrWaitTimeout", err)
	}
	if released, _ := h.Task().Released(); released {
		t.Fatal("task released before the worker finished")
	}

	close(b.release)
	eventually(t, "worker to release the task", func() bool {
		released, by := h.Task().Released()
		return released && by == model.OwnerWorker
	})
	if got := u.CurrentTier(model.EntryStandard); got != model.TierFullOptimization {
		t.Errorf("CurrentTier() = %d, want 4 after late completion", got)
	}
}

func TestBlockingSubmit_ContextCancel(t *testing.T) {
	b := newStuckBackend()
	s := newTestScheduler(t, testConfig(), b, nil)
	startScheduler(t, s)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-b.started
		cancel()
	}()
	req := request(model.NewUnit(1, "A.run"), model.TierSimple)
	req.Blocking = true
	h := s.Submit(ctx, req)
	if h == nil || !errors.Is(h.Err(), context.Canceled) {
		t.Fatalf("Submit() = %+v, want context.Canceled", h)
	}
	close(b.release)
	eventually(t, "worker to release the task", func() bool {
		released, _ := h.Task().Released()
		return released
	})
}

func TestBackendFailures(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		panics        bool
		wantSimple    bool
		wantOptimized bool
	}{
		{"bailout", &model.BailoutError{Reason: "retry"}, false, true, true},
		{"tier permanent bailout", &model.BailoutError{Reason: "too big", TierPermanent: true}, false, true, false},
		{"not compilable at tier", &model.NotCompilableError{Tier: model.TierFullOptimization}, false, true, false},
		{"not compilable at all", &model.NotCompilableError{All: true}, false, false, false},
		{"panic", nil, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := backend.Func(func(ctx context.Context, req backend.Request) (*model.InstalledCode, error) {
				if tt.panics {
					panic("backend crashed")
				}
				return nil, tt.err
			})
			s := newTestScheduler(t, testConfig(), b, nil)
			startScheduler(t, s)
			u := model.NewUnit(1, "A.run")

			req := request(u, model.TierFullOptimization)
			req.Blocking = true
			h := s.Submit(context.Background(), req)
			if h == nil || h.Result.State != model.TaskStateFailed {
				t.Fatalf("Submit() = %+v, want FAILED", h)
			}
			if got := u.IsCompilable(model.TierSimple, model.EntryStandard); got != tt.wantSimple {
				t.Errorf("compilable at 1 = %v, want %v", got, tt.wantSimple)
			}
			if got := u.IsCompilable(model.TierFullOptimization, model.EntryStandard); got != tt.wantOptimized {
				t.Errorf("compilable at 4 = %v, want %v", got, tt.wantOptimized)
			}
		})
	}
}

func TestCodeCacheFull(t *testing.T) {
	t.Run("flushing stops new jobs until reclaimed", func(t *testing.T) {
		ledger := resource.NewLedger(1 << 10)
		filler := model.NewUnit(99, "filler")
		fillerCode := &model.InstalledCode{Tier: model.TierFullOptimization, Entry: model.EntryStandard, Size: 1000}
		if err := ledger.Allocate(filler, fillerCode); err != nil {
			t.Fatal(err)
		}
		filler.Install(fillerCode)
		cfg := testConfig()
		cfg.CodeCache.ReenableCapacity = 512
		b := backend.NewSynthetic(backend.DefaultSyntheticConfig(), ledger)
		s := newTestScheduler(t, cfg, b, func(o *Options) {
			o.CodeCache = ledger
			o.Reclaimer = ledger
		})
		startScheduler(t, s)

		u := model.NewUnit(1, "A.run")
		u.Size = 100
		req := request(u, model.TierFullOptimization)
		req.Blocking = true
		h := s.Submit(context.Background(), req)
		if h == nil || !errors.Is(h.Err(), model.ErrCodeCacheFull) {
			t.Fatalf("Submit() = %+v, want ErrCodeCacheFull", h)
		}
		if s.ShouldCompileNewJobs() {
			t.Fatal("new jobs still accepted after code cache full")
		}
		if s.IsDisabled() {
			t.Fatal("compilation disabled forever although flushing is on")
		}
		if s.Submit(context.Background(), request(model.NewUnit(2, "B"), model.TierSimple)) != nil {
			t.Fatal("Submit() accepted while new jobs are stopped")
		}

		if !s.CodeCacheFull() {
			t.Fatal("CodeCacheFull() = false")
		}

		s.Tick()
		if !s.ShouldCompileNewJobs() {
			t.Fatalf("new jobs not re-enabled after reclaim, free = %d", ledger.UnallocatedCapacity(model.ClassOptimizing))
		}
		if filler.Code(model.EntryStandard) != nil {
			t.Error("reclaimed code still installed")
		}
	})

	t.Run("no flushing disables forever", func(t *testing.T) {
		cfg := testConfig()
		cfg.CodeCache.Flushing = false
		s := newTestScheduler(t, cfg, instantBackend(), nil)
		startScheduler(t, s)
		s.HandleCodeCacheFull(model.ClassOptimizing)
		if !s.IsDisabled() {
			t.Fatal("IsDisabled() = false")
		}
		if err := s.EnableNewJobs(); !errors.Is(err, model.ErrCompilationDisabled) {
			t.Errorf("EnableNewJobs() = %v, want ErrCompilationDisabled", err)
		}
	})
}

func TestDisableForever(t *testing.T) {
	s := newTestScheduler(t, testConfig(), instantBackend(), nil)

	done := make(chan *TaskHandle)
	go func() {
		req := request(model.NewUnit(1, "A.run"), model.TierSimple)
		req.Blocking = true
		done <- s.Submit(context.Background(), req)
	}()
	eventually(t, "task to be queued", func() bool { return s.QueueSize(model.ClassBaseline) == 1 })

	s.DisableForever()
	h := <-done
	if h == nil || h.Err() == nil {
		t.Fatalf("blocked Submit() = %+v, want a failure", h)
	}
	if s.QueueSize(model.ClassBaseline) != 0 {
		t.Error("queue not drained")
	}
	if s.Submit(context.Background(), request(model.NewUnit(2, "B"), model.TierSimple)) != nil {
		t.Error("Submit() accepted after DisableForever")
	}
	eventually(t, "waiter or scheduler to release", func() bool {
		released, _ := h.Task().Released()
		return released
	})
}

func TestDisableForever_WorkersExit(t *testing.T) {
	s := newTestScheduler(t, testConfig(), instantBackend(), nil)
	startScheduler(t, s)
	if s.WorkerCount(model.ClassOptimizing) == 0 {
		t.Fatal("no optimizing workers started")
	}
	s.DisableForever()
	eventually(t, "workers to exit", func() bool {
		return s.WorkerCount(model.ClassBaseline) == 0 && s.WorkerCount(model.ClassOptimizing) == 0
	})
}

func TestExactlyOnceDisposal(t *testing.T) {
	rec := &recordLog{}
	s := newTestScheduler(t, testConfig(), instantBackend(), func(o *Options) { o.Recorder = rec })
	startScheduler(t, s)

	units := make([]*model.CompilationUnit, 32)
	for i := range units {
		units[i] = model.NewUnit(model.UnitID(i), "u")
	}
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				u := units[(g*7+i)%len(units)]
				u.RecordInvocations(1)
				req := request(u, model.Tier(1+i%4))
				req.Blocking = i%3 == 0
				s.Submit(context.Background(), req)
				if i%50 == 0 {
					s.Tick()
				}
			}
		}()
	}
	wg.Wait()
	s.Stop()

	snap := s.Stats().Snapshot(time.Now())
	if got := snap.Completed + snap.Failed + snap.Stale; got != snap.Submitted {
		t.Fatalf("retired %d of %d submitted tasks", got, snap.Submitted)
	}
	seen := make(map[uint64]bool)
	for _, r := range rec.all() {
		if seen[r.TaskID] {
			t.Fatalf("task %d retired twice", r.TaskID)
		}
		seen[r.TaskID] = true
	}
	if len(seen) != snap.Submitted {
		t.Errorf("records = %d, want %d", len(seen), snap.Submitted)
	}
	for _, u := range units {
		if u.IsQueued() {
			t.Errorf("unit %d still queued after stop", u.ID)
		}
	}
}

func TestExactlyOnceDisposal_TimeoutsAndDisable(t *testing.T) {
	rec := &recordLog{}
	cfg := testConfig()
	cfg.Blocking.ProgressSlice = 2 * time.Millisecond
	cfg.Blocking.ProgressAttempts = 2
	s := newTestScheduler(t, cfg, quietBackend{step: 3 * time.Millisecond}, func(o *Options) { o.Recorder = rec })
	startScheduler(t, s)

	var (
		mu      sync.Mutex
		handles []*TaskHandle
	)
	units := make([]*model.CompilationUnit, 40)
	for i := range units {
		units[i] = model.NewUnit(model.UnitID(i), "u")
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 60; i++ {
				u := units[(g*5+i)%len(units)]
				req := request(u, model.Tier(1+i%4))
				req.Blocking = i%2 == 0
				if h := s.Submit(context.Background(), req); h != nil {
					mu.Lock()
					handles = append(handles, h)
					mu.Unlock()
				}
			}
		}()
	}
	eventually(t, "submissions before disabling", func() bool {
		return s.Stats().Snapshot(time.Now()).Submitted >= 10
	})
	s.DisableForever()
	wg.Wait()
	s.Stop()

	snap := s.Stats().Snapshot(time.Now())
	if got := snap.Completed + snap.Failed + snap.Stale; got != snap.Submitted {
		t.Fatalf("retired %d of %d submitted tasks", got, snap.Submitted)
	}
	seen := make(map[uint64]bool)
	for _, r := range rec.all() {
		if seen[r.TaskID] {
			t.Fatalf("task %d retired twice", r.TaskID)
		}
		seen[r.TaskID] = true
	}
	if len(seen) != snap.Submitted {
		t.Errorf("records = %d, want %d", len(seen), snap.Submitted)
	}

	timedOut := 0
	for _, h := range handles {
		if errors.Is(h.Err(), model.ErrWaitTimeout) {
			timedOut++
		}
		released, _ := h.Task().Released()
		if !released {
			t.Errorf("task %d never released", h.ID)
		}
	}
	if timedOut == 0 {
		t.Log("no blocking wait timed out in this run")
	}
	for _, u := range units {
		if u.IsQueued() {
			t.Errorf("unit %d still queued after stop", u.ID)
		}
	}
}

func TestCompileIfRequired(t *testing.T) {
	tests := []struct {
		name  string
		eager bool
		must  bool
		want  model.Tier
	}{
		{"lazy", false, false, model.TierNone},
		{"must compile", false, true, model.TierFullProfile},
		{"eager", true, false, model.TierFullProfile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Eager = tt.eager
			s := newTestScheduler(t, cfg, instantBackend(), nil)
			startScheduler(t, s)
			u := model.NewUnit(1, "A.<clinit>")
			u.MustCompile = tt.must
			s.CompileIfRequired(context.Background(), u)
			if got := u.CurrentTier(model.EntryStandard); got != tt.want {
				t.Errorf("CurrentTier() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestOnEvent_StartProfiling(t *testing.T) {
	s := newTestScheduler(t, testConfig(), instantBackend(), nil)
	u := model.NewUnit(1, "A.run")
	u.RecordInvocations(401)
	s.OnEvent(context.Background(), u, policy.EventInvocation, -1)
	if !u.ProfilingStarted() {
		t.Error("profiling not started for a warm interpreted unit")
	}
}

func TestSetCompilerThreadCounts(t *testing.T) {
	s := newTestScheduler(t, testConfig(), instantBackend(), nil)
	if err := s.SetCompilerThreadCounts(model.TierClass(5), 2); !errors.Is(err, model.ErrUnknownClass) {
		t.Errorf("unknown class: %v", err)
	}
	var apiErr *model.APIError
	if err := s.SetCompilerThreadCounts(model.ClassOptimizing, 0); !errors.As(err, &apiErr) {
		t.Errorf("zero workers: %v, want validation error", err)
	}
	if err := s.SetCompilerThreadCounts(model.ClassOptimizing, 6); err != nil {
		t.Fatal(err)
	}
	info, err := s.ClassInfo(model.ClassOptimizing, false)
	if err != nil {
		t.Fatal(err)
	}
	if info.MaxWorkers != 6 {
		t.Errorf("MaxWorkers = %d, want 6", info.MaxWorkers)
	}
	if got := s.Config().Workers.Optimizing.MaxWorkers; got != 6 {
		t.Errorf("config max workers = %d, want 6", got)
	}
}

func TestApplyConfig(t *testing.T) {
	s := newTestScheduler(t, testConfig(), instantBackend(), nil)
	bad := testConfig()
	bad.Queue.StaleTimeout = 0
	if err := s.ApplyConfig(bad); err == nil {
		t.Fatal("ApplyConfig() accepted an invalid config")
	}

	next := testConfig()
	next.Policy.StopAtTier = model.TierSimple
	next.Workers.Baseline.MaxWorkers = 3
	if err := s.ApplyConfig(next); err != nil {
		t.Fatal(err)
	}
	if s.Policy().Config().StopAtTier != model.TierSimple {
		t.Error("policy config not swapped")
	}
	if info, _ := s.ClassInfo(model.ClassBaseline, false); info.MaxWorkers != 3 {
		t.Errorf("baseline MaxWorkers = %d, want 3", info.MaxWorkers)
	}
}

func TestPrintSummary(t *testing.T) {
	s := newTestScheduler(t, testConfig(), instantBackend(), nil)
	startScheduler(t, s)
	req := request(model.NewUnit(1, "A.run"), model.TierFullOptimization)
	req.Blocking = true
	s.Submit(context.Background(), req)

	var buf bytes.Buffer
	PrintSummary(&buf, s.Stats().Snapshot(time.Now()))
	out := buf.String()
	for _, want := range []string{"Compilation Summary", "4 full_optimization", "1 submitted, 1 completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}
