// Package scheduler owns the compile queues and worker pools of both backend
// classes and turns policy decisions into compile tasks.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/tiersched/internal/backend"
	"github.com/me/tiersched/internal/config"
	"github.com/me/tiersched/internal/logging"
	"github.com/me/tiersched/internal/policy"
	"github.com/me/tiersched/internal/queue"
	"github.com/me/tiersched/internal/resource"
	"github.com/me/tiersched/internal/worker"
	"github.com/me/tiersched/pkg/model"
)

// jobsState says whether new compilations run and, if not, who stopped them.
type jobsState int32

const (
	jobsRunning jobsState = iota
	// jobsStopped is an operator stop; only EnableNewJobs lifts it.
	jobsStopped
	// jobsCacheFull is lifted by reclamation once enough space is free.
	jobsCacheFull
	// jobsShutdown is final: Stop or DisableForever ran.
	jobsShutdown
)

// Request asks for one compilation.
type Request struct {
	Unit     *model.CompilationUnit
	Tier     model.Tier
	Entry    model.EntryKind
	OSRIndex int
	Reason   model.Reason
	HotCount int64
	// Blocking makes Submit wait for the result.
	Blocking   bool
	Directives map[string]string
}

// TaskHandle identifies a submitted task. For blocking submissions Result
// holds the outcome seen by the caller.
type TaskHandle struct {
	ID     uint64
	Result model.Result

	task *model.CompileTask
}

// Task returns the underlying task.
func (h *TaskHandle) Task() *model.CompileTask { return h.task }

// Err returns the failure of a blocking submission.
func (h *TaskHandle) Err() error {
	if !h.task.Blocking {
		return nil
	}
	return h.Result.Err()
}

// Recorder receives a record for every retired task.
type Recorder interface {
	Record(rec model.CompileRecord)
}

// Options configure a Scheduler.
type Options struct {
	Config    config.Config
	Backends  *backend.Registry
	CodeCache resource.CodeCache
	Memory    resource.Memory
	// Reclaimer frees code cache space after a code cache full event. Nil
	// leaves new compilations stopped until EnableNewJobs.
	Reclaimer resource.Reclaimer
	Recorder  Recorder
	Logger    *slog.Logger
	Now       func() time.Time
	Spawn     worker.SpawnFunc
}

// Scheduler accepts compile requests, queues them per backend class and
// runs them on the class's worker pool.
type Scheduler struct {
	cfg       atomic.Pointer[config.Config]
	backends  *backend.Registry
	policy    *policy.Policy
	queues    [model.NumClasses]*queue.Queue
	pools     [model.NumClasses]*worker.Pool
	cache     resource.CodeCache
	reclaimer resource.Reclaimer
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
	stats     *Stats
	maint     *maintenance

	nextID atomic.Uint64
	jobs   atomic.Int32 // jobsState

	disabled    chan struct{}
	disableOnce sync.Once
}

// New builds a scheduler. Start launches its workers.
func New(opts Options) (*Scheduler, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}
	if opts.Backends == nil {
		return nil, errors.New("scheduler: no backend registry")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CodeCache == nil {
		opts.CodeCache = resource.Static{CodeCacheBytes: math.MaxUint64}
	}
	if opts.Memory == nil {
		opts.Memory = resource.SystemMemory{}
	}

	s := &Scheduler{
		backends:  opts.Backends,
		cache:     opts.CodeCache,
		reclaimer: opts.Reclaimer,
		recorder:  opts.Recorder,
		logger:    opts.Logger.With("component", "scheduler"),
		now:       opts.Now,
		stats:     newStats(opts.Now()),
		disabled:  make(chan struct{}),
	}
	cfg := opts.Config
	s.cfg.Store(&cfg)

	for _, class := range model.Classes() {
		q := queue.New(queue.Options{
			Class:    class,
			Settings: queueSettings(&cfg),
			Logger:   opts.Logger,
			Now:      opts.Now,
			Disabled: s.disabled,
			OnStale:  s.retireStale,
		})
		s.queues[class] = q
		s.pools[class] = worker.New(worker.Options{
			Class:     class,
			Source:    q,
			Runner:    s,
			Limits:    poolLimits(&cfg, class),
			CodeCache: opts.CodeCache,
			Memory:    opts.Memory,
			Logger:    opts.Logger,
			Disabled:  s.disabled,
			Spawn:     opts.Spawn,
			Now:       opts.Now,
		})
	}
	s.policy = policy.New(cfg.Policy, policyLoad{s}, opts.Logger)
	s.maint = newMaintenance(s, cfg.MaintenanceInterval)
	return s, nil
}

func queueSettings(cfg *config.Config) queue.Settings {
	return queue.Settings{
		StaleTimeout:          cfg.Queue.StaleTimeout,
		RateUpdateMinInterval: cfg.Queue.RateUpdateMinInterval,
		RateUpdateMaxInterval: cfg.Queue.RateUpdateMaxInterval,
	}
}

func poolLimits(cfg *config.Config, class model.TierClass) worker.Limits {
	cc := cfg.Workers.Class(class)
	return worker.Limits{
		MaxWorkers:         cc.MaxWorkers,
		InitialWorkers:     cc.InitialWorkers,
		IdleDwell:          cc.IdleDwell,
		QueueDivisor:       cc.QueueDivisor,
		MemoryPerWorker:    uint64(cc.MemoryPerWorker),
		CodeCachePerWorker: uint64(cc.CodeCachePerWorker),
		Dynamic:            cfg.Workers.Dynamic,
		Reduce:             cfg.Workers.Reduce,
		PollInterval:       cfg.Queue.PollInterval,
	}
}

// policyLoad feeds the policy the queue length and the configured worker
// count of a class, so that thresholds do not swing with pool resizing.
type policyLoad struct{ s *Scheduler }

func (l policyLoad) QueueSize(c model.TierClass) int { return l.s.QueueSize(c) }

func (l policyLoad) WorkerCount(c model.TierClass) int {
	if !c.Valid() {
		return 0
	}
	return l.s.pools[c].Limits().MaxWorkers
}

// Start launches the worker pools of every class with a registered backend
// and the maintenance loop. Failing to start a pool is fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	var started []*worker.Pool
	for _, class := range model.Classes() {
		if !s.backends.Has(class) {
			continue
		}
		p := s.pools[class]
		if err := p.Start(ctx); err != nil {
			for _, sp := range started {
				sp.Stop()
			}
			return err
		}
		started = append(started, p)
	}
	s.maint.start(ctx)
	s.logger.Info("scheduler started",
		"baseline_workers", s.pools[model.ClassBaseline].Count(),
		"optimizing_workers", s.pools[model.ClassOptimizing].Count())
	return nil
}

// Stop halts the maintenance loop and every worker, then retires whatever
// is still queued as stale so that blocked callers return. Submissions
// after Stop create no task.
func (s *Scheduler) Stop() {
	s.jobs.Store(int32(jobsShutdown))
	s.maint.stop()
	for _, p := range s.pools {
		p.Stop()
	}
	drained := 0
	for _, q := range s.queues {
		drained += q.Drain()
	}
	s.logger.Info("scheduler stopped", "drained", drained)
}

// Config returns the active configuration.
func (s *Scheduler) Config() config.Config { return *s.cfg.Load() }

// Policy returns the tier policy.
func (s *Scheduler) Policy() *policy.Policy { return s.policy }

// Stats returns the scheduler's counters.
func (s *Scheduler) Stats() *Stats { return s.stats }

// Submit requests a compilation. It returns nil when no task was created:
// the unit already has code at the tier or better, is already queued, is
// not compilable, or new compilations are stopped. A blocking request
// returns once the task finished or the wait was abandoned.
func (s *Scheduler) Submit(ctx context.Context, req Request) *TaskHandle {
	u := req.Unit
	if u == nil || !req.Tier.Compiled() {
		return nil
	}
	cfg := s.cfg.Load()

	if u.CompilationIsComplete(req.Tier, req.Entry) || u.IsQueued() {
		return nil
	}
	if req.Entry == model.EntryOSR && !cfg.OSR {
		u.SetNotCompilableAll(model.EntryOSR)
		return nil
	}
	class := req.Tier.Class()
	if !s.backends.Has(class) {
		return nil
	}
	if !s.ShouldCompileNewJobs() {
		return nil
	}

	q := s.queues[class]
	q.Lock()
	if u.IsQueued() || u.CompilationIsComplete(req.Tier, req.Entry) || !s.ShouldCompileNewJobs() {
		q.Unlock()
		return nil
	}
	// The queued flag is per unit and both classes share it, so the class
	// lock alone does not exclude a concurrent submit to the other queue.
	if !u.SetQueued() {
		q.Unlock()
		return nil
	}
	id := s.nextID.Add(1)
	if !cfg.Debug.InDebugWindow(id) {
		u.ClearQueued()
		q.Unlock()
		u.SetNotCompilable(req.Tier, req.Entry)
		s.logger.Debug("compile id outside debug window", "task_id", id, "unit", u.Name, "tier", int(req.Tier))
		return nil
	}

	task := model.NewCompileTask(id, u, req.Tier, req.Entry, req.Reason, req.Blocking, s.now())
	if req.Entry == model.EntryOSR {
		task.OSRIndex = req.OSRIndex
	}
	task.HotCount = req.HotCount
	task.Directives = req.Directives
	q.AddLocked(task)
	q.Unlock()
	s.stats.submitted()

	h := &TaskHandle{ID: id, task: task}
	if req.Blocking {
		h.Result = s.waitForCompletion(ctx, task)
	}
	return h
}

// waitForCompletion blocks until the worker delivers the result. When the
// backend reports progress, the wait is given up after ProgressAttempts
// slices without a change in its ticks; the worker then releases the task.
func (s *Scheduler) waitForCompletion(ctx context.Context, task *model.CompileTask) model.Result {
	cfg := s.cfg.Load()
	var (
		reporter backend.ProgressReporter
		slices   <-chan time.Time
	)
	if b, err := s.backends.Get(task.Tier.Class()); err == nil {
		if r, ok := b.(backend.ProgressReporter); ok {
			reporter = r
			ticker := time.NewTicker(cfg.Blocking.ProgressSlice)
			defer ticker.Stop()
			slices = ticker.C
		}
	}

	var lastTicks int64
	if reporter != nil {
		lastTicks = reporter.CompilationTicks()
	}
	stalled := 0
	for {
		select {
		case res := <-task.Done():
			task.Release(model.OwnerWaiter)
			return res
		case <-slices:
			ticks := reporter.CompilationTicks()
			if ticks != lastTicks {
				lastTicks, stalled = ticks, 0
				continue
			}
			if stalled++; stalled < cfg.Blocking.ProgressAttempts {
				continue
			}
			s.logger.Warn("blocking compilation made no progress, giving up wait",
				"task_id", task.ID, "unit", task.Unit.Name, "tier", int(task.Tier),
				"waited", (time.Duration(stalled) * cfg.Blocking.ProgressSlice).String())
			return s.abandonWait(task, model.ErrWaitTimeout)
		case <-ctx.Done():
			return s.abandonWait(task, ctx.Err())
		case <-s.disabled:
			return s.abandonWait(task, model.ErrCompilationDisabled)
		}
	}
}

// abandonWait hands ownership of task to whoever retires it. If the worker
// already claimed the waiter, its result is on the way and is taken instead.
func (s *Scheduler) abandonWait(task *model.CompileTask, cause error) model.Result {
	if task.ClearWaiter() {
		if task.IsComplete() {
			return task.Result()
		}
		return model.Result{State: task.State(), Failure: cause}
	}
	res := <-task.Done()
	task.Release(model.OwnerWaiter)
	return res
}

// RunTask compiles a selected task and retires it. It implements
// worker.TaskRunner.
func (s *Scheduler) RunTask(ctx context.Context, task *model.CompileTask) {
	if !s.ShouldCompileNewJobs() {
		s.retire(task, model.Result{State: model.TaskStateFailed, Failure: model.ErrNewJobsStopped}, model.OwnerWorker)
		return
	}
	if err := task.Transition(model.TaskStateCompiling, s.now()); err != nil {
		s.logger.Error("start compile", "task_id", task.ID, "error", err)
		s.retire(task, model.Result{State: model.TaskStateFailed, Failure: err}, model.OwnerWorker)
		return
	}
	s.logger.Debug("compiling", "task_id", task.ID, "unit", task.Unit.Name,
		"tier", int(task.Tier), "entry", task.Entry.String())

	res := s.compile(ctx, task)
	s.retire(task, res, model.OwnerWorker)
}

// compile calls the backend without any scheduler lock held. A panicking
// backend is treated as a bailout.
func (s *Scheduler) compile(ctx context.Context, task *model.CompileTask) (res model.Result) {
	b, err := s.backends.Get(task.Tier.Class())
	if err != nil {
		return model.Result{State: model.TaskStateFailed, Failure: err}
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("backend panic", "task_id", task.ID, "unit", task.Unit.Name, "panic", r)
			res = model.Result{
				State:   model.TaskStateFailed,
				Failure: &model.BailoutError{Reason: fmt.Sprintf("backend panic: %v", r)},
			}
		}
	}()

	code, err := b.Compile(ctx, backend.Request{
		TaskID:     task.ID,
		Unit:       task.Unit,
		Tier:       task.Tier,
		Entry:      task.Entry,
		OSRIndex:   task.OSRIndex,
		Directives: task.Directives,
	})
	if err == nil && code == nil {
		err = &model.BailoutError{Reason: "backend returned no code"}
	}
	if err != nil {
		s.handleFailure(task, err)
		return model.Result{State: model.TaskStateFailed, Failure: err}
	}
	task.Unit.Install(code)
	return model.Result{State: model.TaskStateCompleted, Code: code}
}

func (s *Scheduler) handleFailure(task *model.CompileTask, err error) {
	u := task.Unit
	var (
		nc *model.NotCompilableError
		bo *model.BailoutError
	)
	switch {
	case errors.As(err, &nc):
		if nc.All {
			u.SetNotCompilableAll(task.Entry)
		} else {
			tier := nc.Tier
			if !tier.Compiled() {
				tier = task.Tier
			}
			u.SetNotCompilable(tier, task.Entry)
		}
	case errors.As(err, &bo):
		if bo.TierPermanent {
			u.SetNotCompilable(task.Tier, task.Entry)
		}
	case errors.Is(err, model.ErrCodeCacheFull):
		s.HandleCodeCacheFull(task.Tier.Class())
	}
}

// retire stores the result, clears the unit's queued flag and disposes of
// the task exactly once: a waiting caller receives it, otherwise owner
// releases it.
func (s *Scheduler) retire(task *model.CompileTask, res model.Result, owner model.Owner) {
	task.MarkComplete(res, s.now())
	task.Unit.ClearQueued()
	s.stats.retired(task, res)

	switch res.State {
	case model.TaskStateCompleted:
		s.logger.Debug("task completed", "task_id", task.ID, "unit", task.Unit.Name,
			"tier", int(task.Tier), logging.Bytes("code_size", res.Code.Size))
	case model.TaskStateFailed:
		s.logger.Info("task failed", "task_id", task.ID, "unit", task.Unit.Name,
			"tier", int(task.Tier), "error", res.Failure)
	}

	if task.Blocking && task.ClearWaiter() {
		s.record(task, res, model.OwnerWaiter)
		task.Deliver(res)
		return
	}
	s.record(task, res, owner)
	task.Release(owner)
}

func (s *Scheduler) retireStale(task *model.CompileTask) {
	s.retire(task, model.Result{State: model.TaskStateStale}, model.OwnerScheduler)
}

func (s *Scheduler) record(task *model.CompileTask, res model.Result, by model.Owner) {
	if s.recorder == nil {
		return
	}
	started, completed := task.Times()
	rec := model.CompileRecord{
		TaskID:      task.ID,
		UnitID:      task.Unit.ID,
		UnitName:    task.Unit.Name,
		Tier:        task.Tier,
		Entry:       task.Entry.String(),
		Reason:      task.Reason,
		Blocking:    task.Blocking,
		State:       res.State,
		ReleasedBy:  by,
		EnqueuedAt:  task.EnqueuedAt,
		CompletedAt: completed,
	}
	if !started.IsZero() {
		rec.StartedAt = &started
	}
	if res.Code != nil {
		rec.CodeSize = res.Code.Size
	}
	if res.Failure != nil {
		rec.Failure = res.Failure.Error()
	}
	s.recorder.Record(rec)
}

// CompileIfRequired compiles u before it first runs when eager compilation
// is on or the unit must be compiled. It blocks until the compilation ends.
func (s *Scheduler) CompileIfRequired(ctx context.Context, u *model.CompilationUnit) {
	cfg := s.cfg.Load()
	if !cfg.Eager && !u.MustCompile {
		return
	}
	if u.Code(model.EntryStandard) != nil {
		return
	}
	tier := min(cfg.InitialTier, cfg.Policy.StopAtTier)
	if !tier.Compiled() || !u.IsCompilable(tier, model.EntryStandard) {
		return
	}
	s.Submit(ctx, Request{
		Unit:     u,
		Tier:     tier,
		Entry:    model.EntryStandard,
		Reason:   model.ReasonMustBeCompiled,
		HotCount: u.Events(),
		Blocking: true,
	})
}

// OnEvent asks the policy what ev warrants for u and acts on it. osrIndex is
// the loop the backedge event came from.
func (s *Scheduler) OnEvent(ctx context.Context, u *model.CompilationUnit, ev policy.Event, osrIndex int) []policy.Decision {
	decisions := s.policy.Decide(u, ev)
	for _, d := range decisions {
		switch d.Action {
		case policy.ActionStartProfiling:
			if u.StartProfiling() {
				s.logger.Debug("profiling started", "unit", u.Name)
			}
		case policy.ActionCompile:
			s.Submit(ctx, Request{
				Unit:     u,
				Tier:     d.Tier,
				Entry:    d.Entry,
				OSRIndex: osrIndex,
				Reason:   d.Reason,
				HotCount: u.Events(),
			})
		}
	}
	return decisions
}

// IsCompilable reports whether u may be compiled at tier for entry.
func (s *Scheduler) IsCompilable(u *model.CompilationUnit, tier model.Tier, entry model.EntryKind) bool {
	if !tier.Compiled() || !s.backends.Has(tier.Class()) {
		return false
	}
	if entry == model.EntryOSR && !s.cfg.Load().OSR {
		return false
	}
	return u.IsCompilable(tier, entry)
}

// HasBackend reports whether a backend compiles tiers of class c.
func (s *Scheduler) HasBackend(c model.TierClass) bool { return s.backends.Has(c) }

// QueueSize returns the number of queued tasks of a class.
func (s *Scheduler) QueueSize(c model.TierClass) int {
	if !c.Valid() {
		return 0
	}
	return s.queues[c].Size()
}

// WorkerCount returns the number of live workers of a class.
func (s *Scheduler) WorkerCount(c model.TierClass) int {
	if !c.Valid() {
		return 0
	}
	return s.pools[c].Count()
}

// SetCompilerThreadCounts changes the maximum worker count of a class.
func (s *Scheduler) SetCompilerThreadCounts(c model.TierClass, n int) error {
	if !c.Valid() {
		return fmt.Errorf("%w: %d", model.ErrUnknownClass, int(c))
	}
	if n < 1 {
		return model.NewValidationError("invalid worker count",
			model.FieldError{Field: "max_workers", Message: "must be >= 1"})
	}
	for {
		old := s.cfg.Load()
		next := *old
		cc := next.Workers.Class(c)
		cc.MaxWorkers = n
		cc.InitialWorkers = min(cc.InitialWorkers, n)
		if s.cfg.CompareAndSwap(old, &next) {
			break
		}
	}
	s.pools[c].SetMaxWorkers(n)
	s.logger.Info("worker maximum changed", "class", c.String(), "max_workers", n)
	return nil
}

// ApplyConfig swaps policy thresholds, queue settings and pool limits.
func (s *Scheduler) ApplyConfig(cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg.Store(&cfg)
	s.policy.SetConfig(cfg.Policy)
	for _, class := range model.Classes() {
		s.queues[class].SetSettings(queueSettings(&cfg))
		s.pools[class].SetLimits(poolLimits(&cfg, class))
	}
	s.maint.setInterval(cfg.MaintenanceInterval)
	s.logger.Info("config applied",
		"baseline_max", cfg.Workers.Baseline.MaxWorkers,
		"optimizing_max", cfg.Workers.Optimizing.MaxWorkers,
		"stop_at_tier", int(cfg.Policy.StopAtTier))
	return nil
}

func (s *Scheduler) jobState() jobsState { return jobsState(s.jobs.Load()) }

func (s *Scheduler) swapJobs(from, to jobsState) bool {
	return s.jobs.CompareAndSwap(int32(from), int32(to))
}

// ShouldCompileNewJobs reports whether new tasks are accepted and run.
func (s *Scheduler) ShouldCompileNewJobs() bool { return s.jobState() == jobsRunning }

// StopNewJobs rejects new submissions and fails selected tasks until
// EnableNewJobs. It takes precedence over a pending code cache full stop,
// so reclamation does not resume compilation behind the operator's back.
func (s *Scheduler) StopNewJobs() {
	for {
		switch st := s.jobState(); st {
		case jobsRunning, jobsCacheFull:
			if s.swapJobs(st, jobsStopped) {
				s.logger.Warn("new compilations stopped", "was_cache_full", st == jobsCacheFull)
				return
			}
		default:
			return
		}
	}
}

// EnableNewJobs resumes compilation after StopNewJobs or a code cache full
// event. It fails once compilation is disabled forever or the scheduler
// stopped.
func (s *Scheduler) EnableNewJobs() error {
	if s.IsDisabled() {
		return model.ErrCompilationDisabled
	}
	for {
		switch st := s.jobState(); st {
		case jobsRunning:
			return nil
		case jobsShutdown:
			return model.ErrSchedulerStopped
		default:
			if s.swapJobs(st, jobsRunning) {
				s.logger.Info("new compilations enabled")
				return nil
			}
		}
	}
}

// CodeCacheFull reports whether new compilations wait for reclamation.
func (s *Scheduler) CodeCacheFull() bool { return s.jobState() == jobsCacheFull }

// IsDisabled reports whether DisableForever ran.
func (s *Scheduler) IsDisabled() bool {
	select {
	case <-s.disabled:
		return true
	default:
		return false
	}
}

// DisableForever shuts compilation down permanently: queued tasks are
// retired as stale, workers exit and blocked callers return.
func (s *Scheduler) DisableForever() {
	s.disableOnce.Do(func() {
		s.jobs.Store(int32(jobsShutdown))
		close(s.disabled)
		drained := 0
		for _, q := range s.queues {
			drained += q.Drain()
		}
		s.logger.Warn("compilation disabled forever", "drained", drained)
	})
}

// HandleCodeCacheFull reacts to a backend that ran out of code cache. With
// flushing, running compilation stops until space is reclaimed; without it
// compilation is disabled forever. An operator stop is left as it is.
func (s *Scheduler) HandleCodeCacheFull(c model.TierClass) {
	cfg := s.cfg.Load()
	free := s.cache.UnallocatedCapacity(c)
	if !cfg.CodeCache.Flushing {
		s.logger.Warn("code cache full and flushing is off", "class", c.String(), logging.Bytes("free", free))
		s.DisableForever()
		return
	}
	if s.swapJobs(jobsRunning, jobsCacheFull) {
		s.logger.Warn("code cache full, new compilations stopped", "class", c.String(), logging.Bytes("free", free))
	}
}

// ReclaimCodeCache runs the reclaimer and, if compilation stopped because
// the code cache filled up, resumes it once the free space reaches the
// configured capacity. Returns the bytes freed.
func (s *Scheduler) ReclaimCodeCache() uint64 {
	if s.reclaimer == nil {
		return 0
	}
	freed := s.reclaimer.Reclaim()
	free := s.cache.UnallocatedCapacity(model.ClassOptimizing)
	reenable := uint64(s.cfg.Load().CodeCache.ReenableCapacity)
	s.logger.Debug("code cache reclaimed", logging.Bytes("freed", freed), logging.Bytes("free", free))
	if free >= reenable && s.swapJobs(jobsCacheFull, jobsRunning) {
		s.logger.Info("code cache space available, new compilations enabled", logging.Bytes("free", free))
	}
	return freed
}

// ClassInfo summarizes the queue and pool of a class.
func (s *Scheduler) ClassInfo(c model.TierClass, withTasks bool) (model.ClassInfo, error) {
	if !c.Valid() {
		return model.ClassInfo{}, fmt.Errorf("%w: %d", model.ErrUnknownClass, int(c))
	}
	info := model.ClassInfo{
		Class:      c.String(),
		QueueSize:  s.queues[c].Size(),
		Workers:    s.pools[c].Count(),
		MaxWorkers: s.pools[c].Limits().MaxWorkers,
	}
	if withTasks {
		info.Tasks = s.queues[c].Snapshot()
	}
	return info, nil
}

// Classes summarizes every class.
func (s *Scheduler) Classes(withTasks bool) []model.ClassInfo {
	out := make([]model.ClassInfo, 0, model.NumClasses)
	for _, c := range model.Classes() {
		info, _ := s.ClassInfo(c, withTasks)
		out = append(out, info)
	}
	return out
}
