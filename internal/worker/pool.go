// Package worker runs compile workers for one backend class and resizes the
// pool with queue pressure and resource availability.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/me/tiersched/internal/logging"
	"github.com/me/tiersched/internal/resource"
	"github.com/me/tiersched/pkg/model"
)

// Source hands out tasks. *queue.Queue implements it.
type Source interface {
	Get(ctx context.Context, idle time.Duration) *model.CompileTask
	Size() int
}

// TaskRunner compiles a selected task and retires it.
type TaskRunner interface {
	RunTask(ctx context.Context, task *model.CompileTask)
}

// SpawnFunc starts run on a new goroutine. It exists so that spawn failure
// can be simulated.
type SpawnFunc func(run func()) error

func goSpawn(run func()) error {
	go run()
	return nil
}

// Limits bound the pool size.
type Limits struct {
	MaxWorkers         int
	InitialWorkers     int
	IdleDwell          time.Duration
	QueueDivisor       int
	MemoryPerWorker    uint64
	CodeCachePerWorker uint64
	// Dynamic enables growth with demand; Reduce additionally lets idle
	// workers exit.
	Dynamic bool
	Reduce  bool
	// PollInterval bounds how long an idle worker waits for work before it
	// checks whether it may exit.
	PollInterval time.Duration
}

// DesiredWorkers returns how many workers the class should run:
// the smallest of the configured maximum, queued tasks per divisor, memory
// per worker and code cache per worker. Zero per-worker costs drop that term.
func DesiredWorkers(l Limits, queued int, memory, codeCache uint64) int {
	desired := uint64(max(l.MaxWorkers, 0))
	if l.QueueDivisor > 0 {
		desired = min(desired, uint64(max(queued, 0)/l.QueueDivisor))
	}
	if l.MemoryPerWorker > 0 {
		desired = min(desired, memory/l.MemoryPerWorker)
	}
	if l.CodeCachePerWorker > 0 {
		desired = min(desired, codeCache/l.CodeCachePerWorker)
	}
	return int(min(desired, math.MaxInt32))
}

// Options configure a Pool.
type Options struct {
	Class     model.TierClass
	Source    Source
	Runner    TaskRunner
	Limits    Limits
	CodeCache resource.CodeCache
	Memory    resource.Memory
	Logger    *slog.Logger
	// Disabled is closed when compilation is disabled forever; every worker
	// exits once it observes it.
	Disabled <-chan struct{}
	Spawn    SpawnFunc
	Now      func() time.Time
}

type workerState struct {
	id int
}

// Pool is the ordered set of workers of one class. Workers are removed only
// from the top, so the newest worker is always the next to exit.
type Pool struct {
	class    model.TierClass
	source   Source
	runner   TaskRunner
	cache    resource.CodeCache
	mem      resource.Memory
	logger   *slog.Logger
	disabled <-chan struct{}
	spawn    SpawnFunc
	now      func() time.Time
	limits   atomic.Pointer[Limits]

	mu      sync.Mutex
	workers []*workerState
	nextID  int
	count   atomic.Int32
	wg      sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a pool. Start launches its initial workers.
func New(opts Options) *Pool {
	if opts.Spawn == nil {
		opts.Spawn = goSpawn
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Memory == nil {
		opts.Memory = resource.SystemMemory{}
	}
	if opts.CodeCache == nil {
		opts.CodeCache = resource.Static{CodeCacheBytes: math.MaxUint64}
	}
	p := &Pool{
		class:    opts.Class,
		source:   opts.Source,
		runner:   opts.Runner,
		cache:    opts.CodeCache,
		mem:      opts.Memory,
		logger:   opts.Logger.With("component", "worker-pool", "class", opts.Class.String()),
		disabled: opts.Disabled,
		spawn:    opts.Spawn,
		now:      opts.Now,
	}
	lim := opts.Limits
	p.limits.Store(&lim)
	return p
}

// Start launches the initial workers, or all of them when the pool is not
// dynamic. Failing to start them is fatal to the scheduler and reported as
// an error.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)
	lim := p.limits.Load()
	n := lim.InitialWorkers
	if !lim.Dynamic {
		n = lim.MaxWorkers
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.workers) < max(n, 1) {
		if err := p.spawnLocked("initial"); err != nil {
			p.cancel()
			return fmt.Errorf("start %s workers: %w", p.class, err)
		}
	}
	return nil
}

// Stop cancels every worker and waits for them to exit. A task being
// compiled sees a cancelled context.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

// Count returns the number of live workers.
func (p *Pool) Count() int { return int(p.count.Load()) }

// Limits returns the active limits.
func (p *Pool) Limits() Limits { return *p.limits.Load() }

// SetLimits replaces the limits. Lowering the maximum makes the top workers
// exit at their next idle check.
func (p *Pool) SetLimits(l Limits) {
	p.limits.Store(&l)
	if !l.Dynamic {
		p.fill(l.MaxWorkers)
	}
}

// SetMaxWorkers changes the configured maximum. Without dynamic sizing the
// pool is grown to the new count immediately.
func (p *Pool) SetMaxWorkers(n int) {
	l := *p.limits.Load()
	l.MaxWorkers = max(n, 1)
	l.InitialWorkers = min(l.InitialWorkers, l.MaxWorkers)
	p.SetLimits(l)
}

func (p *Pool) fill(n int) {
	if p.ctx == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.workers) < n {
		if err := p.spawnLocked("resize"); err != nil {
			p.logger.Warn("worker spawn failed", "error", err)
			return
		}
	}
}

func (p *Pool) spawnLocked(why string) error {
	if p.ctx.Err() != nil {
		return p.ctx.Err()
	}
	w := &workerState{id: p.nextID}
	p.wg.Add(1)
	if err := p.spawn(func() { p.run(w) }); err != nil {
		p.wg.Done()
		return err
	}
	p.nextID++
	p.workers = append(p.workers, w)
	p.count.Store(int32(len(p.workers)))
	p.logger.Info("worker added", "worker", w.id, "workers", len(p.workers), "reason", why)
	return nil
}

func (p *Pool) run(w *workerState) {
	defer p.wg.Done()
	lastActive := p.now()
	for {
		if p.ctx.Err() != nil || isClosed(p.disabled) {
			p.exit(w)
			return
		}
		task := p.source.Get(p.ctx, p.limits.Load().PollInterval)
		if task == nil {
			if p.tryRemove(w, lastActive) {
				return
			}
			continue
		}
		p.runner.RunTask(p.ctx, task)
		lastActive = p.now()
		p.maybeGrow()
	}
}

// tryRemove lets an idle worker exit when it is the top worker, more than
// one worker remains and either the pool is over its maximum or dynamic
// shrinking allows it after the idle dwell.
func (p *Pool) tryRemove(w *workerState, lastActive time.Time) bool {
	lim := p.limits.Load()
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.workers)
	if n <= 1 || p.workers[n-1] != w {
		return false
	}
	over := n > lim.MaxWorkers
	idle := lim.Dynamic && lim.Reduce && p.now().Sub(lastActive) >= lim.IdleDwell
	if !over && !idle {
		return false
	}
	p.workers = p.workers[:n-1]
	p.count.Store(int32(len(p.workers)))
	p.logger.Info("worker removed", "worker", w.id, "workers", len(p.workers),
		"idle", p.now().Sub(lastActive).Round(time.Millisecond).String())
	return true
}

// exit unlinks a worker that stops because the pool is shutting down.
func (p *Pool) exit(w *workerState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, other := range p.workers {
		if other == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	p.count.Store(int32(len(p.workers)))
}

// maybeGrow adds workers up to DesiredWorkers. It gives up when another
// worker is already resizing the pool.
func (p *Pool) maybeGrow() {
	lim := p.limits.Load()
	if !lim.Dynamic {
		return
	}
	if !p.mu.TryLock() {
		return
	}
	defer p.mu.Unlock()
	if len(p.workers) >= lim.MaxWorkers {
		return
	}
	queued := p.source.Size()
	memory := p.mem.AvailableMemory()
	codeCache := p.cache.UnallocatedCapacity(p.class)
	desired := DesiredWorkers(*lim, queued, memory, codeCache)
	for len(p.workers) < desired {
		if err := p.spawnLocked("demand"); err != nil {
			p.logger.Warn("worker spawn failed", "error", err)
			return
		}
		p.logger.Debug("pool grown", "queued", queued,
			logging.Bytes("available_memory", memory), logging.Bytes("code_cache_free", codeCache))
	}
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
