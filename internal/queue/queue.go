// Package queue holds pending compile tasks for one backend class and picks
// the hottest one for the next free worker.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	equeue "github.com/eapache/queue"
	"github.com/google/btree"

	"github.com/me/tiersched/pkg/model"
)

// Settings control rate tracking and stale eviction. They can be swapped at
// runtime with SetSettings.
type Settings struct {
	StaleTimeout          time.Duration
	RateUpdateMinInterval time.Duration
	RateUpdateMaxInterval time.Duration
}

// Options configure a Queue.
type Options struct {
	Class    model.TierClass
	Settings Settings
	Logger   *slog.Logger

	// Now is the clock used for rates and staleness. Defaults to time.Now.
	Now func() time.Time

	// Disabled is closed when compilation is disabled forever. Get returns
	// nil immediately once it is closed.
	Disabled <-chan struct{}

	// OnStale disposes of a task evicted as stale. It is called without the
	// queue lock held. When nil the queue retires the task itself.
	OnStale func(*model.CompileTask)
}

// entry orders slab slots by insertion sequence.
type entry struct {
	seq  uint64
	slot int
}

func entryLess(a, b entry) bool { return a.seq < b.seq }

// Queue is an insertion-ordered set of pending tasks stored in a slab.
//
// The caller serializes inserts with Lock/AddLocked/Unlock so that it can
// re-check unit state under the same lock. Workers consume with Get.
type Queue struct {
	class    model.TierClass
	logger   *slog.Logger
	now      func() time.Time
	disabled <-chan struct{}
	onStale  func(*model.CompileTask)
	settings atomic.Pointer[Settings]

	mu    sync.Mutex
	slots []*model.CompileTask
	free  []int
	index map[*model.CompileTask]entry
	order *btree.BTreeG[entry]
	seq   uint64
	stale *equeue.Queue // *model.CompileTask, disposed outside mu
	wake  chan struct{} // closed and replaced on every add

	size atomic.Int64
}

// New creates an empty queue.
func New(opts Options) *Queue {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	q := &Queue{
		class:    opts.Class,
		logger:   opts.Logger.With("component", "queue", "class", opts.Class.String()),
		now:      opts.Now,
		disabled: opts.Disabled,
		onStale:  opts.OnStale,
		index:    make(map[*model.CompileTask]entry),
		order:    btree.NewG(16, entryLess),
		stale:    equeue.New(),
		wake:     make(chan struct{}),
	}
	if q.onStale == nil {
		q.onStale = retireStale
	}
	s := opts.Settings
	q.settings.Store(&s)
	return q
}

// Class returns the backend class this queue feeds.
func (q *Queue) Class() model.TierClass { return q.class }

// SetSettings replaces the rate and stale settings.
func (q *Queue) SetSettings(s Settings) { q.settings.Store(&s) }

// Lock acquires the queue lock for a check-then-add sequence.
func (q *Queue) Lock() { q.mu.Lock() }

// Unlock releases the queue lock.
func (q *Queue) Unlock() { q.mu.Unlock() }

// Size returns the number of queued tasks without taking the lock.
func (q *Queue) Size() int { return int(q.size.Load()) }

// AddLocked appends a task and wakes every worker blocked in Get. The caller
// holds the lock and has already won the unit's queued flag.
func (q *Queue) AddLocked(task *model.CompileTask) {
	task.Unit.ResetRate(q.now())

	var slot int
	if n := len(q.free); n > 0 {
		slot = q.free[n-1]
		q.free = q.free[:n-1]
		q.slots[slot] = task
	} else {
		slot = len(q.slots)
		q.slots = append(q.slots, task)
	}
	q.seq++
	e := entry{seq: q.seq, slot: slot}
	q.order.ReplaceOrInsert(e)
	q.index[task] = e
	q.size.Store(int64(q.order.Len()))

	close(q.wake)
	q.wake = make(chan struct{})

	q.logger.Debug("task queued",
		"task_id", task.ID, "unit", task.Unit.Name, "tier", int(task.Tier),
		"entry", task.Entry.String(), "reason", string(task.Reason), "blocking", task.Blocking)
}

// removeLocked unlinks a task from the slab and the ordered index.
func (q *Queue) removeLocked(task *model.CompileTask) {
	e, ok := q.index[task]
	if !ok {
		return
	}
	delete(q.index, task)
	q.order.Delete(e)
	q.slots[e.slot] = nil
	q.free = append(q.free, e.slot)
	q.size.Store(int64(q.order.Len()))
}

// Wake releases every worker blocked in Get so it can re-check its state.
func (q *Queue) Wake() {
	q.mu.Lock()
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()
}

// Get blocks until a task is available and returns the hottest one in state
// SELECTED. It returns nil when idle passes without work, when ctx is done,
// when compilation is disabled forever, or when every pending task turned
// out to be stale.
func (q *Queue) Get(ctx context.Context, idle time.Duration) *model.CompileTask {
	q.mu.Lock()
	if q.order.Len() == 0 {
		timer := time.NewTimer(idle)
		defer timer.Stop()
		for q.order.Len() == 0 {
			if q.isDisabled() {
				q.mu.Unlock()
				return nil
			}
			wake := q.wake
			q.mu.Unlock()
			select {
			case <-wake:
			case <-timer.C:
				return nil
			case <-ctx.Done():
				return nil
			case <-q.disabled:
				return nil
			}
			q.mu.Lock()
		}
	}
	if q.isDisabled() {
		q.mu.Unlock()
		return nil
	}

	now := q.now()
	task := q.selectLocked(now)
	if task != nil {
		q.removeLocked(task)
		if err := task.Transition(model.TaskStateSelected, now); err != nil {
			q.logger.Error("select transition", "task_id", task.ID, "error", err)
		}
	}
	stale := q.takeStaleLocked()
	q.mu.Unlock()

	q.dispose(stale)
	return task
}

// Select returns the hottest pending task without removing it. Stale tasks
// found during the scan are evicted.
func (q *Queue) Select() *model.CompileTask {
	q.mu.Lock()
	task := q.selectLocked(q.now())
	stale := q.takeStaleLocked()
	q.mu.Unlock()
	q.dispose(stale)
	return task
}

// selectLocked refreshes every pending unit's rate and returns the task with
// the highest rate; ties go to the oldest task. Tasks allowed to go stale
// that are stale move to the stale list.
func (q *Queue) selectLocked(now time.Time) *model.CompileTask {
	s := q.settings.Load()
	var (
		best     *model.CompileTask
		bestRate float64
		evict    []*model.CompileTask
	)
	q.order.Ascend(func(e entry) bool {
		task := q.slots[e.slot]
		rate := task.Unit.UpdateRate(now, s.RateUpdateMinInterval, s.RateUpdateMaxInterval)
		if task.CanBecomeStale() && task.Unit.IsStale(now, s.StaleTimeout) {
			evict = append(evict, task)
			return true
		}
		if best == nil || rate > bestRate {
			best, bestRate = task, rate
		}
		return true
	})
	for _, task := range evict {
		q.removeLocked(task)
		q.stale.Add(task)
	}
	return best
}

// PurgeStale evicts every stale task and disposes of it outside the lock.
// Returns the number of evicted tasks.
func (q *Queue) PurgeStale() int {
	q.mu.Lock()
	now := q.now()
	timeout := q.settings.Load().StaleTimeout
	var evict []*model.CompileTask
	q.order.Ascend(func(e entry) bool {
		task := q.slots[e.slot]
		if task.CanBecomeStale() && task.Unit.IsStale(now, timeout) {
			evict = append(evict, task)
		}
		return true
	})
	for _, task := range evict {
		q.removeLocked(task)
		q.stale.Add(task)
	}
	stale := q.takeStaleLocked()
	q.mu.Unlock()
	q.dispose(stale)
	return len(stale)
}

// Drain removes every queued task and disposes of it as stale, then wakes
// all blocked workers.
func (q *Queue) Drain() int {
	q.mu.Lock()
	q.order.Ascend(func(e entry) bool {
		q.stale.Add(q.slots[e.slot])
		return true
	})
	q.order.Clear(false)
	clear(q.index)
	q.slots = q.slots[:0]
	q.free = q.free[:0]
	q.size.Store(0)
	stale := q.takeStaleLocked()
	close(q.wake)
	q.wake = make(chan struct{})
	q.mu.Unlock()

	q.dispose(stale)
	return len(stale)
}

// Snapshot lists queued tasks in insertion order.
func (q *Queue) Snapshot() []model.TaskInfo {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.TaskInfo, 0, q.order.Len())
	q.order.Ascend(func(e entry) bool {
		task := q.slots[e.slot]
		out = append(out, model.TaskInfo{
			ID:         task.ID,
			UnitID:     task.Unit.ID,
			UnitName:   task.Unit.Name,
			Tier:       task.Tier,
			Entry:      task.Entry.String(),
			Reason:     task.Reason,
			Blocking:   task.Blocking,
			Rate:       task.Unit.Rate(),
			EnqueuedAt: task.EnqueuedAt,
		})
		return true
	})
	return out
}

func (q *Queue) takeStaleLocked() []*model.CompileTask {
	if q.stale.Length() == 0 {
		return nil
	}
	out := make([]*model.CompileTask, 0, q.stale.Length())
	for q.stale.Length() > 0 {
		out = append(out, q.stale.Remove().(*model.CompileTask))
	}
	return out
}

func (q *Queue) dispose(tasks []*model.CompileTask) {
	for _, task := range tasks {
		q.logger.Debug("stale task purged", "task_id", task.ID, "unit", task.Unit.Name, "tier", int(task.Tier))
		q.onStale(task)
	}
}

func (q *Queue) isDisabled() bool {
	select {
	case <-q.disabled:
		return true
	default:
		return false
	}
}

func retireStale(task *model.CompileTask) {
	task.MarkComplete(model.Result{State: model.TaskStateStale}, time.Now())
	task.Unit.ClearQueued()
	task.Release(model.OwnerScheduler)
}
