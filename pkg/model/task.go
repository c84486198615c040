package model

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Owner names the party that disposed of a task.
type Owner string

const (
	OwnerWorker    Owner = "worker"
	OwnerWaiter    Owner = "waiter"
	OwnerScheduler Owner = "scheduler"
)

// Result is the outcome of a CompileTask: installed code on success, the
// failure reason otherwise.
type Result struct {
	State   TaskState      `json:"state"`
	Code    *InstalledCode `json:"code,omitempty"`
	Failure error          `json:"-"`
}

// Err returns the failure of a non-completed result.
func (r Result) Err() error {
	if r.State == TaskStateCompleted {
		return nil
	}
	if r.Failure != nil {
		return r.Failure
	}
	return fmt.Errorf("task %s", r.State)
}

// CompileTask is one compilation request against a unit at a target tier.
//
// Identity fields are set at creation and never change. State moves only
// forward along ValidTaskTransitions under the task's own lock.
type CompileTask struct {
	ID         uint64
	Unit       *CompilationUnit
	Tier       Tier
	Entry      EntryKind
	OSRIndex   int
	Reason     Reason
	HotCount   int64
	Blocking   bool
	EnqueuedAt time.Time
	// Directives are per-request compiler options passed to the backend.
	Directives map[string]string

	mu          sync.Mutex
	state       TaskState
	result      Result
	completed   bool
	startedAt   time.Time
	completedAt time.Time

	// hasWaiter is set for blocking tasks before anyone waits. Whichever of
	// the waiter and the worker clears it first decides who releases the task.
	hasWaiter atomic.Bool
	done      chan Result

	released   bool
	releasedBy Owner
}

// NewCompileTask creates a task in state QUEUED.
func NewCompileTask(id uint64, u *CompilationUnit, tier Tier, entry EntryKind, reason Reason, blocking bool, now time.Time) *CompileTask {
	t := &CompileTask{
		ID:         id,
		Unit:       u,
		Tier:       tier,
		Entry:      entry,
		OSRIndex:   -1,
		Reason:     reason,
		Blocking:   blocking,
		EnqueuedAt: now,
		state:      TaskStateQueued,
	}
	if blocking {
		t.done = make(chan Result, 1)
		t.hasWaiter.Store(true)
	}
	return t
}

// CanBecomeStale reports whether the queue may evict this task when its unit
// goes cold. Blocking and explicitly requested tasks never become stale.
func (t *CompileTask) CanBecomeStale() bool {
	return !t.Blocking && t.Reason.CanBecomeStale()
}

// State returns the current state.
func (t *CompileTask) State() TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Transition moves the task to next, refusing transitions not listed in
// ValidTaskTransitions.
func (t *CompileTask) Transition(next TaskState, now time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transitionLocked(next, now)
}

func (t *CompileTask) transitionLocked(next TaskState, now time.Time) error {
	if !t.state.CanTransitionTo(next) {
		return &InvalidTransitionError{TaskID: t.ID, From: t.state, To: next}
	}
	t.state = next
	if next == TaskStateCompiling {
		t.startedAt = now
	}
	return nil
}

// MarkComplete moves the task to the terminal state of res and stores the
// result. Completing a task twice is a programming error and panics.
func (t *CompileTask) MarkComplete(res Result, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.completed {
		panic(fmt.Sprintf("compile task %d completed twice", t.ID))
	}
	if !res.State.IsTerminal() {
		panic(fmt.Sprintf("compile task %d completed with non-terminal state %s", t.ID, res.State))
	}
	if err := t.transitionLocked(res.State, now); err != nil {
		panic(err)
	}
	t.completed = true
	t.completedAt = now
	t.result = res
}

// IsComplete reports whether MarkComplete has run.
func (t *CompileTask) IsComplete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Result returns the stored result. Only meaningful once IsComplete is true.
func (t *CompileTask) Result() Result {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Times returns when compilation started and finished; zero when it did not
// happen.
func (t *CompileTask) Times() (started, completed time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt, t.completedAt
}

// HasWaiter reports whether a blocking caller still owns the wait.
func (t *CompileTask) HasWaiter() bool { return t.hasWaiter.Load() }

// ClearWaiter clears the waiter flag and reports whether this call cleared it.
func (t *CompileTask) ClearWaiter() bool { return t.hasWaiter.CompareAndSwap(true, false) }

// Deliver hands the result to the waiting caller. Only the party that won
// ClearWaiter on the worker side may call it, so the buffered send never blocks.
func (t *CompileTask) Deliver(res Result) {
	t.done <- res
}

// Done returns the channel a blocking caller receives its result from. Nil
// for non-blocking tasks.
func (t *CompileTask) Done() <-chan Result { return t.done }

// Release disposes of the task. Exactly one owner may release a task;
// a second release panics.
func (t *CompileTask) Release(by Owner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.released {
		panic(fmt.Sprintf("compile task %d released twice (by %s, then %s)", t.ID, t.releasedBy, by))
	}
	t.released = true
	t.releasedBy = by
}

// Released reports whether the task was released and by whom.
func (t *CompileTask) Released() (bool, Owner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.released, t.releasedBy
}
