package model

// TaskState represents the lifecycle state of a CompileTask.
type TaskState string

const (
	TaskStateQueued    TaskState = "QUEUED"
	TaskStateSelected  TaskState = "SELECTED"
	TaskStateCompiling TaskState = "COMPILING"
	TaskStateCompleted TaskState = "COMPLETED"
	TaskStateFailed    TaskState = "FAILED"
	TaskStateStale     TaskState = "STALE"
)

// String returns the string representation of the task state.
func (s TaskState) String() string {
	return string(s)
}

// IsTerminal returns true if the task is in a final state.
func (s TaskState) IsTerminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateStale:
		return true
	}
	return false
}

// ValidTaskTransitions defines the allowed state transitions for CompileTasks.
// STALE is only reachable from QUEUED: once selected, a task always reaches a
// backend or fails.
var ValidTaskTransitions = map[TaskState][]TaskState{
	TaskStateQueued:    {TaskStateSelected, TaskStateStale},
	TaskStateSelected:  {TaskStateCompiling, TaskStateFailed},
	TaskStateCompiling: {TaskStateCompleted, TaskStateFailed},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s TaskState) CanTransitionTo(next TaskState) bool {
	for _, allowed := range ValidTaskTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
