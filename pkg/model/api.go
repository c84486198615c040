package model

import "time"

// Response is the standard admin API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures history queries with pagination and filtering.
type ListOptions struct {
	Limit  int
	Offset int
	RunID  string    // Optional run filter
	State  TaskState // Optional state filter
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 20, Offset: 0}
}

// Clamp enforces limits (max 100, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// TaskInfo is a point-in-time view of a queued task.
type TaskInfo struct {
	ID         uint64    `json:"id"`
	UnitID     UnitID    `json:"unit_id"`
	UnitName   string    `json:"unit_name"`
	Tier       Tier      `json:"tier"`
	Entry      string    `json:"entry"`
	Reason     Reason    `json:"reason"`
	Blocking   bool      `json:"blocking"`
	Rate       float64   `json:"rate"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// ClassInfo summarizes the queue and worker pool of one backend class.
type ClassInfo struct {
	Class      string     `json:"class"`
	QueueSize  int        `json:"queue_size"`
	Workers    int        `json:"workers"`
	MaxWorkers int        `json:"max_workers"`
	Tasks      []TaskInfo `json:"tasks,omitempty"`
}

// CompileRecord is the persisted history entry of a retired task.
type CompileRecord struct {
	RunID       string     `json:"run_id"`
	TaskID      uint64     `json:"task_id"`
	UnitID      UnitID     `json:"unit_id"`
	UnitName    string     `json:"unit_name"`
	Tier        Tier       `json:"tier"`
	Entry       string     `json:"entry"`
	Reason      Reason     `json:"reason"`
	Blocking    bool       `json:"blocking"`
	State       TaskState  `json:"state"`
	Failure     string     `json:"failure,omitempty"`
	ReleasedBy  Owner      `json:"released_by"`
	CodeSize    uint64     `json:"code_size"`
	EnqueuedAt  time.Time  `json:"enqueued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt time.Time  `json:"completed_at"`
}

// Run is one scheduler session recorded in the history store.
type Run struct {
	ID        string     `json:"id"`
	Label     string     `json:"label"`
	Config    string     `json:"config"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

// RunSummary counts retired tasks of a run by state.
type RunSummary struct {
	RunID    string            `json:"run_id"`
	ByState  map[TaskState]int `json:"by_state"`
	ByTier   map[Tier]int      `json:"by_tier"`
	CodeSize uint64            `json:"code_size"`
}
