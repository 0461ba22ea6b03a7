package store

import "time"

// Task control status.
const (
	TaskActive   = "active"
	TaskPaused   = "paused"
	TaskInactive = "inactive"
)

// Last-outcome status for a task, and per-run status for logs.
const (
	RunReady     = "ready"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// Queue item status.
const (
	ItemPending = "pending"
	ItemRunning = "running"
	ItemDone    = "done"
	ItemFailed  = "failed"
)

// Task is one recurring task definition plus its live scheduling state.
// A type usually has one row, but nothing forbids several; the claim path
// counts locked rows per type against max_concurrent_runs either way.
type Task struct {
	ID                int64
	Type              string
	SchedulePattern   string
	Status            string
	MaxConcurrentRuns int
	NextRunAt         time.Time // zero when unset
	LastRunAt         time.Time
	LockedAt          time.Time
	LockedBy          string
	LastStatus        string
	LastError         string
	FailCount         int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Locked reports whether some worker currently holds this task.
func (t Task) Locked() bool { return !t.LockedAt.IsZero() }

// TaskLog is one execution record. Immutable once written.
type TaskLog struct {
	ID           int64
	TaskID       int64
	TaskType     string
	Status       string
	StartedAt    time.Time
	FinishedAt   time.Time
	LockedBy     string
	ErrorMessage string
}

// Item is one unit of staged pipeline work. A subject gets a fresh row per
// stage; rows are never reused across stages.
type Item struct {
	ID           int64
	SubjectID    int64
	Stage        string
	Status       string
	AttemptCount int
	MaxAttempts  int
	NextRunAt    time.Time
	LockedAt     time.Time
	LockedBy     string
	Result       string
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	UpdatedAt    time.Time
}

// StageStat is one row of the queue_stage_stats view.
type StageStat struct {
	Stage         string
	Status        string
	Count         int64
	OldestCreated time.Time
	NewestCreated time.Time
	AvgDuration   time.Duration // zero when no finished rows
}

// TaskCounters are the aggregate numbers the scheduler emits each tick.
type TaskCounters struct {
	Active int64
	Due    int64
	Locked int64
	Failed int64 // last_status = failed
}
