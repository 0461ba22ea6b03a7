// Package health computes a read-only view of scheduler and pipeline state
// for operators. It never mutates rows; stuck locks are reported here even
// before the sweep reclaims them.
package health

import (
	"context"
	"time"

	"newsflow/internal/store"
)

// Monitor reads aggregates from the store. Timeout resolvers mirror the
// scheduler's so "stuck" means the same thing in both places.
type Monitor struct {
	st           *store.Store
	taskTimeout  func(taskType string) time.Duration
	stageTimeout func(stage string) time.Duration
}

func New(st *store.Store, taskTimeout, stageTimeout func(string) time.Duration) *Monitor {
	return &Monitor{st: st, taskTimeout: taskTimeout, stageTimeout: stageTimeout}
}

// TaskHealth merges a task's definition row with its execution history.
type TaskHealth struct {
	Type        string        `json:"type"`
	Status      string        `json:"status"`
	LastStatus  string        `json:"last_status"`
	FailCount   int           `json:"fail_count"`
	NextRunAt   time.Time     `json:"next_run_at,omitzero"`
	LastRunAt   time.Time     `json:"last_run_at,omitzero"`
	LockedBy    string        `json:"locked_by,omitempty"`
	LockedFor   time.Duration `json:"locked_for,omitempty"`
	Completed   int64         `json:"completed"`
	Failed      int64         `json:"failed"`
	AvgDuration time.Duration `json:"avg_duration,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

// StuckLock describes one lock held past its timeout.
type StuckLock struct {
	Kind      string        `json:"kind"` // "task" | "item"
	Name      string        `json:"name"` // task type or stage
	ID        int64         `json:"id"`
	SubjectID int64         `json:"subject_id,omitempty"`
	LockedBy  string        `json:"locked_by"`
	HeldFor   time.Duration `json:"held_for"`
	Timeout   time.Duration `json:"timeout"`
}

// Report is a full point-in-time health view.
type Report struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Healthy     bool               `json:"healthy"`
	Counters    store.TaskCounters `json:"counters"`
	Tasks       []TaskHealth       `json:"tasks"`
	Stuck       []StuckLock        `json:"stuck,omitempty"`
	Stages      []store.StageStat  `json:"stages,omitempty"`
	FailedItems []store.Item       `json:"failed_items,omitempty"`
}

// Report assembles the full view. Healthy means no stuck locks and no
// terminal pipeline failures awaiting operator action.
func (m *Monitor) Report(ctx context.Context) (Report, error) {
	now := m.st.Now()
	r := Report{GeneratedAt: now}

	counters, err := m.st.Counters(ctx)
	if err != nil {
		return r, err
	}
	r.Counters = counters

	tasks, err := m.st.ListTasks(ctx)
	if err != nil {
		return r, err
	}
	logStats, err := m.st.TaskLogStats(ctx)
	if err != nil {
		return r, err
	}
	statByType := make(map[string]store.TaskLogStat, len(logStats))
	for _, st := range logStats {
		statByType[st.TaskType] = st
	}
	for _, t := range tasks {
		h := TaskHealth{
			Type:       t.Type,
			Status:     t.Status,
			LastStatus: t.LastStatus,
			FailCount:  t.FailCount,
			NextRunAt:  t.NextRunAt,
			LastRunAt:  t.LastRunAt,
			LockedBy:   t.LockedBy,
			LastError:  t.LastError,
		}
		if t.Locked() {
			h.LockedFor = now.Sub(t.LockedAt)
		}
		if st, ok := statByType[t.Type]; ok {
			h.Completed = st.Completed
			h.Failed = st.Failed
			h.AvgDuration = st.AvgDuration
		}
		r.Tasks = append(r.Tasks, h)
	}

	stuckTasks, err := m.st.StuckTasks(ctx, m.taskTimeout)
	if err != nil {
		return r, err
	}
	for _, t := range stuckTasks {
		r.Stuck = append(r.Stuck, StuckLock{
			Kind:     "task",
			Name:     t.Type,
			ID:       t.ID,
			LockedBy: t.LockedBy,
			HeldFor:  now.Sub(t.LockedAt),
			Timeout:  m.taskTimeout(t.Type),
		})
	}
	stuckItems, err := m.st.StuckItems(ctx, m.stageTimeout)
	if err != nil {
		return r, err
	}
	for _, it := range stuckItems {
		r.Stuck = append(r.Stuck, StuckLock{
			Kind:      "item",
			Name:      it.Stage,
			ID:        it.ID,
			SubjectID: it.SubjectID,
			LockedBy:  it.LockedBy,
			HeldFor:   now.Sub(it.LockedAt),
			Timeout:   m.stageTimeout(it.Stage),
		})
	}

	r.Stages, err = m.st.StageStats(ctx)
	if err != nil {
		return r, err
	}
	r.FailedItems, err = m.st.FailedItems(ctx, 20)
	if err != nil {
		return r, err
	}

	r.Healthy = len(r.Stuck) == 0 && len(r.FailedItems) == 0
	return r, nil
}
