package store

import (
	"context"
	"database/sql"
	"time"
)

// TaskLogStat aggregates the execution history of one task type.
type TaskLogStat struct {
	TaskType    string
	Completed   int64
	Failed      int64
	LastRun     time.Time
	AvgDuration time.Duration // completed runs only
}

// TaskLogStats aggregates scheduled_task_logs per task type.
func (s *Store) TaskLogStats(ctx context.Context) ([]TaskLogStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_type,
		        COUNT(CASE WHEN status = 'completed' THEN 1 END),
		        COUNT(CASE WHEN status = 'failed' THEN 1 END),
		        MAX(started_at),
		        AVG(CASE WHEN status = 'completed' AND finished_at IS NOT NULL
		                 THEN finished_at - started_at END)
		 FROM scheduled_task_logs
		 GROUP BY task_type
		 ORDER BY task_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskLogStat
	for rows.Next() {
		var (
			st      TaskLogStat
			lastRun sql.NullInt64
			avg     sql.NullFloat64
		)
		if err := rows.Scan(&st.TaskType, &st.Completed, &st.Failed, &lastRun, &avg); err != nil {
			return nil, err
		}
		st.LastRun = msTime(lastRun)
		if avg.Valid {
			st.AvgDuration = time.Duration(avg.Float64) * time.Millisecond
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// StuckTasks lists locked tasks past their per-type timeout without
// mutating them. This reports a stuck lock even before the sweep runs.
func (s *Store) StuckTasks(ctx context.Context, timeoutFor func(taskType string) time.Duration) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE locked_at IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := s.Now()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		if now.Sub(t.LockedAt) > timeoutFor(t.Type) {
			out = append(out, t)
		}
	}
	return out, rows.Err()
}

// StuckItems lists running queue items past their per-stage timeout,
// read-only, regardless of whether the sweep has caught them yet.
func (s *Store) StuckItems(ctx context.Context, timeoutFor func(stage string) time.Duration) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM pipeline_queue
		 WHERE status = 'running' AND locked_at IS NOT NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	now := s.Now()
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		if now.Sub(it.LockedAt) > timeoutFor(it.Stage) {
			out = append(out, it)
		}
	}
	return out, rows.Err()
}
