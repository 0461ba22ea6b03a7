package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	logx "newsflow/pkg/logx"
)

const taskColumns = `id, task_type, schedule_pattern, status, max_concurrent_runs,
	next_run_at, last_run_at, locked_at, locked_by,
	last_status, last_error, fail_count, created_at, updated_at`

func scanTask(row interface{ Scan(...any) error }) (Task, error) {
	var (
		t                          Task
		nextRun, lastRun, lockedAt sql.NullInt64
		lockedBy, lastErr          sql.NullString
		createdAt, updatedAt       int64
	)
	err := row.Scan(&t.ID, &t.Type, &t.SchedulePattern, &t.Status, &t.MaxConcurrentRuns,
		&nextRun, &lastRun, &lockedAt, &lockedBy,
		&t.LastStatus, &lastErr, &t.FailCount, &createdAt, &updatedAt)
	if err != nil {
		return Task{}, err
	}
	t.NextRunAt = msTime(nextRun)
	t.LastRunAt = msTime(lastRun)
	t.LockedAt = msTime(lockedAt)
	t.LockedBy = strOr(lockedBy)
	t.LastError = strOr(lastErr)
	t.CreatedAt = time.UnixMilli(createdAt).UTC()
	t.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return t, nil
}

// SeedTask makes sure a definition row exists for the given type and keeps
// its pattern and cap in sync with configuration. Existing rows keep their
// control status so a paused task stays paused across restarts.
func (s *Store) SeedTask(ctx context.Context, taskType, pattern string, maxConcurrent int) error {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	now := s.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks
		 SET schedule_pattern = ?, max_concurrent_runs = ?, updated_at = ?
		 WHERE task_type = ?`,
		pattern, maxConcurrent, now, taskType)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	// Guarded insert so two processes seeding at once create one row.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_tasks (task_type, schedule_pattern, status, max_concurrent_runs, last_status, created_at, updated_at)
		 SELECT ?, ?, 'active', ?, 'ready', ?, ?
		 WHERE NOT EXISTS (SELECT 1 FROM scheduled_tasks WHERE task_type = ?)`,
		taskType, pattern, maxConcurrent, now, now, taskType)
	return err
}

func (s *Store) ListTasks(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY task_type, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetTask(ctx context.Context, id int64) (Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	return t, err
}

// TasksNeedingSchedule returns active tasks whose next_run_at is unset or
// already consumed (last_run_at caught up to it). The scheduler recomputes
// next_run_at for exactly these.
func (s *Store) TasksNeedingSchedule(ctx context.Context) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks
		 WHERE status = 'active'
		   AND (next_run_at IS NULL
		        OR (last_run_at IS NOT NULL AND last_run_at >= next_run_at))`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetNextRun writes a scheduler-computed due time. The guard repeats the
// needs-schedule condition so a concurrent worker's backoff write (which
// sets next_run_at directly) is never clobbered by a stale tick.
func (s *Store) SetNextRun(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks
		 SET next_run_at = ?, updated_at = ?
		 WHERE id = ?
		   AND (next_run_at IS NULL
		        OR (last_run_at IS NOT NULL AND last_run_at >= next_run_at))`,
		at.UnixMilli(), s.Now().UnixMilli(), id)
	return err
}

// ClaimDueTask atomically locks one due task for the calling worker.
// Selection is oldest-due-first among active, unlocked rows whose type is
// below its concurrency cap. Returns ErrNotFound when nothing is claimable.
//
// The cap check and the lock write run in one transaction, and the update
// re-checks locked_at IS NULL, so racing claimants cannot double-claim a
// row or push a type past max_concurrent_runs.
func (s *Store) ClaimDueTask(ctx context.Context, workerID string) (Task, error) {
	now := s.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, err
	}
	defer tx.Rollback()

	t, err := scanTask(tx.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM scheduled_tasks AS t
		 WHERE t.status = 'active'
		   AND t.locked_at IS NULL
		   AND t.next_run_at IS NOT NULL
		   AND t.next_run_at <= ?
		   AND (SELECT COUNT(*) FROM scheduled_tasks AS held
		        WHERE held.task_type = t.task_type AND held.locked_at IS NOT NULL)
		       < t.max_concurrent_runs
		 ORDER BY t.next_run_at ASC
		 LIMIT 1`,
		now.UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE scheduled_tasks
		 SET locked_at = ?, locked_by = ?, last_status = 'running', updated_at = ?
		 WHERE id = ? AND locked_at IS NULL`,
		now.UnixMilli(), workerID, now.UnixMilli(), t.ID)
	if err != nil {
		return Task{}, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		// Lost the race to another claimant between select and update.
		return Task{}, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return Task{}, err
	}

	t.LockedAt = now
	t.LockedBy = workerID
	t.LastStatus = RunRunning
	return t, nil
}

// CompleteTask releases the lock after a successful run, resets the failure
// streak and appends the execution log, all in one transaction. next_run_at
// is left untouched for the scheduler to recompute.
func (s *Store) CompleteTask(ctx context.Context, t Task, startedAt, finishedAt time.Time) error {
	return s.finishTask(ctx, t, startedAt, finishedAt, "", time.Time{})
}

// FailTask releases the lock after a failed run, bumps fail_count and sets
// next_run_at to the caller-computed retry time.
func (s *Store) FailTask(ctx context.Context, t Task, startedAt, finishedAt time.Time, errMsg string, nextRun time.Time) error {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	return s.finishTask(ctx, t, startedAt, finishedAt, errMsg, nextRun)
}

func (s *Store) finishTask(ctx context.Context, t Task, startedAt, finishedAt time.Time, errMsg string, nextRun time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := s.Now().UnixMilli()
	if errMsg == "" {
		_, err = tx.ExecContext(ctx,
			`UPDATE scheduled_tasks
			 SET locked_at = NULL, locked_by = NULL,
			     last_status = 'completed', last_error = NULL,
			     fail_count = 0, last_run_at = ?, updated_at = ?
			 WHERE id = ? AND locked_by = ?`,
			finishedAt.UnixMilli(), now, t.ID, t.LockedBy)
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE scheduled_tasks
			 SET locked_at = NULL, locked_by = NULL,
			     last_status = 'failed', last_error = ?,
			     fail_count = fail_count + 1, next_run_at = ?, updated_at = ?
			 WHERE id = ? AND locked_by = ?`,
			errMsg, nullMS(nextRun), now, t.ID, t.LockedBy)
	}
	if err != nil {
		return err
	}

	status := RunCompleted
	if errMsg != "" {
		status = RunFailed
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO scheduled_task_logs (task_id, task_type, status, started_at, finished_at, locked_by, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, status, startedAt.UnixMilli(), finishedAt.UnixMilli(),
		nullStr(t.LockedBy), nullStr(errMsg))
	if err != nil {
		return err
	}
	return tx.Commit()
}

// SweepTaskLocks reclaims locks held longer than their per-type timeout.
// Each reclaim is a compare-and-set on the observed locked_at, so a crashed
// run is counted as failed exactly once even with concurrent sweepers.
func (s *Store) SweepTaskLocks(ctx context.Context, timeoutFor func(taskType string) time.Duration) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_type, locked_at, locked_by FROM scheduled_tasks
		 WHERE locked_at IS NOT NULL`)
	if err != nil {
		return 0, err
	}

	type held struct {
		id       int64
		taskType string
		lockedAt int64
		lockedBy string
	}
	var candidates []held
	for rows.Next() {
		var h held
		var by sql.NullString
		if err := rows.Scan(&h.id, &h.taskType, &h.lockedAt, &by); err != nil {
			rows.Close()
			return 0, err
		}
		h.lockedBy = strOr(by)
		candidates = append(candidates, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := s.Now()
	reclaimed := 0
	for _, h := range candidates {
		age := now.Sub(time.UnixMilli(h.lockedAt))
		if age <= timeoutFor(h.taskType) {
			continue
		}
		msg := fmt.Sprintf("lock expired after %s (held by %s)", age.Truncate(time.Second), h.lockedBy)
		res, err := s.db.ExecContext(ctx,
			`UPDATE scheduled_tasks
			 SET locked_at = NULL, locked_by = NULL,
			     last_status = 'failed', last_error = ?,
			     fail_count = fail_count + 1, updated_at = ?
			 WHERE id = ? AND locked_at = ?`,
			msg, now.UnixMilli(), h.id, h.lockedAt)
		if err != nil {
			return reclaimed, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			reclaimed++
			s.log.Warn("reclaimed stale task lock",
				logx.String("task_type", h.taskType),
				logx.Int64("task_id", h.id),
				logx.String("held_by", h.lockedBy),
				logx.Duration("age", age))
		}
	}
	return reclaimed, nil
}

// Counters aggregates task state for the scheduler's per-tick observability line.
func (s *Store) Counters(ctx context.Context) (TaskCounters, error) {
	var c TaskCounters
	err := s.db.QueryRowContext(ctx,
		`SELECT
		   COUNT(CASE WHEN status = 'active' THEN 1 END),
		   COUNT(CASE WHEN status = 'active' AND locked_at IS NULL
		              AND next_run_at IS NOT NULL AND next_run_at <= ? THEN 1 END),
		   COUNT(CASE WHEN locked_at IS NOT NULL THEN 1 END),
		   COUNT(CASE WHEN last_status = 'failed' THEN 1 END)
		 FROM scheduled_tasks`,
		s.Now().UnixMilli()).
		Scan(&c.Active, &c.Due, &c.Locked, &c.Failed)
	return c, err
}

// Operator actions. All address every row of a task type and report how
// many rows changed; zero means the type is unknown (or already in the
// requested state).

func (s *Store) PauseTask(ctx context.Context, taskType string) (int64, error) {
	return s.execByType(ctx,
		`UPDATE scheduled_tasks SET status = 'paused', updated_at = ? WHERE task_type = ? AND status = 'active'`,
		taskType)
}

func (s *Store) ResumeTask(ctx context.Context, taskType string) (int64, error) {
	return s.execByType(ctx,
		`UPDATE scheduled_tasks SET status = 'active', updated_at = ? WHERE task_type = ? AND status = 'paused'`,
		taskType)
}

// ForceRun makes the type due immediately. The next worker poll picks it up.
func (s *Store) ForceRun(ctx context.Context, taskType string) (int64, error) {
	now := s.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_tasks SET next_run_at = ?, updated_at = ? WHERE task_type = ?`,
		now-1, now, taskType)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnlockTask force-clears lock fields for a type. Operator escape hatch for
// a lock the sweep has not reclaimed yet.
func (s *Store) UnlockTask(ctx context.Context, taskType string) (int64, error) {
	return s.execByType(ctx,
		`UPDATE scheduled_tasks SET locked_at = NULL, locked_by = NULL, updated_at = ? WHERE task_type = ? AND locked_at IS NOT NULL`,
		taskType)
}

// ResetFailures clears failure streaks. Empty taskType resets every task.
func (s *Store) ResetFailures(ctx context.Context, taskType string) (int64, error) {
	if taskType == "" {
		res, err := s.db.ExecContext(ctx,
			`UPDATE scheduled_tasks SET fail_count = 0, last_error = NULL, status = 'active', updated_at = ?
			 WHERE fail_count > 0 OR status = 'paused'`,
			s.Now().UnixMilli())
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	}
	return s.execByType(ctx,
		`UPDATE scheduled_tasks SET fail_count = 0, last_error = NULL, status = 'active', updated_at = ? WHERE task_type = ?`,
		taskType)
}

func (s *Store) execByType(ctx context.Context, query, taskType string) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, s.Now().UnixMilli(), taskType)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// RecentLogs returns the newest execution records, optionally filtered by type.
func (s *Store) RecentLogs(ctx context.Context, taskType string, limit int) ([]TaskLog, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, task_id, task_type, status, started_at, finished_at, locked_by, error_message
	          FROM scheduled_task_logs`
	args := []any{}
	if taskType != "" {
		query += ` WHERE task_type = ?`
		args = append(args, taskType)
	}
	query += ` ORDER BY started_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskLog
	for rows.Next() {
		var (
			l                TaskLog
			startedAt        int64
			finishedAt       sql.NullInt64
			lockedBy, errMsg sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.TaskID, &l.TaskType, &l.Status, &startedAt, &finishedAt, &lockedBy, &errMsg); err != nil {
			return nil, err
		}
		l.StartedAt = time.UnixMilli(startedAt).UTC()
		l.FinishedAt = msTime(finishedAt)
		l.LockedBy = strOr(lockedBy)
		l.ErrorMessage = strOr(errMsg)
		out = append(out, l)
	}
	return out, rows.Err()
}

// CleanupLogs deletes execution records older than the retention window.
func (s *Store) CleanupLogs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM scheduled_task_logs WHERE started_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
