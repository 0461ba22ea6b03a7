package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	logx "newsflow/pkg/logx"
)

const itemColumns = `id, subject_id, stage, status, attempt_count, max_attempts,
	next_run_at, locked_at, locked_by, result, error_message,
	created_at, started_at, finished_at, updated_at`

func scanItem(row interface{ Scan(...any) error }) (Item, error) {
	var (
		it                       Item
		nextRun, lockedAt        sql.NullInt64
		startedAt, finishedAt    sql.NullInt64
		lockedBy, result, errMsg sql.NullString
		createdAt, updatedAt     int64
	)
	err := row.Scan(&it.ID, &it.SubjectID, &it.Stage, &it.Status, &it.AttemptCount, &it.MaxAttempts,
		&nextRun, &lockedAt, &lockedBy, &result, &errMsg,
		&createdAt, &startedAt, &finishedAt, &updatedAt)
	if err != nil {
		return Item{}, err
	}
	it.NextRunAt = msTime(nextRun)
	it.LockedAt = msTime(lockedAt)
	it.LockedBy = strOr(lockedBy)
	it.Result = strOr(result)
	it.ErrorMessage = strOr(errMsg)
	it.CreatedAt = time.UnixMilli(createdAt).UTC()
	it.StartedAt = msTime(startedAt)
	it.FinishedAt = msTime(finishedAt)
	it.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	return it, nil
}

// Enqueue inserts a pending item for (subject, stage). When a live row for
// the pair already exists the insert is suppressed by the partial unique
// index and Enqueue reports created=false. Safe for at-least-once producers.
func (s *Store) Enqueue(ctx context.Context, subjectID int64, stage string, maxAttempts int) (created bool, err error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	now := s.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO pipeline_queue
		   (subject_id, stage, status, attempt_count, max_attempts, next_run_at, created_at, updated_at)
		 VALUES (?, ?, 'pending', 0, ?, ?, ?, ?)`,
		subjectID, stage, maxAttempts, now, now, now)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *Store) GetItem(ctx context.Context, id int64) (Item, error) {
	it, err := scanItem(s.db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM pipeline_queue WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	return it, err
}

// ClaimItem atomically takes the oldest ripe pending item of a stage.
// Returns ErrNotFound when the stage has no ripe work.
func (s *Store) ClaimItem(ctx context.Context, stage, workerID string) (Item, error) {
	now := s.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Item{}, err
	}
	defer tx.Rollback()

	it, err := scanItem(tx.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM pipeline_queue
		 WHERE stage = ? AND status = 'pending'
		   AND (next_run_at IS NULL OR next_run_at <= ?)
		 ORDER BY id ASC
		 LIMIT 1`,
		stage, now.UnixMilli()))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE pipeline_queue
		 SET status = 'running', locked_at = ?, locked_by = ?, started_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		now.UnixMilli(), workerID, now.UnixMilli(), now.UnixMilli(), it.ID)
	if err != nil {
		return Item{}, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return Item{}, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return Item{}, err
	}

	it.Status = ItemRunning
	it.LockedAt = now
	it.LockedBy = workerID
	it.StartedAt = now
	return it, nil
}

// MarkDone finishes a running item and, when nextStage is non-empty,
// enqueues the subject into it inside the same transaction. A suppressed
// duplicate insert is a success, reported via advanced=false.
func (s *Store) MarkDone(ctx context.Context, it Item, result, nextStage string, nextMaxAttempts int) (advanced bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	now := s.Now().UnixMilli()
	res, err := tx.ExecContext(ctx,
		`UPDATE pipeline_queue
		 SET status = 'done', locked_at = NULL, locked_by = NULL, result = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running' AND locked_by = ?`,
		nullStr(result), now, now, it.ID, it.LockedBy)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, fmt.Errorf("item %d: lock lost before completion", it.ID)
	}

	if nextStage != "" {
		if nextMaxAttempts < 1 {
			nextMaxAttempts = 1
		}
		ins, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO pipeline_queue
			   (subject_id, stage, status, attempt_count, max_attempts, next_run_at, created_at, updated_at)
			 VALUES (?, ?, 'pending', 0, ?, ?, ?, ?)`,
			it.SubjectID, nextStage, nextMaxAttempts, now, now, now)
		if err != nil {
			return false, err
		}
		n, _ := ins.RowsAffected()
		advanced = n == 1
	}
	return advanced, tx.Commit()
}

// MarkFailed records a failed attempt. While the incremented attempt_count
// stays within max_attempts the item returns to pending at the given retry
// time; past it the item terminal-fails. Reports terminal=true in that case.
func (s *Store) MarkFailed(ctx context.Context, it Item, errMsg string, retryAt time.Time) (terminal bool, err error) {
	if errMsg == "" {
		errMsg = "unknown error"
	}
	now := s.Now().UnixMilli()
	newCount := it.AttemptCount + 1
	if newCount <= it.MaxAttempts {
		res, err := s.db.ExecContext(ctx,
			`UPDATE pipeline_queue
			 SET status = 'pending', attempt_count = ?, error_message = ?,
			     locked_at = NULL, locked_by = NULL, next_run_at = ?, updated_at = ?
			 WHERE id = ? AND status = 'running' AND locked_by = ?`,
			newCount, errMsg, retryAt.UnixMilli(), now, it.ID, it.LockedBy)
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return false, fmt.Errorf("item %d: lock lost before failure record", it.ID)
		}
		return false, nil
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_queue
		 SET status = 'failed', attempt_count = ?, error_message = ?,
		     locked_at = NULL, locked_by = NULL, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running' AND locked_by = ?`,
		newCount, errMsg, now, now, it.ID, it.LockedBy)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return false, fmt.Errorf("item %d: lock lost before failure record", it.ID)
	}
	return true, nil
}

// SweepItemLocks recovers items whose worker died mid-run. The crashed
// attempt counts: attempt_count is bumped exactly once per reclaim (CAS on
// the observed locked_at), and an item past its attempt budget
// terminal-fails instead of returning to pending.
func (s *Store) SweepItemLocks(ctx context.Context, timeoutFor func(stage string) time.Duration) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stage, attempt_count, max_attempts, locked_at, locked_by
		 FROM pipeline_queue WHERE status = 'running' AND locked_at IS NOT NULL`)
	if err != nil {
		return 0, err
	}

	type held struct {
		id          int64
		stage       string
		attempts    int
		maxAttempts int
		lockedAt    int64
		lockedBy    string
	}
	var candidates []held
	for rows.Next() {
		var h held
		var by sql.NullString
		if err := rows.Scan(&h.id, &h.stage, &h.attempts, &h.maxAttempts, &h.lockedAt, &by); err != nil {
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
		if age <= timeoutFor(h.stage) {
			continue
		}
		msg := fmt.Sprintf("lock expired after %s (held by %s)", age.Truncate(time.Second), h.lockedBy)
		var (
			res sql.Result
			err error
		)
		if h.attempts+1 <= h.maxAttempts {
			res, err = s.db.ExecContext(ctx,
				`UPDATE pipeline_queue
				 SET status = 'pending', attempt_count = attempt_count + 1, error_message = ?,
				     locked_at = NULL, locked_by = NULL, next_run_at = ?, updated_at = ?
				 WHERE id = ? AND status = 'running' AND locked_at = ?`,
				msg, now.UnixMilli(), now.UnixMilli(), h.id, h.lockedAt)
		} else {
			res, err = s.db.ExecContext(ctx,
				`UPDATE pipeline_queue
				 SET status = 'failed', attempt_count = attempt_count + 1, error_message = ?,
				     locked_at = NULL, finished_at = ?, updated_at = ?
				 WHERE id = ? AND status = 'running' AND locked_at = ?`,
				msg, now.UnixMilli(), now.UnixMilli(), h.id, h.lockedAt)
		}
		if err != nil {
			return reclaimed, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			reclaimed++
			s.log.Warn("reclaimed stale queue lock",
				logx.String("stage", h.stage),
				logx.Int64("item_id", h.id),
				logx.String("held_by", h.lockedBy),
				logx.Duration("age", age))
		}
	}
	return reclaimed, nil
}

// ResetStuck is the operator variant of the sweep: it resets running items
// older than age back to pending without charging an attempt. Empty stage
// means all stages.
func (s *Store) ResetStuck(ctx context.Context, stage string, age time.Duration) (int64, error) {
	now := s.Now()
	cutoff := now.Add(-age).UnixMilli()
	query := `UPDATE pipeline_queue
	          SET status = 'pending', locked_at = NULL, locked_by = NULL, next_run_at = ?, updated_at = ?
	          WHERE status = 'running' AND locked_at IS NOT NULL AND locked_at < ?`
	args := []any{now.UnixMilli(), now.UnixMilli(), cutoff}
	if stage != "" {
		query += ` AND stage = ?`
		args = append(args, stage)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StageStats reads the queue_stage_stats view.
func (s *Store) StageStats(ctx context.Context) ([]StageStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, status, cnt, oldest_created_at, newest_created_at, avg_duration_ms
		 FROM queue_stage_stats ORDER BY stage, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StageStat
	for rows.Next() {
		var (
			st             StageStat
			oldest, newest sql.NullInt64
			avg            sql.NullFloat64
		)
		if err := rows.Scan(&st.Stage, &st.Status, &st.Count, &oldest, &newest, &avg); err != nil {
			return nil, err
		}
		st.OldestCreated = msTime(oldest)
		st.NewestCreated = msTime(newest)
		if avg.Valid {
			st.AvgDuration = time.Duration(avg.Float64) * time.Millisecond
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// SubjectItems returns every row a subject has accumulated, in stage order
// of creation. Used by operators to trace one subject through the pipeline.
func (s *Store) SubjectItems(ctx context.Context, subjectID int64) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM pipeline_queue WHERE subject_id = ? ORDER BY id ASC`,
		subjectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// FailedItems lists terminal failures, newest first, for operator review.
func (s *Store) FailedItems(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+itemColumns+` FROM pipeline_queue
		 WHERE status = 'failed' ORDER BY finished_at DESC, id DESC LIMIT ?`,
		limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
