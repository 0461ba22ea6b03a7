package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"newsflow/internal/store"
	logx "newsflow/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.cur = c.cur.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, cfg Config) (*Service, *store.Store, *fakeClock) {
	t.Helper()
	st, err := store.Open(store.Config{
		Path:        filepath.Join(t.TempDir(), "sched.db"),
		BusyTimeout: 5 * time.Second,
	}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	clk := &fakeClock{cur: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	st.SetClock(clk.Now)
	return New(cfg, st, logx.Nop()), st, clk
}

func taskByType(t *testing.T, st *store.Store, taskType string) store.Task {
	t.Helper()
	tasks, err := st.ListTasks(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, tk := range tasks {
		if tk.Type == taskType {
			return tk
		}
	}
	t.Fatalf("task %q not found", taskType)
	return store.Task{}
}

func TestUpdateSchedulesAssignsNextRun(t *testing.T) {
	t.Parallel()
	s, st, _ := newTestService(t, Config{})
	ctx := context.Background()

	if err := st.SeedTask(ctx, "refresh_feeds", "10m", 1); err != nil {
		t.Fatal(err)
	}
	if err := st.SeedTask(ctx, "daily_report", "0 6 * * *", 1); err != nil {
		t.Fatal(err)
	}
	if err := st.SeedTask(ctx, "broken", "never o'clock", 1); err != nil {
		t.Fatal(err)
	}

	if err := s.updateSchedules(ctx); err != nil {
		t.Fatal(err)
	}

	now := st.Now()
	feeds := taskByType(t, st, "refresh_feeds")
	if want := now.Add(10 * time.Minute); !feeds.NextRunAt.Equal(want) {
		t.Errorf("interval task with no prior run: next = %v, want %v", feeds.NextRunAt, want)
	}
	daily := taskByType(t, st, "daily_report")
	want := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	if !daily.NextRunAt.Equal(want) {
		t.Errorf("cron task: next = %v, want %v", daily.NextRunAt, want)
	}
	// The malformed pattern is skipped, not fatal.
	if got := taskByType(t, st, "broken"); !got.NextRunAt.IsZero() {
		t.Errorf("broken pattern got a schedule: %v", got.NextRunAt)
	}
}

func TestUpdateSchedulesLeavesPendingRetryAlone(t *testing.T) {
	t.Parallel()
	s, st, clk := newTestService(t, Config{})
	ctx := context.Background()

	if err := st.SeedTask(ctx, "refresh_feeds", "10m", 1); err != nil {
		t.Fatal(err)
	}
	if err := s.updateSchedules(ctx); err != nil {
		t.Fatal(err)
	}
	clk.Advance(10 * time.Minute)

	// A worker fails the run; FailTask writes a backoff retry time.
	task, err := st.ClaimDueTask(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	started := st.Now()
	clk.Advance(3 * time.Second)
	retryAt := st.Now().Add(time.Minute)
	if err := st.FailTask(ctx, task, started, st.Now(), "boom", retryAt); err != nil {
		t.Fatal(err)
	}

	// Until that retry is consumed the scheduler must not reschedule over it.
	if err := s.updateSchedules(ctx); err != nil {
		t.Fatal(err)
	}
	got := taskByType(t, st, "refresh_feeds")
	if !got.NextRunAt.Equal(retryAt) {
		t.Errorf("retry time clobbered: next = %v, want %v", got.NextRunAt, retryAt)
	}

	// After the retry runs, the task needs a schedule again.
	clk.Advance(2 * time.Minute)
	task, err = st.ClaimDueTask(ctx, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.CompleteTask(ctx, task, st.Now(), st.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.updateSchedules(ctx); err != nil {
		t.Fatal(err)
	}
	got = taskByType(t, st, "refresh_feeds")
	want := got.LastRunAt.Add(10 * time.Minute)
	if !got.NextRunAt.Equal(want) {
		t.Errorf("next = %v, want last run + 10m (%v)", got.NextRunAt, want)
	}
}

func TestTickReclaimsStaleLocks(t *testing.T) {
	t.Parallel()
	s, st, clk := newTestService(t, Config{
		LockTimeout:      10 * time.Minute,
		QueueLockTimeout: 10 * time.Minute,
	})
	ctx := context.Background()

	if err := st.SeedTask(ctx, "refresh_feeds", "5m", 1); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ForceRun(ctx, "refresh_feeds"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ClaimDueTask(ctx, "dead-worker"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Enqueue(ctx, 1, "clustering", 3); err != nil {
		t.Fatal(err)
	}
	if _, err := st.ClaimItem(ctx, "clustering", "dead-worker"); err != nil {
		t.Fatal(err)
	}

	s.tick(ctx)
	snap := s.Snapshot()
	if snap.TasksReclaimed != 0 || snap.ItemsReclaimed != 0 {
		t.Fatalf("young locks reclaimed: %+v", snap)
	}

	clk.Advance(11 * time.Minute)
	s.tick(ctx)
	snap = s.Snapshot()
	if snap.TasksReclaimed != 1 || snap.ItemsReclaimed != 1 {
		t.Fatalf("stale locks not reclaimed: %+v", snap)
	}
	if snap.Ticks != 2 || snap.TickErrors != 0 {
		t.Fatalf("tick accounting: %+v", snap)
	}

	got := taskByType(t, st, "refresh_feeds")
	if got.Locked() || got.FailCount != 1 {
		t.Fatalf("task after reclaim: %+v", got)
	}
	if snap.LastCounters.Active != 1 {
		t.Fatalf("counters not captured: %+v", snap.LastCounters)
	}
}

func TestLockTimeoutResolution(t *testing.T) {
	t.Parallel()
	s := New(Config{
		LockTimeout:       20 * time.Minute,
		LockTimeouts:      map[string]time.Duration{"image_generation": time.Hour},
		QueueLockTimeout:  25 * time.Minute,
		QueueLockTimeouts: map[string]time.Duration{"audio_generation": 45 * time.Minute},
	}, nil, logx.Nop())

	if got := s.TaskLockTimeout("image_generation"); got != time.Hour {
		t.Errorf("per-type = %v", got)
	}
	if got := s.TaskLockTimeout("refresh_feeds"); got != 20*time.Minute {
		t.Errorf("default = %v", got)
	}
	if got := s.QueueLockTimeout("audio_generation"); got != 45*time.Minute {
		t.Errorf("per-stage = %v", got)
	}
	if got := s.QueueLockTimeout("clustering"); got != 25*time.Minute {
		t.Errorf("queue default = %v", got)
	}

	bare := New(Config{}, nil, logx.Nop())
	if got := bare.TaskLockTimeout("x"); got != 30*time.Minute {
		t.Errorf("fallback task = %v", got)
	}
	if got := bare.QueueLockTimeout(""); got != 30*time.Minute {
		t.Errorf("fallback queue = %v", got)
	}
}

func TestStartStop(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, Config{TickInterval: 10 * time.Millisecond})

	s.Start(context.Background())
	if !s.Snapshot().Running {
		t.Fatal("not running after Start")
	}
	s.Start(context.Background()) // idempotent

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Snapshot().Running {
		t.Fatal("still running after Stop")
	}
	s.Stop(ctx)

	if s.Snapshot().Ticks == 0 {
		t.Fatal("loop never ticked")
	}
}
