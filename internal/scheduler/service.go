// Package scheduler keeps next_run_at current for active tasks and reclaims
// locks orphaned by crashed workers. Multiple instances may run; every
// write it performs is a single-row conditional update, so overlapping
// ticks converge instead of conflicting.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"newsflow/internal/schedule"
	"newsflow/internal/store"
	logx "newsflow/pkg/logx"
)

type Config struct {
	Enabled      bool
	TickInterval time.Duration

	// Per-type lock timeouts for scheduled tasks, with a default.
	LockTimeout  time.Duration
	LockTimeouts map[string]time.Duration

	// Per-stage stale-lock bounds for running pipeline items, with a default.
	QueueLockTimeout  time.Duration
	QueueLockTimeouts map[string]time.Duration
}

// Snapshot is a point-in-time diagnostic view of the scheduler.
type Snapshot struct {
	Running        bool               `json:"running"`
	Ticks          uint64             `json:"ticks"`
	TickErrors     uint64             `json:"tick_errors"`
	TasksReclaimed uint64             `json:"tasks_reclaimed"`
	ItemsReclaimed uint64             `json:"items_reclaimed"`
	LastCounters   store.TaskCounters `json:"last_counters"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config

	st  *store.Store
	log logx.Logger

	stopCh    chan struct{}
	stopDone  chan struct{}
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	errLimit *rate.Limiter

	// Parsed patterns are cached per expression; config is static between
	// seeds so the cache never needs invalidation.
	patMu    sync.Mutex
	patterns map[string]schedule.Pattern

	ticks          atomic.Uint64
	tickErrors     atomic.Uint64
	tasksReclaimed atomic.Uint64
	itemsReclaimed atomic.Uint64

	counterMu    sync.Mutex
	lastCounters store.TaskCounters
}

func New(cfg Config, st *store.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg,
		st:       st,
		log:      log,
		errLimit: rate.NewLimiter(rate.Every(10*time.Second), 1),
		patterns: map[string]schedule.Pattern{},
	}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}

	s.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	s.runCancel = cancel
	stopCh := s.stopCh

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("panic in scheduler loop",
					logx.Any("panic", r),
					logx.String("stack", string(debug.Stack())))
			}
		}()
		s.loop(runCtx, stopCh)
	}()

	s.log.Info("scheduler started", logx.Duration("tick", s.cfg.TickInterval))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.wg.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("scheduler stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	running := s.stopCh != nil
	s.mu.Unlock()
	s.counterMu.Lock()
	counters := s.lastCounters
	s.counterMu.Unlock()
	return Snapshot{
		Running:        running,
		Ticks:          s.ticks.Load(),
		TickErrors:     s.tickErrors.Load(),
		TasksReclaimed: s.tasksReclaimed.Load(),
		ItemsReclaimed: s.itemsReclaimed.Load(),
		LastCounters:   counters,
	}
}

func (s *Service) loop(ctx context.Context, stopCh <-chan struct{}) {
	interval := s.tickInterval()
	tkr := time.NewTicker(interval)
	defer tkr.Stop()

	// First tick immediately so fresh deployments get next_run_at without
	// waiting a full interval.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-tkr.C:
			s.tick(ctx)
			if d := s.tickInterval(); d != interval {
				interval = d
				tkr.Reset(interval)
			}
		}
	}
}

// tick is best-effort: a failing step is logged and retried next tick, and
// never blocks the remaining steps.
func (s *Service) tick(ctx context.Context) {
	s.ticks.Add(1)

	if err := s.updateSchedules(ctx); err != nil {
		s.tickErrors.Add(1)
		if ctx.Err() == nil && s.errLimit.Allow() {
			s.log.Warn("schedule update failed", logx.Err(err))
		}
	}

	n, err := s.st.SweepTaskLocks(ctx, s.TaskLockTimeout)
	if err != nil {
		s.tickErrors.Add(1)
		if ctx.Err() == nil && s.errLimit.Allow() {
			s.log.Warn("task lock sweep failed", logx.Err(err))
		}
	}
	s.tasksReclaimed.Add(uint64(n))

	m, err := s.st.SweepItemLocks(ctx, s.QueueLockTimeout)
	if err != nil {
		s.tickErrors.Add(1)
		if ctx.Err() == nil && s.errLimit.Allow() {
			s.log.Warn("queue lock sweep failed", logx.Err(err))
		}
	}
	s.itemsReclaimed.Add(uint64(m))

	counters, err := s.st.Counters(ctx)
	if err == nil {
		s.counterMu.Lock()
		s.lastCounters = counters
		s.counterMu.Unlock()
		s.log.Debug("tick",
			logx.Int64("active", counters.Active),
			logx.Int64("due", counters.Due),
			logx.Int64("locked", counters.Locked),
			logx.Int64("failed", counters.Failed),
			logx.Int("tasks_reclaimed", n),
			logx.Int("items_reclaimed", m))
	}
}

func (s *Service) updateSchedules(ctx context.Context) error {
	tasks, err := s.st.TasksNeedingSchedule(ctx)
	if err != nil {
		return err
	}
	now := s.st.Now()
	for _, t := range tasks {
		pat, err := s.pattern(t.SchedulePattern)
		if err != nil {
			// A bad pattern can only come from manual edits; skip the row
			// rather than fail the tick.
			if s.errLimit.Allow() {
				s.log.Warn("unparseable schedule pattern",
					logx.String("task_type", t.Type),
					logx.String("pattern", t.SchedulePattern),
					logx.Err(err))
			}
			continue
		}
		next := pat.Next(now, t.LastRunAt)
		if err := s.st.SetNextRun(ctx, t.ID, next); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) pattern(raw string) (schedule.Pattern, error) {
	s.patMu.Lock()
	defer s.patMu.Unlock()
	if p, ok := s.patterns[raw]; ok {
		return p, nil
	}
	p, err := schedule.Parse(raw)
	if err != nil {
		return schedule.Pattern{}, err
	}
	s.patterns[raw] = p
	return p, nil
}

// TaskLockTimeout resolves the stale-lock bound for a task type.
func (s *Service) TaskLockTimeout(taskType string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.cfg.LockTimeouts[taskType]; ok && d > 0 {
		return d
	}
	if s.cfg.LockTimeout > 0 {
		return s.cfg.LockTimeout
	}
	return 30 * time.Minute
}

// QueueLockTimeout resolves the stale-lock bound for a pipeline stage.
func (s *Service) QueueLockTimeout(stage string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.cfg.QueueLockTimeouts[stage]; ok && d > 0 {
		return d
	}
	if s.cfg.QueueLockTimeout > 0 {
		return s.cfg.QueueLockTimeout
	}
	return 30 * time.Minute
}

func (s *Service) tickInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.TickInterval > 0 {
		return s.cfg.TickInterval
	}
	return 5 * time.Second
}
