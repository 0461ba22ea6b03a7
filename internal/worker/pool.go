// Package worker claims due scheduled tasks from the store and executes
// them. Pools in separate processes coordinate purely through the store's
// claim arbitration; nothing here assumes it is the only pool running.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"newsflow/internal/store"
	logx "newsflow/pkg/logx"
)

type Config struct {
	Enabled        bool
	Count          int
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	Timeouts       map[string]time.Duration
}

// Snapshot is a point-in-time diagnostic view of a pool.
type Snapshot struct {
	ID        string `json:"id"`
	Running   bool   `json:"running"`
	Workers   int    `json:"workers"`
	Claims    uint64 `json:"claims"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
}

// Pool runs N poll loops against the store.
//
// Panic-safe: a panicking handler fails its run without taking the loop
// down. Cooperates with shutdown via Start/Stop.
type Pool struct {
	mu  sync.Mutex
	cfg Config

	st  *store.Store
	reg *Registry
	log logx.Logger
	id  string

	stopCh    chan struct{}
	stopDone  chan struct{}
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	// Store-connectivity errors repeat every poll while the database is
	// down; throttle them so the log stays readable.
	errLimit *rate.Limiter

	claims    atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
}

func New(cfg Config, st *store.Store, reg *Registry, log logx.Logger) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Pool{
		cfg:      cfg,
		st:       st,
		reg:      reg,
		log:      log,
		id:       Identity(),
		errLimit: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}
}

// ID is the lock-owner identity this pool claims with.
func (p *Pool) ID() string { return p.id }

func (p *Pool) Apply(cfg Config) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	// Live pool resizing is not supported; Count changes take effect on restart.
}

func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopCh != nil {
		return
	}

	cfg := p.cfg
	workers := cfg.Count
	if workers <= 0 {
		workers = 3
	}

	p.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	p.runCancel = cancel

	stopCh := p.stopCh
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer p.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("panic in worker loop",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			p.loop(runCtx, stopCh, idx)
		}()
	}

	p.log.Info("worker pool started",
		logx.String("id", p.id),
		logx.Int("workers", workers),
		logx.Duration("poll", cfg.PollInterval))
}

func (p *Pool) Stop(ctx context.Context) {
	p.mu.Lock()
	if p.stopCh == nil {
		p.mu.Unlock()
		return
	}
	if p.stopDone != nil {
		done := p.stopDone
		p.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	p.stopDone = done
	stopCh := p.stopCh
	cancel := p.runCancel
	p.runCancel = nil
	p.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		p.wg.Wait()
		p.mu.Lock()
		p.stopCh = nil
		p.stopDone = nil
		p.mu.Unlock()
		close(done)
		p.log.Info("worker pool stopped", logx.String("id", p.id))
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	running := p.stopCh != nil
	workers := p.cfg.Count
	p.mu.Unlock()
	return Snapshot{
		ID:        p.id,
		Running:   running,
		Workers:   workers,
		Claims:    p.claims.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pool) loop(ctx context.Context, stopCh <-chan struct{}, idx int) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		t, err := p.st.ClaimDueTask(ctx, p.id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// nothing due
		case err != nil:
			if ctx.Err() == nil && p.errLimit.Allow() {
				p.log.Warn("claim failed", logx.Int("worker", idx), logx.Err(err))
			}
		default:
			p.claims.Add(1)
			p.runOne(ctx, t)
			// Drain the backlog before sleeping again.
			continue
		}

		if !sleep(ctx, stopCh, p.pollInterval()) {
			return
		}
	}
}

func (p *Pool) runOne(ctx context.Context, t store.Task) {
	timeout := p.timeoutFor(t.Type)
	started := p.st.Now()

	p.log.Info("task started",
		logx.String("task_type", t.Type),
		logx.Int64("task_id", t.ID),
		logx.Duration("timeout", timeout))

	runErr := p.dispatch(ctx, t.Type, timeout)
	finished := p.st.Now()

	// Record with a detached context so an in-flight shutdown cannot lose
	// the outcome of a run that already happened.
	rctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if runErr == nil {
		p.completed.Add(1)
		if err := p.st.CompleteTask(rctx, t, started, finished); err != nil {
			p.log.Error("completion record failed",
				logx.String("task_type", t.Type), logx.Err(err))
			return
		}
		p.log.Info("task completed",
			logx.String("task_type", t.Type),
			logx.Duration("took", finished.Sub(started)))
		return
	}

	p.failed.Add(1)
	retryAt := finished.Add(Backoff(t.FailCount + 1))
	if err := p.st.FailTask(rctx, t, started, finished, runErr.Error(), retryAt); err != nil {
		p.log.Error("failure record failed",
			logx.String("task_type", t.Type), logx.Err(err))
		return
	}
	p.log.Warn("task failed",
		logx.String("task_type", t.Type),
		logx.Int("fail_count", t.FailCount+1),
		logx.Time("retry_at", retryAt),
		logx.Err(runErr))
}

// dispatch resolves and runs the handler under its timeout. A panicking
// handler and an expired timeout both come back as plain errors.
func (p *Pool) dispatch(ctx context.Context, taskType string, timeout time.Duration) error {
	h, ok := p.reg.Resolve(taskType)
	if !ok {
		return fmt.Errorf("no handler registered for task type %q", taskType)
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("handler panic: %v", r)
			}
			done <- err
		}()
		err = h(runCtx)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		// The handler goroutine keeps draining into the buffered channel;
		// the run is already charged as a timeout failure.
		return fmt.Errorf("timed out after %s", timeout)
	}
}

func (p *Pool) pollInterval() time.Duration {
	p.mu.Lock()
	d := p.cfg.PollInterval
	p.mu.Unlock()
	if d <= 0 {
		d = 3 * time.Second
	}
	// Jitter desynchronizes pools started together.
	return d + time.Duration(rand.Int63n(int64(d/5)+1))
}

func (p *Pool) timeoutFor(taskType string) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if d, ok := p.cfg.Timeouts[taskType]; ok && d > 0 {
		return d
	}
	if p.cfg.DefaultTimeout > 0 {
		return p.cfg.DefaultTimeout
	}
	return 15 * time.Minute
}

// sleep waits for d, returning false when the loop should exit instead.
func sleep(ctx context.Context, stopCh <-chan struct{}, d time.Duration) bool {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stopCh:
		return false
	case <-tmr.C:
		return true
	}
}
