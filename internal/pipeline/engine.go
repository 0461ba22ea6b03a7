package pipeline

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
	"newsflow/internal/worker"
	logx "newsflow/pkg/logx"
)

// Snapshot is a point-in-time diagnostic view of the engine.
type Snapshot struct {
	ID         string   `json:"id"`
	Running    bool     `json:"running"`
	Stages     []string `json:"stages"`
	Processed  uint64   `json:"processed"`
	Failed     uint64   `json:"failed"`
	Terminal   uint64   `json:"terminal"`
	Duplicates uint64   `json:"duplicates_suppressed"`
}

// Engine runs one worker pool per stage and exposes the producer Enqueue.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	st  *store.Store
	log logx.Logger
	id  string

	handlers map[string]Handler

	stopCh    chan struct{}
	stopDone  chan struct{}
	runCancel context.CancelFunc
	wg        sync.WaitGroup

	errLimit *rate.Limiter

	processed atomic.Uint64
	failed    atomic.Uint64
	terminal  atomic.Uint64
	// Suppressed duplicate enqueues. At-least-once producers make these
	// normal; the counter keeps them observable.
	duplicates atomic.Uint64
}

func New(cfg Config, st *store.Store, log logx.Logger) (*Engine, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{
		cfg:      cfg,
		st:       st,
		log:      log,
		id:       worker.Identity(),
		handlers: map[string]Handler{},
		errLimit: rate.NewLimiter(rate.Every(10*time.Second), 1),
	}, nil
}

// RegisterStage binds a handler to a configured stage. Unknown stages and
// double registration are rejected so wiring mistakes fail at startup.
func (e *Engine) RegisterStage(name string, h Handler) error {
	if h == nil {
		return fmt.Errorf("stage %q: handler required", name)
	}
	if _, ok := e.stage(name); !ok {
		return fmt.Errorf("stage %q: not configured", name)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.handlers[name]; ok {
		return fmt.Errorf("stage %q: already registered", name)
	}
	e.handlers[name] = h
	return nil
}

// Stages returns the configured chain in order.
func (e *Engine) Stages() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.cfg.Stages))
	for i, st := range e.cfg.Stages {
		out[i] = st.Name
	}
	return out
}

// NextStage returns the stage after name, or "" for the terminal stage.
func (e *Engine) NextStage(name string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, st := range e.cfg.Stages {
		if st.Name == name {
			if i+1 < len(e.cfg.Stages) {
				return e.cfg.Stages[i+1].Name, true
			}
			return "", true
		}
	}
	return "", false
}

func (e *Engine) stage(name string) (Stage, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.cfg.Stages {
		if st.Name == name {
			return st, true
		}
	}
	return Stage{}, false
}

// Enqueue seeds a subject into a stage (the first stage when stage is
// empty). Idempotent: re-enqueueing a subject that already has a live row
// for the stage is a counted no-op.
func (e *Engine) Enqueue(ctx context.Context, subjectID int64, stage string) (created bool, err error) {
	e.mu.Lock()
	if stage == "" {
		stage = e.cfg.Stages[0].Name
	}
	e.mu.Unlock()

	st, ok := e.stage(stage)
	if !ok {
		return false, fmt.Errorf("stage %q: not configured", stage)
	}

	e.mu.Lock()
	maxAttempts := e.cfg.maxAttemptsFor(st)
	e.mu.Unlock()

	created, err = e.st.Enqueue(ctx, subjectID, stage, maxAttempts)
	if err != nil {
		return false, err
	}
	if !created {
		e.duplicates.Add(1)
		e.log.Debug("duplicate enqueue suppressed",
			logx.Int64("subject_id", subjectID),
			logx.String("stage", stage))
	}
	return created, nil
}

func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopCh != nil {
		return
	}

	e.stopCh = make(chan struct{})
	runCtx, cancel := context.WithCancel(ctx)
	e.runCancel = cancel
	stopCh := e.stopCh

	total := 0
	for _, st := range e.cfg.Stages {
		stage := st
		n := e.cfg.workersFor(stage)
		total += n
		e.wg.Add(n)
		for i := 0; i < n; i++ {
			idx := i
			go func() {
				defer e.wg.Done()
				defer func() {
					if r := recover(); r != nil {
						e.log.Error("panic in stage loop",
							logx.String("stage", stage.Name),
							logx.Int("worker", idx),
							logx.Any("panic", r),
							logx.String("stack", string(debug.Stack())))
					}
				}()
				e.loop(runCtx, stopCh, stage)
			}()
		}
	}

	e.log.Info("pipeline started",
		logx.String("id", e.id),
		logx.Int("stages", len(e.cfg.Stages)),
		logx.Int("workers", total))
}

func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	if e.stopCh == nil {
		e.mu.Unlock()
		return
	}
	if e.stopDone != nil {
		done := e.stopDone
		e.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	e.stopDone = done
	stopCh := e.stopCh
	cancel := e.runCancel
	e.runCancel = nil
	e.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		e.wg.Wait()
		e.mu.Lock()
		e.stopCh = nil
		e.stopDone = nil
		e.mu.Unlock()
		close(done)
		e.log.Info("pipeline stopped", logx.String("id", e.id))
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	running := e.stopCh != nil
	e.mu.Unlock()
	return Snapshot{
		ID:         e.id,
		Running:    running,
		Stages:     e.Stages(),
		Processed:  e.processed.Load(),
		Failed:     e.failed.Load(),
		Terminal:   e.terminal.Load(),
		Duplicates: e.duplicates.Load(),
	}
}

func (e *Engine) loop(ctx context.Context, stopCh <-chan struct{}, stage Stage) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		it, err := e.st.ClaimItem(ctx, stage.Name, e.id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			// stage drained
		case err != nil:
			if ctx.Err() == nil && e.errLimit.Allow() {
				e.log.Warn("claim failed", logx.String("stage", stage.Name), logx.Err(err))
			}
		default:
			e.runOne(ctx, stage, it)
			continue
		}

		if !e.pollSleep(ctx, stopCh) {
			return
		}
	}
}

func (e *Engine) runOne(ctx context.Context, stage Stage, it store.Item) {
	e.mu.Lock()
	h := e.handlers[stage.Name]
	timeout := e.cfg.timeoutFor(stage)
	e.mu.Unlock()

	e.log.Info("stage item started",
		logx.String("stage", stage.Name),
		logx.Int64("item_id", it.ID),
		logx.Int64("subject_id", it.SubjectID),
		logx.Int("attempt", it.AttemptCount+1))

	var (
		result string
		runErr error
	)
	if h == nil {
		runErr = fmt.Errorf("no handler registered for stage %q", stage.Name)
	} else {
		result, runErr = e.invoke(ctx, h, it.SubjectID, timeout)
	}

	// Detached context: the outcome of finished work must land even when
	// shutdown races it.
	rctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if runErr == nil {
		e.processed.Add(1)
		next, _ := e.NextStage(stage.Name)
		nextMax := 0
		if next != "" {
			if nst, ok := e.stage(next); ok {
				e.mu.Lock()
				nextMax = e.cfg.maxAttemptsFor(nst)
				e.mu.Unlock()
			}
		}
		advanced, err := e.st.MarkDone(rctx, it, result, next, nextMax)
		if err != nil {
			e.log.Error("completion record failed",
				logx.String("stage", stage.Name), logx.Int64("item_id", it.ID), logx.Err(err))
			return
		}
		if next != "" && !advanced {
			e.duplicates.Add(1)
		}
		e.log.Info("stage item done",
			logx.String("stage", stage.Name),
			logx.Int64("subject_id", it.SubjectID),
			logx.String("next_stage", next))
		return
	}

	e.failed.Add(1)
	retryAt := e.st.Now().Add(worker.Backoff(it.AttemptCount + 1))
	terminal, err := e.st.MarkFailed(rctx, it, runErr.Error(), retryAt)
	if err != nil {
		e.log.Error("failure record failed",
			logx.String("stage", stage.Name), logx.Int64("item_id", it.ID), logx.Err(err))
		return
	}
	if terminal {
		e.terminal.Add(1)
		e.log.Error("stage item terminal-failed",
			logx.String("stage", stage.Name),
			logx.Int64("subject_id", it.SubjectID),
			logx.Int("attempts", it.AttemptCount+1),
			logx.Err(runErr))
		return
	}
	e.log.Warn("stage item failed",
		logx.String("stage", stage.Name),
		logx.Int64("subject_id", it.SubjectID),
		logx.Int("attempt", it.AttemptCount+1),
		logx.Time("retry_at", retryAt),
		logx.Err(runErr))
}

func (e *Engine) invoke(ctx context.Context, h Handler, subjectID int64, timeout time.Duration) (string, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if r := recover(); r != nil {
				o = outcome{err: fmt.Errorf("handler panic: %v", r)}
			}
			done <- o
		}()
		o.result, o.err = h(runCtx, subjectID)
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-runCtx.Done():
		return "", fmt.Errorf("timed out after %s", timeout)
	}
}

func (e *Engine) pollSleep(ctx context.Context, stopCh <-chan struct{}) bool {
	e.mu.Lock()
	d := e.cfg.PollInterval
	e.mu.Unlock()
	if d <= 0 {
		d = 2 * time.Second
	}
	d += time.Duration(rand.Int63n(int64(d/5) + 1))

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
