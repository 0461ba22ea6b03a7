// Package app assembles the long-running daemon: store, scheduler, worker
// pool and pipeline engine, wired from one config file and kept in sync
// with it while running.
package app

import (
	"context"
	"fmt"
	"time"

	"newsflow/internal/config"
	"newsflow/internal/health"
	"newsflow/internal/pipeline"
	"newsflow/internal/schedule"
	"newsflow/internal/scheduler"
	"newsflow/internal/store"
	"newsflow/internal/worker"
	logx "newsflow/pkg/logx"
)

// defaultLockTimeouts is the per-type stale-lock table used when the config
// does not override a type. Values follow the expected run length of each
// job family.
var defaultLockTimeouts = map[string]time.Duration{
	"scraping":             20 * time.Minute,
	"clustering":           15 * time.Minute,
	"report_generation":    10 * time.Minute,
	"image_generation":     30 * time.Minute,
	"audio_generation":     45 * time.Minute,
	"broadcast_generation": 20 * time.Minute,
}

// Options disable individual subsystems for split deployments (e.g. a
// dedicated pipeline host running with the scheduler off).
type Options struct {
	NoScheduler bool
	NoWorkers   bool
	NoPipeline  bool
}

type App struct {
	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	st      *store.Store
	sched   *scheduler.Service
	pool    *worker.Pool
	engine  *pipeline.Engine
	monitor *health.Monitor

	opts Options
}

// New loads the config, opens the store and builds every subsystem. Nothing
// runs until Start.
func New(cfgPath string, opts Options) (*App, error) {
	a := &App{opts: opts}

	a.mgr = config.NewManager(cfgPath)
	cfg, err := a.mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, root := logx.New(cfg.Logging.ToLogx())
	a.logSvc = logSvc
	a.log = root.With(logx.String("component", "app"))
	a.mgr.SetLogger(a.logSvc.Logger().With(logx.String("component", "config")))
	a.mgr.SetValidator(func(_ context.Context, c *config.Config) error {
		return validateTasks(c)
	})

	st, err := OpenStore(cfg, root.With(logx.String("component", "store")))
	if err != nil {
		return nil, err
	}
	a.st = st

	if err := a.build(cfg); err != nil {
		_ = st.Close()
		return nil, err
	}
	return a, nil
}

// OpenStore opens the shared database described by cfg. Exported for the
// operator commands, which need the store without the daemon around it.
func OpenStore(cfg *config.Config, log logx.Logger) (*store.Store, error) {
	busy, err := config.ParseDurationOrDefault("store.busy_timeout", cfg.Store.BusyTimeout, config.DefaultBusyTimeout)
	if err != nil {
		return nil, err
	}
	path := cfg.Store.Path
	if path == "" {
		path = "./newsflow.db"
	}
	return store.Open(store.Config{Path: path, BusyTimeout: busy}, log)
}

func validateTasks(cfg *config.Config) error {
	for _, t := range cfg.Tasks {
		if _, err := schedule.Parse(t.Schedule); err != nil {
			return fmt.Errorf("task %q: %w", t.Type, err)
		}
	}
	return nil
}

func (a *App) build(cfg *config.Config) error {
	if err := validateTasks(cfg); err != nil {
		return err
	}

	schedCfg, err := SchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched = scheduler.New(schedCfg, a.st,
		a.logSvc.Logger().With(logx.String("component", "scheduler")))

	workerCfg, err := WorkerConfig(cfg)
	if err != nil {
		return err
	}
	reg := worker.NewRegistry()
	for _, t := range cfg.Tasks {
		if len(t.Command) == 0 {
			continue
		}
		if err := reg.Register(t.Type, worker.Command(t.Command)); err != nil {
			return err
		}
	}
	a.pool = worker.New(workerCfg, a.st, reg,
		a.logSvc.Logger().With(logx.String("component", "worker")))

	pipeCfg, err := PipelineConfig(cfg)
	if err != nil {
		return err
	}
	engine, err := pipeline.New(pipeCfg, a.st,
		a.logSvc.Logger().With(logx.String("component", "pipeline")))
	if err != nil {
		return err
	}
	for _, s := range cfg.Stages {
		if len(s.Command) == 0 {
			continue
		}
		if err := engine.RegisterStage(s.Name, worker.SubjectCommand(s.Command)); err != nil {
			return err
		}
	}
	a.engine = engine

	a.monitor = health.New(a.st, a.sched.TaskLockTimeout, a.sched.QueueLockTimeout)
	return nil
}

// Accessors for embedders that register handlers programmatically instead
// of through exec-hook commands.
func (a *App) Engine() *pipeline.Engine { return a.engine }
func (a *App) Store() *store.Store      { return a.st }
func (a *App) Monitor() *health.Monitor { return a.monitor }
func (a *App) Logger() logx.Logger      { return a.logSvc.Logger() }

func (a *App) Start(ctx context.Context) error {
	cfg := a.mgr.Get()

	for _, t := range cfg.Tasks {
		maxConc := t.MaxConcurrent
		if maxConc <= 0 {
			maxConc = config.DefaultMaxConcurrent
		}
		if err := a.st.SeedTask(ctx, t.Type, t.Schedule, maxConc); err != nil {
			return fmt.Errorf("seed task %q: %w", t.Type, err)
		}
	}

	if cfg.Scheduler.IsEnabled() && !a.opts.NoScheduler {
		a.sched.Start(ctx)
	}
	if cfg.Worker.IsEnabled() && !a.opts.NoWorkers {
		a.pool.Start(ctx)
	}
	if cfg.Pipeline.IsEnabled() && !a.opts.NoPipeline {
		a.engine.Start(ctx)
	}
	a.log.Info("started",
		logx.Bool("scheduler", cfg.Scheduler.IsEnabled() && !a.opts.NoScheduler),
		logx.Bool("workers", cfg.Worker.IsEnabled() && !a.opts.NoWorkers),
		logx.Bool("pipeline", cfg.Pipeline.IsEnabled() && !a.opts.NoPipeline))
	return nil
}

func (a *App) Stop(ctx context.Context) {
	a.engine.Stop(ctx)
	a.pool.Stop(ctx)
	a.sched.Stop(ctx)
	if err := a.st.Close(); err != nil {
		a.log.Warn("store close failed", logx.Err(err))
	}
	a.log.Info("stopped")
	_ = a.logSvc.Close()
}

// Watch follows the config file and applies hot-reloadable settings: log
// level and sinks, tick and poll intervals, timeout tables. Structural
// changes (task set, stage chain, worker counts) need a restart.
func (a *App) Watch(ctx context.Context) {
	sub := a.mgr.Subscribe(1)
	defer a.mgr.Unsubscribe(sub)

	go func() { _ = a.mgr.Watch(ctx) }()

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-sub:
			if !ok || cfg == nil {
				return
			}
			a.apply(cfg)
		}
	}
}

func (a *App) apply(cfg *config.Config) {
	a.logSvc.Apply(cfg.Logging.ToLogx())

	if schedCfg, err := SchedulerConfig(cfg); err == nil {
		a.sched.Apply(schedCfg)
	}
	if workerCfg, err := WorkerConfig(cfg); err == nil {
		a.pool.Apply(workerCfg)
	}
	a.log.Info("config applied")
}
