package app

import (
	"time"

	"newsflow/internal/config"
	"newsflow/internal/pipeline"
	"newsflow/internal/scheduler"
	"newsflow/internal/worker"
)

// SchedulerConfig resolves the scheduler section into concrete durations,
// layering config overrides on the built-in per-type lock table.
func SchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, config.DefaultTickInterval)
	if err != nil {
		return scheduler.Config{}, err
	}
	lockDef, err := config.ParseDurationOrDefault("scheduler.lock_timeout", cfg.Scheduler.LockTimeout, config.DefaultLockTimeout)
	if err != nil {
		return scheduler.Config{}, err
	}
	overrides, err := config.ParseDurationMap("scheduler.lock_timeouts", cfg.Scheduler.LockTimeouts, lockDef)
	if err != nil {
		return scheduler.Config{}, err
	}
	locks := make(map[string]time.Duration, len(defaultLockTimeouts)+len(overrides))
	for k, v := range defaultLockTimeouts {
		locks[k] = v
	}
	for k, v := range overrides {
		locks[k] = v
	}
	queueLock, err := config.ParseDurationOrDefault("pipeline.lock_timeout", cfg.Pipeline.LockTimeout, config.DefaultQueueLock)
	if err != nil {
		return scheduler.Config{}, err
	}
	queueOverrides, err := config.ParseDurationMap("pipeline.lock_timeouts", cfg.Pipeline.LockTimeouts, queueLock)
	if err != nil {
		return scheduler.Config{}, err
	}
	queueLocks := make(map[string]time.Duration, len(defaultLockTimeouts)+len(queueOverrides))
	for k, v := range defaultLockTimeouts {
		queueLocks[k] = v
	}
	for k, v := range queueOverrides {
		queueLocks[k] = v
	}
	return scheduler.Config{
		Enabled:           cfg.Scheduler.IsEnabled(),
		TickInterval:      tick,
		LockTimeout:       lockDef,
		LockTimeouts:      locks,
		QueueLockTimeout:  queueLock,
		QueueLockTimeouts: queueLocks,
	}, nil
}

// WorkerConfig resolves the worker section.
func WorkerConfig(cfg *config.Config) (worker.Config, error) {
	poll, err := config.ParseDurationOrDefault("worker.poll_interval", cfg.Worker.PollInterval, config.DefaultPollInterval)
	if err != nil {
		return worker.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("worker.default_timeout", cfg.Worker.DefaultTimeout, config.DefaultTaskTimeout)
	if err != nil {
		return worker.Config{}, err
	}
	timeouts, err := config.ParseDurationMap("worker.timeouts", cfg.Worker.Timeouts, timeout)
	if err != nil {
		return worker.Config{}, err
	}
	count := cfg.Worker.Count
	if count <= 0 {
		count = config.DefaultWorkerCount
	}
	return worker.Config{
		Enabled:        cfg.Worker.IsEnabled(),
		Count:          count,
		PollInterval:   poll,
		DefaultTimeout: timeout,
		Timeouts:       timeouts,
	}, nil
}

// PipelineConfig resolves the pipeline section. An empty stages list falls
// back to the built-in chain.
func PipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	poll, err := config.ParseDurationOrDefault("pipeline.poll_interval", cfg.Pipeline.PollInterval, config.DefaultQueuePoll)
	if err != nil {
		return pipeline.Config{}, err
	}
	timeout, err := config.ParseDurationOrDefault("worker.default_timeout", cfg.Worker.DefaultTimeout, config.DefaultTaskTimeout)
	if err != nil {
		return pipeline.Config{}, err
	}
	maxAttempts := cfg.Pipeline.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = config.DefaultMaxAttempts
	}

	stages := pipeline.DefaultStages()
	if len(cfg.Stages) > 0 {
		stages = stages[:0]
		for _, s := range cfg.Stages {
			d, err := config.ParseDurationField("stages."+s.Name+".timeout", s.Timeout)
			if err != nil {
				return pipeline.Config{}, err
			}
			stages = append(stages, pipeline.Stage{
				Name:        s.Name,
				Workers:     s.Workers,
				MaxAttempts: s.MaxAttempts,
				Timeout:     d,
			})
		}
	}

	return pipeline.Config{
		Enabled:        cfg.Pipeline.IsEnabled(),
		PollInterval:   poll,
		DefaultTimeout: timeout,
		MaxAttempts:    maxAttempts,
		Stages:         stages,
	}, nil
}

// TimeoutResolvers builds the stuck-lock resolvers the health monitor uses,
// without constructing the scheduler service. The operator CLI reads
// health from outside the daemon.
func TimeoutResolvers(cfg *config.Config) (taskFn, stageFn func(string) time.Duration, err error) {
	schedCfg, err := SchedulerConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	taskFn = func(taskType string) time.Duration {
		if d, ok := schedCfg.LockTimeouts[taskType]; ok && d > 0 {
			return d
		}
		return schedCfg.LockTimeout
	}
	stageFn = func(stage string) time.Duration {
		if d, ok := schedCfg.QueueLockTimeouts[stage]; ok && d > 0 {
			return d
		}
		return schedCfg.QueueLockTimeout
	}
	return taskFn, stageFn, nil
}
