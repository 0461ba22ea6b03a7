package config

import (
	"fmt"
	"time"
)

// Defaults applied when the file leaves a knob unset.
const (
	DefaultBusyTimeout   = 5 * time.Second
	DefaultTickInterval  = 5 * time.Second
	DefaultLockTimeout   = 30 * time.Minute
	DefaultWorkerCount   = 3
	DefaultPollInterval  = 3 * time.Second
	DefaultTaskTimeout   = 15 * time.Minute
	DefaultQueuePoll     = 2 * time.Second
	DefaultQueueLock     = 30 * time.Minute
	DefaultMaxAttempts   = 3
	DefaultStageWorkers  = 1
	DefaultMaxConcurrent = 1
)

// Validate rejects structurally broken configs: duplicate names, missing
// required fields, and malformed durations. Schedule expressions are
// validated later, when task definitions are registered.
func (c *Config) Validate() error {
	durs := []struct{ path, raw string }{
		{"store.busy_timeout", c.Store.BusyTimeout},
		{"scheduler.tick_interval", c.Scheduler.TickInterval},
		{"scheduler.lock_timeout", c.Scheduler.LockTimeout},
		{"worker.poll_interval", c.Worker.PollInterval},
		{"worker.default_timeout", c.Worker.DefaultTimeout},
		{"pipeline.poll_interval", c.Pipeline.PollInterval},
		{"pipeline.lock_timeout", c.Pipeline.LockTimeout},
	}
	for _, d := range durs {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}
	if _, err := ParseDurationMap("scheduler.lock_timeouts", c.Scheduler.LockTimeouts, DefaultLockTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationMap("worker.timeouts", c.Worker.Timeouts, DefaultTaskTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationMap("pipeline.lock_timeouts", c.Pipeline.LockTimeouts, DefaultQueueLock); err != nil {
		return err
	}

	if c.Worker.Count < 0 {
		return fmt.Errorf("worker.count: must be >= 0")
	}
	if c.Pipeline.MaxAttempts < 0 {
		return fmt.Errorf("pipeline.max_attempts: must be >= 0")
	}

	seen := make(map[string]bool, len(c.Tasks))
	for i, t := range c.Tasks {
		if t.Type == "" {
			return fmt.Errorf("tasks[%d]: type is required", i)
		}
		if seen[t.Type] {
			return fmt.Errorf("tasks[%d]: duplicate task type %q", i, t.Type)
		}
		seen[t.Type] = true
		if t.Schedule == "" {
			return fmt.Errorf("tasks[%d] (%s): schedule is required", i, t.Type)
		}
		if t.MaxConcurrent < 0 {
			return fmt.Errorf("tasks[%d] (%s): max_concurrent must be >= 0", i, t.Type)
		}
	}

	stages := make(map[string]bool, len(c.Stages))
	for i, s := range c.Stages {
		if s.Name == "" {
			return fmt.Errorf("stages[%d]: name is required", i)
		}
		if stages[s.Name] {
			return fmt.Errorf("stages[%d]: duplicate stage %q", i, s.Name)
		}
		stages[s.Name] = true
		if s.Workers < 0 {
			return fmt.Errorf("stages[%d] (%s): workers must be >= 0", i, s.Name)
		}
		if s.MaxAttempts < 0 {
			return fmt.Errorf("stages[%d] (%s): max_attempts must be >= 0", i, s.Name)
		}
		if _, err := ParseDurationField(fmt.Sprintf("stages[%d].timeout", i), s.Timeout); err != nil {
			return err
		}
	}
	return nil
}
