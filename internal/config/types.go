package config

import logx "newsflow/pkg/logx"

// Config is the root of the newsflow configuration file.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "5m").
// The file may be JSON or YAML; both are decoded strictly
// (unknown fields are rejected).
type Config struct {
	Logging LoggingConfig `json:"logging"`

	Store StoreConfig `json:"store"`

	// Scheduler controls the tick loop that keeps next_run_at current and
	// reclaims stale locks.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Worker controls the scheduled-task worker pool.
	Worker WorkerConfig `json:"worker"`

	// Pipeline controls the per-stage queue worker pools.
	Pipeline PipelineConfig `json:"pipeline"`

	// Tasks are the recurring task definitions seeded into the store at
	// startup. The set is static per deployment; tasks are deactivated,
	// never deleted.
	Tasks []TaskConfig `json:"tasks,omitempty"`

	// Stages overrides the built-in pipeline stage chain. Order matters:
	// items advance through stages in list order.
	Stages []StageConfig `json:"stages,omitempty"`
}

type LoggingConfig struct {
	Level   string     `json:"level,omitempty"`
	Console *bool      `json:"console,omitempty"` // default true
	File    FileConfig `json:"file,omitempty"`
}

type FileConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

// StoreConfig locates the shared SQLite database that coordinates all
// processes. Every worker process must point at the same file.
type StoreConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // default "5s"
}

// SchedulerConfig controls the scheduler tick loop.
//
// LockTimeouts maps task_type -> duration after which a held lock is
// considered orphaned; LockTimeout is the fallback for unlisted types.
type SchedulerConfig struct {
	Enabled      *bool             `json:"enabled,omitempty"` // default true
	TickInterval string            `json:"tick_interval,omitempty"`
	LockTimeout  string            `json:"lock_timeout,omitempty"`
	LockTimeouts map[string]string `json:"lock_timeouts,omitempty"`
}

// WorkerConfig controls the scheduled-task worker pool.
//
// Timeouts maps task_type -> wall-clock execution bound; DefaultTimeout is
// the fallback. A handler exceeding its bound is cancelled and the run is
// recorded as failed.
type WorkerConfig struct {
	Enabled        *bool             `json:"enabled,omitempty"` // default true
	Count          int               `json:"count,omitempty"`   // default 3
	PollInterval   string            `json:"poll_interval,omitempty"`
	DefaultTimeout string            `json:"default_timeout,omitempty"`
	Timeouts       map[string]string `json:"timeouts,omitempty"`
}

// PipelineConfig controls the stage worker pools.
//
// LockTimeouts maps stage -> duration after which a held item lock is
// considered orphaned; LockTimeout is the fallback for unlisted stages.
type PipelineConfig struct {
	Enabled      *bool             `json:"enabled,omitempty"` // default true
	PollInterval string            `json:"poll_interval,omitempty"`
	LockTimeout  string            `json:"lock_timeout,omitempty"`
	LockTimeouts map[string]string `json:"lock_timeouts,omitempty"`
	MaxAttempts  int               `json:"max_attempts,omitempty"` // default 3
}

// TaskConfig defines one recurring task.
//
// Schedule accepts cron expressions ("*/10 * * * *", "@hourly") or
// intervals ("interval:5m", "30m"). Command, when set, is executed as the
// task handler (argv form, no shell); tasks without a command must have a
// handler registered programmatically.
type TaskConfig struct {
	Type          string   `json:"type"`
	Schedule      string   `json:"schedule"`
	Command       []string `json:"command,omitempty"`
	MaxConcurrent int      `json:"max_concurrent,omitempty"` // default 1
}

// StageConfig defines one pipeline stage.
//
// Command, when set, is executed as the stage handler with the subject id
// appended as the final argument.
type StageConfig struct {
	Name        string   `json:"name"`
	Command     []string `json:"command,omitempty"`
	Workers     int      `json:"workers,omitempty"`      // default 1
	MaxAttempts int      `json:"max_attempts,omitempty"` // overrides pipeline.max_attempts
	Timeout     string   `json:"timeout,omitempty"`      // execution bound, default worker.default_timeout
}

// ConsoleEnabled reports the effective console flag (default true).
func (l LoggingConfig) ConsoleEnabled() bool {
	return l.Console == nil || *l.Console
}

// ToLogx converts the section into the logging layer's own config type.
func (l LoggingConfig) ToLogx() logx.Config {
	return logx.Config{
		Level:   l.Level,
		Console: l.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: l.File.Enabled,
			Path:    l.File.Path,
		},
	}
}

func enabledOrDefault(b *bool) bool { return b == nil || *b }

func (s SchedulerConfig) IsEnabled() bool { return enabledOrDefault(s.Enabled) }
func (w WorkerConfig) IsEnabled() bool    { return enabledOrDefault(w.Enabled) }
func (p PipelineConfig) IsEnabled() bool  { return enabledOrDefault(p.Enabled) }
