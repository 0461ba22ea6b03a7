package app

import (
	"testing"
	"time"

	"newsflow/internal/config"
	"newsflow/internal/pipeline"
)

func TestSchedulerConfigLayersLockTimeouts(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Scheduler.LockTimeout = "20m"
	cfg.Scheduler.LockTimeouts = map[string]string{"clustering": "5m"}
	cfg.Pipeline.LockTimeouts = map[string]string{"report_generation": "2m"}

	got, err := SchedulerConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got.TickInterval != config.DefaultTickInterval {
		t.Errorf("tick = %v", got.TickInterval)
	}
	if got.LockTimeout != 20*time.Minute {
		t.Errorf("default lock = %v", got.LockTimeout)
	}
	// Config overrides win over the built-in table; unlisted built-ins stay.
	if got.LockTimeouts["clustering"] != 5*time.Minute {
		t.Errorf("override lost: %v", got.LockTimeouts["clustering"])
	}
	if got.LockTimeouts["image_generation"] != defaultLockTimeouts["image_generation"] {
		t.Errorf("built-in entry lost: %v", got.LockTimeouts["image_generation"])
	}
	if got.QueueLockTimeout != config.DefaultQueueLock {
		t.Errorf("queue lock = %v", got.QueueLockTimeout)
	}
	// The queue table layers the same way as the task table.
	if got.QueueLockTimeouts["report_generation"] != 2*time.Minute {
		t.Errorf("queue override lost: %v", got.QueueLockTimeouts["report_generation"])
	}
	if got.QueueLockTimeouts["audio_generation"] != defaultLockTimeouts["audio_generation"] {
		t.Errorf("queue built-in entry lost: %v", got.QueueLockTimeouts["audio_generation"])
	}

	cfg.Scheduler.TickInterval = "nope"
	if _, err := SchedulerConfig(cfg); err == nil {
		t.Error("bad tick interval accepted")
	}
}

func TestWorkerConfigDefaults(t *testing.T) {
	t.Parallel()
	got, err := WorkerConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if got.Count != config.DefaultWorkerCount {
		t.Errorf("count = %d", got.Count)
	}
	if got.PollInterval != config.DefaultPollInterval || got.DefaultTimeout != config.DefaultTaskTimeout {
		t.Errorf("durations = %+v", got)
	}
	if !got.Enabled {
		t.Error("not enabled by default")
	}
}

func TestPipelineConfigStages(t *testing.T) {
	t.Parallel()
	got, err := PipelineConfig(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{pipeline.StageClustering, pipeline.StageReport, pipeline.StageImage}
	if len(got.Stages) != len(want) {
		t.Fatalf("stages = %+v", got.Stages)
	}
	for i, st := range got.Stages {
		if st.Name != want[i] {
			t.Errorf("stage[%d] = %q, want %q", i, st.Name, want[i])
		}
	}
	if got.MaxAttempts != config.DefaultMaxAttempts {
		t.Errorf("max attempts = %d", got.MaxAttempts)
	}

	cfg := &config.Config{
		Stages: []config.StageConfig{
			{Name: "summarize", Workers: 2, MaxAttempts: 5, Timeout: "10m"},
		},
	}
	got, err = PipelineConfig(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Stages) != 1 {
		t.Fatalf("custom stages = %+v", got.Stages)
	}
	st := got.Stages[0]
	if st.Name != "summarize" || st.Workers != 2 || st.MaxAttempts != 5 || st.Timeout != 10*time.Minute {
		t.Errorf("custom stage = %+v", st)
	}
}

func TestTimeoutResolvers(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	cfg.Scheduler.LockTimeout = "25m"
	cfg.Pipeline.LockTimeouts = map[string]string{"clustering": "2m"}
	taskFn, stageFn, err := TimeoutResolvers(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if got := taskFn("image_generation"); got != defaultLockTimeouts["image_generation"] {
		t.Errorf("per-type = %v", got)
	}
	if got := taskFn("unlisted"); got != 25*time.Minute {
		t.Errorf("fallback = %v", got)
	}
	if got := stageFn("clustering"); got != 2*time.Minute {
		t.Errorf("per-stage = %v", got)
	}
	if got := stageFn("audio_generation"); got != defaultLockTimeouts["audio_generation"] {
		t.Errorf("stage built-in = %v", got)
	}
	if got := stageFn("unlisted"); got != config.DefaultQueueLock {
		t.Errorf("stage fallback = %v", got)
	}
}
