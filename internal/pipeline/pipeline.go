// Package pipeline advances subjects through an ordered chain of processing
// stages. Each stage has its own worker pool; hand-off to the next stage
// happens in the same transaction that completes the current one, so stage
// order holds even across process crashes.
package pipeline

import (
	"context"
	"fmt"
	"time"
)

// Default stage chain for a news deployment.
const (
	StageClustering = "clustering"
	StageReport     = "report_generation"
	StageImage      = "image_generation"
)

// Stage is one configured pipeline stage.
type Stage struct {
	Name        string
	Workers     int
	MaxAttempts int
	Timeout     time.Duration // execution bound, 0 = pool default
}

// Handler processes one subject at one stage. The returned string is stored
// as the item's result payload.
type Handler func(ctx context.Context, subjectID int64) (result string, err error)

// DefaultStages returns the built-in chain.
func DefaultStages() []Stage {
	return []Stage{
		{Name: StageClustering},
		{Name: StageReport},
		{Name: StageImage},
	}
}

// Config for the stage engine. Stages are ordered; items advance through
// them front to back.
type Config struct {
	Enabled        bool
	PollInterval   time.Duration
	DefaultTimeout time.Duration
	MaxAttempts    int // fallback when a stage has none
	Stages         []Stage
}

func (c Config) validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("pipeline: at least one stage required")
	}
	seen := make(map[string]bool, len(c.Stages))
	for _, st := range c.Stages {
		if st.Name == "" {
			return fmt.Errorf("pipeline: stage name required")
		}
		if seen[st.Name] {
			return fmt.Errorf("pipeline: duplicate stage %q", st.Name)
		}
		seen[st.Name] = true
	}
	return nil
}

func (c Config) maxAttemptsFor(st Stage) int {
	if st.MaxAttempts > 0 {
		return st.MaxAttempts
	}
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	return 3
}

func (c Config) timeoutFor(st Stage) time.Duration {
	if st.Timeout > 0 {
		return st.Timeout
	}
	if c.DefaultTimeout > 0 {
		return c.DefaultTimeout
	}
	return 15 * time.Minute
}

func (c Config) workersFor(st Stage) int {
	if st.Workers > 0 {
		return st.Workers
	}
	return 1
}
