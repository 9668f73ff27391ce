package engine

import (
	"context"
	"time"

	"flowmake/internal/task"
)

// Config controls the execution engine.
//
// The app layer maps config.engine into this struct.
type Config struct {
	// Workers bounds how many task processes run at once.
	Workers int

	// DefaultTimeout is used when a task has no timeout of its own. 0 means none.
	DefaultTimeout time.Duration

	// RetryMax is the number of extra attempts after a failed run. Builds
	// default to 0: a failing command usually fails again.
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	RetryJitter   float64 // 0.2 = 20%

	// LaunchRate throttles process launches (per second). 0 disables it.
	LaunchRate  float64
	LaunchBurst int

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.RetryMax < 0 {
		c.RetryMax = 0
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 500 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 15 * time.Second
	}
	if c.RetryJitter <= 0 {
		c.RetryJitter = 0.2
	}
	if c.LaunchBurst <= 0 {
		c.LaunchBurst = 1
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Runner executes one attempt of a task and reports its exit code.
//
// A nil error with exit code 0 is success. Errors wrapped with NoRetry are
// never retried.
type Runner interface {
	Run(ctx context.Context, t *task.Task) (exitCode int, err error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, t *task.Task) (int, error)

func (f RunnerFunc) Run(ctx context.Context, t *task.Task) (int, error) { return f(ctx, t) }

type HistoryItem struct {
	ID        string
	Started   time.Time
	DepsDelay time.Duration
	Duration  time.Duration
	Attempts  int
	ExitCode  int
	Error     string
}

// TaskEvent is the payload of task.started / task.finished / task.failed.
type TaskEvent struct {
	ID        string        `json:"id"`
	Started   time.Time     `json:"started"`
	DepsDelay time.Duration `json:"deps_delay"`
	Duration  time.Duration `json:"duration"`
	Attempts  int           `json:"attempts"`
	ExitCode  int           `json:"exit_code"`
	CanFail   bool          `json:"can_fail"`
	Error     string        `json:"error,omitempty"`
}

// Snapshot is a lightweight view for diagnostics.
type Snapshot struct {
	Running bool
	Workers int

	InFlight         int
	WaitingForDeps   int
	WaitingForPermit int

	Submitted uint64
	Succeeded uint64
	Failed    uint64

	DefaultTimeout time.Duration
	RetryMax       int
	LaunchRate     float64

	History []HistoryItem
}
