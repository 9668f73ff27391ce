// Package task defines the unit of work tracked by the dependency registry.
//
// A Task consumes input paths and produces output paths. Dependencies between
// tasks are never declared directly; they are inferred by the registry from
// output/input path overlap.
package task

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// State is the execution state of a task. Transitions only move forward.
type State int

const (
	Created State = iota
	Scheduled
	Running
	DoneOK
	DoneFailed
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	case DoneOK:
		return "done-ok"
	case DoneFailed:
		return "done-failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool { return s == DoneOK || s == DoneFailed }

var ErrInvalidTransition = errors.New("invalid task state transition")

// Task is shared by reference between the registry, the executor and waiters.
// Identity and path sets are immutable after New; everything else is guarded by mu.
type Task struct {
	id      string
	inputs  []string
	outputs []string
	canFail bool

	command string
	dir     string
	env     []string
	timeout time.Duration

	mu             sync.Mutex
	state          State
	dependencyOnly bool
	deps           []*Task
	exitCode       int
	err            error
	startedAt      time.Time
	finishedAt     time.Time
	done           chan struct{}
}

type Option func(*Task)

// WithCommand sets the shell command the process runner executes.
func WithCommand(cmd string) Option { return func(t *Task) { t.command = cmd } }

func WithDir(dir string) Option { return func(t *Task) { t.dir = dir } }

// WithEnv appends KEY=VALUE pairs to the process environment.
func WithEnv(env ...string) Option {
	return func(t *Task) { t.env = append(t.env, env...) }
}

func WithTimeout(d time.Duration) Option { return func(t *Task) { t.timeout = d } }

// New constructs a task. Path lists are de-duplicated keeping first occurrence.
func New(id string, inputs, outputs []string, canFail, dependencyOnly bool, opts ...Option) *Task {
	t := &Task{
		id:             strings.TrimSpace(id),
		inputs:         dedup(inputs),
		outputs:        dedup(outputs),
		canFail:        canFail,
		dependencyOnly: dependencyOnly,
		exitCode:       -1,
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	return t
}

func dedup(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, p := range in {
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}

func (t *Task) ID() string { return t.id }

// InputFiles returns a copy of the declared inputs in declaration order.
func (t *Task) InputFiles() []string { return append([]string(nil), t.inputs...) }

// OutputFiles returns a copy of the declared outputs in declaration order.
func (t *Task) OutputFiles() []string { return append([]string(nil), t.outputs...) }

func (t *Task) CanFail() bool              { return t.canFail }
func (t *Task) Command() string            { return t.command }
func (t *Task) Dir() string                { return t.dir }
func (t *Task) Env() []string              { return append([]string(nil), t.env...) }
func (t *Task) Timeout() time.Duration     { return t.timeout }
func (t *Task) Done() <-chan struct{}      { return t.done }
func (t *Task) HasOutput(path string) bool { return contains(t.outputs, path) }

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) IsDependencyOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dependencyOnly
}

func (t *Task) SetDependencyOnly(v bool) {
	t.mu.Lock()
	t.dependencyOnly = v
	t.mu.Unlock()
}

// Dependencies returns the tasks this one must wait for.
func (t *Task) Dependencies() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Task(nil), t.deps...)
}

// SetDependencies replaces the dependency snapshot.
func (t *Task) SetDependencies(deps []*Task) {
	t.mu.Lock()
	t.deps = append([]*Task(nil), deps...)
	t.mu.Unlock()
}

func (t *Task) IsScheduled() bool { return t.State() != Created }

func (t *Task) IsDone() bool { return t.State().IsTerminal() }

func (t *Task) IsDoneOk() bool { return t.State() == DoneOK }

// ExitCode is -1 until the task finished.
func (t *Task) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// Err is the failure cause recorded by Finish, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Timing returns start and finish times. Zero values mean "not yet".
func (t *Task) Timing() (started, finished time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt, t.finishedAt
}

// MarkScheduled moves created -> scheduled.
func (t *Task) MarkScheduled() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Created {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, t.id, t.state, Scheduled)
	}
	t.state = Scheduled
	return nil
}

// MarkRunning moves scheduled -> running.
func (t *Task) MarkRunning() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != Scheduled {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, t.id, t.state, Running)
	}
	t.state = Running
	t.startedAt = time.Now()
	return nil
}

// Finish records the terminal state. Exit code 0 with a nil error is success.
// Finishing an already finished task is an error and leaves the first outcome.
func (t *Task) Finish(exitCode int, err error) error {
	t.mu.Lock()
	if t.state.IsTerminal() {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s already %s", ErrInvalidTransition, t.id, t.state)
	}
	if err == nil && exitCode != 0 {
		err = fmt.Errorf("exit code %d", exitCode)
	}
	t.exitCode = exitCode
	t.err = err
	t.finishedAt = time.Now()
	if err == nil {
		t.state = DoneOK
	} else {
		t.state = DoneFailed
	}
	t.mu.Unlock()
	close(t.done)
	return nil
}

// DeleteOutputFiles removes every declared output. Missing files are ignored;
// other errors are joined.
func (t *Task) DeleteOutputFiles() error {
	var errs []error
	for _, p := range t.outputs {
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (t *Task) String() string {
	return fmt.Sprintf("%s[%s]", t.id, t.State())
}

// Describe renders a multi-line dump used in failure diagnostics.
func (t *Task) Describe() string {
	t.mu.Lock()
	state, code, err, depOnly := t.state, t.exitCode, t.err, t.dependencyOnly
	depIDs := make([]string, 0, len(t.deps))
	for _, d := range t.deps {
		depIDs = append(depIDs, d.id)
	}
	t.mu.Unlock()
	sort.Strings(depIDs)

	var b strings.Builder
	fmt.Fprintf(&b, "task %s\n", t.id)
	fmt.Fprintf(&b, "  state: %s\n", state)
	fmt.Fprintf(&b, "  exit code: %d\n", code)
	if err != nil {
		fmt.Fprintf(&b, "  error: %v\n", err)
	}
	fmt.Fprintf(&b, "  can fail: %t\n", t.canFail)
	fmt.Fprintf(&b, "  dependency only: %t\n", depOnly)
	fmt.Fprintf(&b, "  inputs: %s\n", strings.Join(t.inputs, ", "))
	fmt.Fprintf(&b, "  outputs: %s\n", strings.Join(t.outputs, ", "))
	if len(depIDs) > 0 {
		fmt.Fprintf(&b, "  depends on: %s\n", strings.Join(depIDs, ", "))
	}
	if t.command != "" {
		fmt.Fprintf(&b, "  run: %s\n", t.command)
	}
	return b.String()
}
