// Package pipeline loads task declarations from a YAML or JSON file and feeds
// them to a dependency registry.
//
// File paths in a pipeline are used as written; relative paths resolve
// against the process working directory.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"flowmake/internal/config"
	"flowmake/internal/task"
)

var ErrInvalid = errors.New("invalid pipeline")

// TaskSpec is one declared task.
type TaskSpec struct {
	ID      string            `json:"id"`
	Inputs  []string          `json:"inputs,omitempty"`
	Outputs []string          `json:"outputs,omitempty"`
	Run     string            `json:"run"`
	CanFail bool              `json:"can_fail,omitempty"`
	Dep     bool              `json:"dep,omitempty"` // dependency-only: runs when a goal needs it
	Dir     string            `json:"dir,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty"`
}

type Pipeline struct {
	Path  string     `json:"-"`
	Tasks []TaskSpec `json:"tasks"`
	Goals []string   `json:"goals,omitempty"`
}

func Load(path string) (*Pipeline, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(path, b)
}

// Parse decodes a pipeline document; path selects the format.
func Parse(path string, data []byte) (*Pipeline, error) {
	var p Pipeline
	if err := config.DecodeStrict(path, data, &p); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, path, err)
	}
	p.Path = path
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks ids, commands and timeouts. Dependency-only tasks must
// declare outputs, otherwise no goal could ever reach them.
func (p *Pipeline) Validate() error {
	var errs []error
	seen := map[string]bool{}
	for i, ts := range p.Tasks {
		id := strings.TrimSpace(ts.ID)
		where := fmt.Sprintf("tasks[%d]", i)
		if id == "" {
			errs = append(errs, fmt.Errorf("%s: id required", where))
		} else {
			where = fmt.Sprintf("task %q", id)
			if seen[id] {
				errs = append(errs, fmt.Errorf("%s: duplicate id", where))
			}
			seen[id] = true
		}
		if strings.TrimSpace(ts.Run) == "" {
			errs = append(errs, fmt.Errorf("%s: run required", where))
		}
		if ts.Dep && len(nonEmpty(ts.Outputs)) == 0 {
			errs = append(errs, fmt.Errorf("%s: dependency-only task needs outputs", where))
		}
		if _, err := config.ParseDurationField(where+".timeout", ts.Timeout); err != nil {
			errs = append(errs, err)
		}
		for k := range ts.Env {
			if k == "" || strings.Contains(k, "=") {
				errs = append(errs, fmt.Errorf("%s: invalid env name %q", where, k))
			}
		}
	}
	for i, g := range p.Goals {
		if strings.TrimSpace(g) == "" {
			errs = append(errs, fmt.Errorf("goals[%d]: empty", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func nonEmpty(in []string) []string {
	var out []string
	for _, s := range in {
		if strings.TrimSpace(s) != "" {
			out = append(out, s)
		}
	}
	return out
}

// Build creates fresh tasks in declaration order. defaultTimeout applies to
// tasks without their own timeout.
func (p *Pipeline) Build(defaultTimeout time.Duration) ([]*task.Task, error) {
	out := make([]*task.Task, 0, len(p.Tasks))
	for _, ts := range p.Tasks {
		t, err := ts.Task(defaultTimeout)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func (ts TaskSpec) Task(defaultTimeout time.Duration) (*task.Task, error) {
	timeout, err := config.ParseDurationOrDefault("task "+ts.ID+".timeout", ts.Timeout, defaultTimeout)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ts.Env))
	for k := range ts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+ts.Env[k])
	}
	return task.New(ts.ID, ts.Inputs, ts.Outputs, ts.CanFail, ts.Dep,
		task.WithCommand(ts.Run),
		task.WithDir(ts.Dir),
		task.WithEnv(env...),
		task.WithTimeout(timeout),
	), nil
}

// Outputs returns every declared output, in declaration order.
func (p *Pipeline) Outputs() []string {
	var out []string
	seen := map[string]bool{}
	for _, ts := range p.Tasks {
		for _, o := range nonEmpty(ts.Outputs) {
			if !seen[o] {
				seen[o] = true
				out = append(out, o)
			}
		}
	}
	return out
}
