// Package deps tracks tasks and the implicit dependency graph between them.
//
// The graph is never declared: a task depends on another when one of its input
// paths is an output path of the other. The Registry indexes tasks by id and by
// output path, rejects insertions that would close a cycle, resolves goals
// (output paths) into an ordered set of tasks to execute, and waits for
// completion.
package deps

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"flowmake/internal/eventbus"
	"flowmake/internal/task"
	"flowmake/internal/task/stale"
	logx "flowmake/pkg/logx"
)

// DefaultPollInterval is how often waiters re-check a task that has not
// signalled completion.
const DefaultPollInterval = 250 * time.Millisecond

// Executor starts a task. Execute must not block on the task's completion and
// must eventually drive it to a terminal state.
type Executor interface {
	Execute(t *task.Task) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(t *task.Task) error

func (f ExecutorFunc) Execute(t *task.Task) error { return f(t) }

// Registry owns the set of known tasks. All index mutation happens under mu.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*task.Task
	byOutput map[string][]*task.Task
	tasks    []*task.Task
	cleaned  map[string]struct{}
	claimed  map[*task.Task]struct{} // submitted, or about to be, by this registry

	parent *Registry
	exec   Executor
	oracle stale.Oracle
	log    logx.Logger
	bus    eventbus.Bus
	poll   time.Duration
}

type Option func(*Registry)

// WithParent makes additions also register in parent. Lookups stay local.
func WithParent(parent *Registry) Option { return func(r *Registry) { r.parent = parent } }

func WithExecutor(e Executor) Option { return func(r *Registry) { r.exec = e } }

func WithOracle(o stale.Oracle) Option { return func(r *Registry) { r.oracle = o } }

func WithLogger(log logx.Logger) Option { return func(r *Registry) { r.log = log } }

func WithBus(b eventbus.Bus) Option { return func(r *Registry) { r.bus = b } }

func WithPollInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.poll = d
		}
	}
}

// New returns an empty registry. Without WithOracle it compares mtimes.
func New(opts ...Option) *Registry {
	r := &Registry{
		byID:     map[string]*task.Task{},
		byOutput: map[string][]*task.Task{},
		cleaned:  map[string]struct{}{},
		claimed:  map[*task.Task]struct{}{},
		poll:     DefaultPollInterval,
	}
	for _, o := range opts {
		if o != nil {
			o(r)
		}
	}
	if r.oracle == nil {
		r.oracle = stale.NewModTime(r.log.With(logx.String("comp", "stale")))
	}
	return r
}

// SetExecutor replaces the execution collaborator.
func (r *Registry) SetExecutor(e Executor) {
	r.mu.Lock()
	r.exec = e
	r.mu.Unlock()
}

// Add registers t. Re-adding an id that is already known is a no-op.
//
// Add fails with *CircularDependencyError, leaving every index untouched, when
// t would close a cycle. Otherwise t is indexed and, unless it is
// dependency-only, its direct dependencies are recorded.
func (r *Registry) Add(t *task.Task) error {
	if t == nil || t.ID() == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidTask)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[t.ID()]; ok {
		return nil
	}
	if path := r.findCycle(t); path != nil {
		err := &CircularDependencyError{TaskID: t.ID(), Path: path}
		r.log.Error("circular dependency", logx.String("task_id", t.ID()), logx.Strings("path", path))
		return err
	}
	if r.parent != nil {
		if err := r.parent.Add(t); err != nil {
			return err
		}
	}

	r.insert(t)
	if !t.IsDependencyOnly() {
		t.SetDependencies(r.directDependencies(t))
	}

	if r.log.Enabled(logx.LevelDebug) {
		r.log.Debug("task added",
			logx.String("task_id", t.ID()),
			logx.Strings("inputs", t.InputFiles()),
			logx.Strings("outputs", t.OutputFiles()),
			logx.Bool("dependency_only", t.IsDependencyOnly()),
			logx.Int("deps", len(t.Dependencies())),
		)
	}
	eventbus.Publish(r.bus, eventbus.TaskAdded, t.ID())
	return nil
}

func (r *Registry) insert(t *task.Task) {
	r.byID[t.ID()] = t
	r.tasks = append(r.tasks, t)
	for _, out := range t.OutputFiles() {
		r.byOutput[out] = append(r.byOutput[out], t)
	}
}

// directDependencies returns the producers of t's inputs that may still block
// it: not finished and not merely dependency-only.
func (r *Registry) directDependencies(t *task.Task) []*task.Task {
	var out []*task.Task
	seen := map[*task.Task]struct{}{}
	for _, in := range t.InputFiles() {
		for _, p := range r.byOutput[in] {
			if p == t {
				continue
			}
			if _, dup := seen[p]; dup {
				continue
			}
			if p.IsDone() || p.IsDependencyOnly() {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

func (r *Registry) Get(id string) (*task.Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byID[id]
	return t, ok
}

func (r *Registry) HasTask(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Producers returns the tasks declaring path as an output, in insertion order.
func (r *Registry) Producers(path string) []*task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*task.Task(nil), r.byOutput[path]...)
}

// Tasks returns every task in insertion order.
func (r *Registry) Tasks() []*task.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*task.Task(nil), r.tasks...)
}

// TaskIDs returns every task id in insertion order.
func (r *Registry) TaskIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.tasks))
	for _, t := range r.tasks {
		ids = append(ids, t.ID())
	}
	return ids
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

// ExitCode returns the exit code of id, or 0 when the id is unknown.
func (r *Registry) ExitCode(id string) int {
	t, ok := r.Get(id)
	if !ok {
		return 0
	}
	return t.ExitCode()
}

// String lists every output path, sorted, followed by its producers.
func (r *Registry) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	outs := make([]string, 0, len(r.byOutput))
	for out := range r.byOutput {
		outs = append(outs, out)
	}
	sort.Strings(outs)

	var b strings.Builder
	for _, out := range outs {
		b.WriteString(out)
		b.WriteString(":\n")
		for _, t := range r.byOutput[out] {
			b.WriteString("\t")
			b.WriteString(t.ID())
			b.WriteString("\n")
		}
	}
	return b.String()
}
