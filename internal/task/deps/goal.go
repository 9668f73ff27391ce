package deps

import (
	"errors"

	"flowmake/internal/eventbus"
	"flowmake/internal/task"
	logx "flowmake/pkg/logx"
)

// FindNodes returns goal plus every path reachable from it through
// output -> producer -> input edges, in discovery order.
func (r *Registry) FindNodes(goal string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findNodes(goal)
}

func (r *Registry) findNodes(goal string) []string {
	seen := map[string]struct{}{goal: {}}
	nodes := []string{goal}
	for i := 0; i < len(nodes); i++ {
		for _, p := range r.byOutput[nodes[i]] {
			for _, in := range p.InputFiles() {
				if _, ok := seen[in]; ok {
					continue
				}
				seen[in] = struct{}{}
				nodes = append(nodes, in)
			}
		}
	}
	return nodes
}

// FindLeafNodes returns the nodes of goal that no known task produces.
func (r *Registry) FindLeafNodes(goal string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLeafNodes(goal)
}

func (r *Registry) findLeafNodes(goal string) []string {
	var leaves []string
	for _, n := range r.findNodes(goal) {
		if len(r.byOutput[n]) == 0 {
			leaves = append(leaves, n)
		}
	}
	return leaves
}

// GoalNeedsUpdate compares goal against its source leaves only.
func (r *Registry) GoalNeedsUpdate(goal string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.goalNeedsUpdate(goal)
}

func (r *Registry) goalNeedsUpdate(goal string) bool {
	leaves := r.findLeafNodes(goal)
	if r.log.Enabled(logx.LevelDebug) {
		r.log.Debug("goal leaves", logx.String("goal", goal), logx.Strings("leaves", leaves))
	}
	return r.oracle.NeedsUpdate([]string{goal}, leaves)
}

type triggerState int

const (
	inProgress triggerState = iota + 1
	resolved
)

type goalFrame struct {
	goal      string
	producers []*task.Task
	fresh     []*task.Task
	pi        int
	ii        int
	started   bool
}

// Goal brings goal up to date. When the goal is stale, every upstream goal is
// resolved first and then the producers of goal are promoted out of
// dependency-only status and handed to the executor. Upstream tasks are always
// handed over before the tasks that consume their outputs.
//
// Goal returns the tasks handed to the executor, in trigger order. Tasks are
// claimed under the registry lock, so concurrent calls submit each task at
// most once. A failing Execute finishes the task as failed instead of
// aborting resolution.
func (r *Registry) Goal(goal string) ([]*task.Task, error) {
	r.mu.Lock()
	exec := r.exec
	if exec == nil {
		r.mu.Unlock()
		return nil, ErrNoExecutor
	}
	triggered, err := r.goalRun(goal)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, t := range triggered {
		eventbus.Publish(r.bus, eventbus.TaskTriggered, t.ID())
		r.submit(exec, t)
	}
	if len(triggered) > 0 {
		r.log.Info("goal triggered", logx.String("goal", goal), logx.Int("tasks", len(triggered)))
	} else {
		r.log.Debug("goal up to date", logx.String("goal", goal))
	}
	return triggered, nil
}

// goalRun resolves goal with an explicit stack. Each frame is one goal; the
// frame walks its producers and, for each one, the producer's inputs as
// nested goals. Once all producers are resolved, the frame's freshly
// triggered producers are promoted in order. Caller holds r.mu.
func (r *Registry) goalRun(goal string) ([]*task.Task, error) {
	state := map[*task.Task]triggerState{}
	var order []*task.Task
	var stack []*goalFrame

	push := func(g string) {
		if !r.goalNeedsUpdate(g) {
			return
		}
		producers := r.byOutput[g]
		if len(producers) == 0 {
			return
		}
		stack = append(stack, &goalFrame{goal: g, producers: append([]*task.Task(nil), producers...)})
	}

	push(goal)
	for len(stack) > 0 {
		f := stack[len(stack)-1]

		if f.pi >= len(f.producers) {
			for _, t := range f.fresh {
				r.promote(t)
				r.claimed[t] = struct{}{}
				order = append(order, t)
			}
			stack = stack[:len(stack)-1]
			continue
		}

		p := f.producers[f.pi]
		if !f.started {
			switch state[p] {
			case inProgress:
				return nil, &CircularDependencyError{TaskID: p.ID(), Goal: goal, Path: triggerPath(stack, p)}
			case resolved:
				f.pi++
				continue
			}
			state[p] = inProgress
			// A task owned by someone else is not submitted again, but its
			// inputs are still resolved.
			if !p.IsScheduled() && !r.isClaimed(p) {
				f.fresh = append(f.fresh, p)
			}
			f.started = true
		}

		inputs := p.InputFiles()
		if f.ii < len(inputs) {
			in := inputs[f.ii]
			f.ii++
			push(in)
			continue
		}

		state[p] = resolved
		f.pi++
		f.ii = 0
		f.started = false
	}
	return order, nil
}

// promote turns t into a real execution target. Its dependency snapshot is
// extended with the producers that are now live. Caller holds r.mu.
func (r *Registry) promote(t *task.Task) {
	t.SetDependencyOnly(false)
	current := t.Dependencies()
	seen := make(map[*task.Task]struct{}, len(current))
	for _, d := range current {
		seen[d] = struct{}{}
	}
	for _, d := range r.directDependencies(t) {
		if _, ok := seen[d]; !ok {
			current = append(current, d)
		}
	}
	t.SetDependencies(current)
}

// Claim reserves t for submission by the caller. It reports false when t is
// already scheduled or was claimed by an earlier caller or goal resolution.
func (r *Registry) Claim(t *task.Task) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.IsScheduled() || r.isClaimed(t) {
		return false
	}
	r.claimed[t] = struct{}{}
	return true
}

func (r *Registry) isClaimed(t *task.Task) bool {
	_, ok := r.claimed[t]
	return ok
}

// submit hands a claimed task to exec. Only the claimant finishes it on a
// submission error; a task some other path already scheduled is left alone.
func (r *Registry) submit(exec Executor, t *task.Task) {
	err := exec.Execute(t)
	if err == nil {
		return
	}
	if errors.Is(err, task.ErrInvalidTransition) {
		r.log.Warn("task already submitted elsewhere", logx.String("task_id", t.ID()), logx.Err(err))
		return
	}
	r.log.Error("execute failed", logx.String("task_id", t.ID()), logx.Err(err))
	if !t.IsDone() {
		_ = t.Finish(-1, err)
	}
}

// Submit claims t and hands it to the registry's executor. It reports false
// when t was already claimed or scheduled.
func (r *Registry) Submit(t *task.Task) (bool, error) {
	r.mu.Lock()
	exec := r.exec
	r.mu.Unlock()
	if exec == nil {
		return false, ErrNoExecutor
	}
	if !r.Claim(t) {
		return false, nil
	}
	r.submit(exec, t)
	return true, nil
}

func triggerPath(stack []*goalFrame, closing *task.Task) []string {
	var path []string
	recording := false
	for _, f := range stack {
		if f.pi >= len(f.producers) || !f.started {
			continue
		}
		cur := f.producers[f.pi]
		if cur == closing {
			recording = true
		}
		if recording {
			path = append(path, cur.ID())
		}
	}
	return append(path, closing.ID())
}
