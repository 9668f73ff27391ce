package deps

import "flowmake/internal/task"

const (
	onPath = iota + 1
	finished
)

type cycleFrame struct {
	t    *task.Task
	next []*task.Task
	i    int
}

// findCycle reports whether inserting cand would close a cycle. The registry
// is acyclic before the call, so any cycle found runs through cand. Edges go
// from a task to the producers of its inputs; cand counts as a producer of its
// own outputs. Returns the witness path, or nil.
//
// Only tasks on the active traversal path signal a cycle. A task reached a
// second time through a sibling branch (a diamond) is legal.
// Caller holds r.mu.
func (r *Registry) findCycle(cand *task.Task) []string {
	color := map[*task.Task]int{cand: onPath}
	stack := []cycleFrame{{t: cand, next: r.upstream(cand, cand)}}

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.i >= len(top.next) {
			color[top.t] = finished
			stack = stack[:len(stack)-1]
			continue
		}
		n := top.next[top.i]
		top.i++

		switch color[n] {
		case onPath:
			return cyclePath(stack, n)
		case finished:
			continue
		}
		color[n] = onPath
		stack = append(stack, cycleFrame{t: n, next: r.upstream(n, cand)})
	}
	return nil
}

// upstream lists the distinct producers of t's inputs, including cand when
// cand declares one of them.
func (r *Registry) upstream(t, cand *task.Task) []*task.Task {
	var out []*task.Task
	seen := map[*task.Task]struct{}{}
	add := func(p *task.Task) {
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, in := range t.InputFiles() {
		for _, p := range r.byOutput[in] {
			add(p)
		}
		if cand.HasOutput(in) {
			add(cand)
		}
	}
	return out
}

func cyclePath(stack []cycleFrame, closing *task.Task) []string {
	start := 0
	for i := range stack {
		if stack[i].t == closing {
			start = i
			break
		}
	}
	path := make([]string, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, f.t.ID())
	}
	return append(path, closing.ID())
}
