package pipeline

import (
	"fmt"

	"flowmake/internal/task"
	"flowmake/internal/task/deps"
	logx "flowmake/pkg/logx"
)

// Report lists what Apply did, by task id.
type Report struct {
	Started   []string // non-dependency tasks handed to the executor
	UpToDate  []string // non-dependency tasks whose outputs were already current
	Triggered []string // tasks promoted by goal requests
}

// Applier feeds built tasks to a registry. When Executor is set it becomes
// the registry's executor.
type Applier struct {
	Registry *deps.Registry
	Executor deps.Executor
	Log      logx.Logger
}

// Apply registers tasks in order, aborting on the first cycle. A
// non-dependency task is finished as successful without running when nothing
// it consumes is pending and every output is current against its source
// leaves. A stale output is requested as a goal, so dependency-only producers
// upstream run first. Goals are then requested in order.
func (a Applier) Apply(tasks []*task.Task, goals []string) (Report, error) {
	var rep Report
	if a.Executor == nil {
		return rep, deps.ErrNoExecutor
	}
	a.Registry.SetExecutor(a.Executor)
	log := a.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	for _, t := range tasks {
		if err := a.Registry.Add(t); err != nil {
			return rep, err
		}
		if t.IsDependencyOnly() {
			continue
		}
		outputs := t.OutputFiles()
		if len(t.Dependencies()) > 0 || len(outputs) == 0 {
			if err := a.start(t, &rep); err != nil {
				return rep, err
			}
			continue
		}

		var stale []string
		for _, out := range outputs {
			if a.Registry.GoalNeedsUpdate(out) {
				stale = append(stale, out)
			}
		}
		if len(stale) == 0 {
			if !a.Registry.Claim(t) {
				continue
			}
			if err := t.Finish(0, nil); err != nil {
				return rep, fmt.Errorf("task %q: %w", t.ID(), err)
			}
			log.Debug("task up to date", logx.String("task_id", t.ID()))
			rep.UpToDate = append(rep.UpToDate, t.ID())
			continue
		}

		started := false
		for _, out := range stale {
			triggered, err := a.Registry.Goal(out)
			if err != nil {
				return rep, err
			}
			for _, tt := range triggered {
				if tt == t {
					started = true
					continue
				}
				rep.Triggered = append(rep.Triggered, tt.ID())
			}
		}
		if started {
			rep.Started = append(rep.Started, t.ID())
			continue
		}
		if err := a.start(t, &rep); err != nil {
			return rep, err
		}
	}

	for _, g := range goals {
		triggered, err := a.Registry.Goal(g)
		if err != nil {
			return rep, err
		}
		for _, t := range triggered {
			rep.Triggered = append(rep.Triggered, t.ID())
		}
	}
	return rep, nil
}

// start submits t unless something already claimed it.
func (a Applier) start(t *task.Task, rep *Report) error {
	ok, err := a.Registry.Submit(t)
	if err != nil {
		return fmt.Errorf("task %q: %w", t.ID(), err)
	}
	if ok {
		rep.Started = append(rep.Started, t.ID())
	}
	return nil
}
