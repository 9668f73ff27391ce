package deps

import (
	"context"
	"time"

	"flowmake/internal/eventbus"
	"flowmake/internal/task"
	logx "flowmake/pkg/logx"
)

// WaitTask blocks until task id is done and reports whether the outcome is
// acceptable: done-ok, or failed with canFail set.
//
// Unknown ids and dependency-only tasks that were never scheduled need no
// waiting and report true. A fatal failure removes the task's declared outputs
// so a later incremental run cannot mistake a partial artifact for a finished
// one. Cancelling ctx returns false without cleanup.
func (r *Registry) WaitTask(ctx context.Context, id string) bool {
	t, ok := r.Get(id)
	if !ok {
		return true
	}
	if t.IsDependencyOnly() && !t.IsScheduled() {
		return true
	}
	if !r.awaitDone(ctx, t) {
		return false
	}

	if t.IsDoneOk() || t.CanFail() {
		return true
	}
	r.cleanupFailed(t)
	return false
}

// awaitDone waits on the task's done channel and also re-checks the state on
// every poll tick.
func (r *Registry) awaitDone(ctx context.Context, t *task.Task) bool {
	if t.IsDone() {
		return true
	}
	poll := r.poll
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	tick := time.NewTicker(poll)
	defer tick.Stop()

	for {
		select {
		case <-t.Done():
			return true
		case <-tick.C:
			if t.IsDone() {
				return true
			}
		case <-ctx.Done():
			return false
		}
	}
}

func (r *Registry) cleanupFailed(t *task.Task) {
	r.mu.Lock()
	_, already := r.cleaned[t.ID()]
	r.cleaned[t.ID()] = struct{}{}
	r.mu.Unlock()
	if already {
		return
	}

	r.log.Error("task failed",
		logx.String("task_id", t.ID()),
		logx.Int("exit_code", t.ExitCode()),
		logx.Err(t.Err()),
		logx.String("task", t.Describe()),
	)
	if err := t.DeleteOutputFiles(); err != nil {
		r.log.Warn("output cleanup incomplete", logx.String("task_id", t.ID()), logx.Err(err))
	}
	eventbus.Publish(r.bus, eventbus.TaskCleanup, t.ID())
}

// WaitTasksAll waits for every task known at call time. It keeps waiting after
// a failure so that every task gets to finish; the result is the AND of all
// outcomes.
func (r *Registry) WaitTasksAll(ctx context.Context) bool {
	if !r.IsTasksDone() {
		r.log.Info("waiting for all tasks to finish")
	}
	ok := true
	for _, id := range r.TaskIDs() {
		if !r.WaitTask(ctx, id) {
			ok = false
		}
	}
	return ok
}

// IsTasksDone reports whether every task that needs waiting is terminal.
func (r *Registry) IsTasksDone() bool {
	for _, t := range r.Tasks() {
		if t.IsDependencyOnly() && !t.IsScheduled() {
			continue
		}
		if !t.IsDone() {
			return false
		}
	}
	return true
}
