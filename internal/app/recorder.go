package app

import (
	"context"
	"time"

	"flowmake/internal/eventbus"
	"flowmake/internal/storage"
	"flowmake/internal/task/engine"
	logx "flowmake/pkg/logx"
)

// startRecorder appends one run record per finished task to the store.
func (a *App) startRecorder() {
	if a.store == nil {
		return
	}
	events, unsub := a.bus.Subscribe(1024)
	log := a.log.With(logx.String("comp", "history"))
	a.sup.Go0("history.recorder", func(c context.Context) {
		defer unsub()
		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				a.record(log, e)
			case <-c.Done():
				// Drain what was published before shutdown.
				for {
					select {
					case e, ok := <-events:
						if !ok {
							return
						}
						a.record(log, e)
					default:
						return
					}
				}
			}
		}
	})
}

func (a *App) record(log logx.Logger, e eventbus.Event) {
	if e.Type != eventbus.TaskFinished && e.Type != eventbus.TaskFailed {
		return
	}
	ev, ok := e.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	buildID, _ := a.buildID.Load().(string)
	r := storage.RunRecord{
		BuildID:    buildID,
		TaskID:     ev.ID,
		StartedAt:  ev.Started,
		FinishedAt: ev.Started.Add(ev.Duration),
		DurationMS: ev.Duration.Milliseconds(),
		ExitCode:   ev.ExitCode,
		OK:         e.Type == eventbus.TaskFinished,
		CanFail:    ev.CanFail,
		Attempts:   ev.Attempts,
		Error:      ev.Error,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.AppendRun(ctx, r); err != nil {
		log.Warn("run record dropped", logx.String("task_id", ev.ID), logx.Err(err))
	}
}
