package app

import (
	"context"

	"flowmake/internal/storage"
	"flowmake/internal/task/engine"
	"flowmake/internal/task/scheduler"
)

type statusReport struct {
	LastBuild  *Result             `json:"last_build,omitempty"`
	Engine     engine.Snapshot     `json:"engine"`
	Scheduler  scheduler.Snapshot  `json:"scheduler"`
	RecentRuns []storage.RunRecord `json:"recent_runs,omitempty"`
}

// statusDoc backs the status server's /status endpoint.
func (a *App) statusDoc(ctx context.Context) (any, error) {
	doc := statusReport{
		LastBuild: a.lastBuild.Load(),
		Engine:    a.engine.Snapshot(),
		Scheduler: a.sched.Snapshot(),
	}
	if a.store != nil {
		runs, err := a.store.RecentRuns(ctx, 20)
		if err != nil {
			return nil, err
		}
		doc.RecentRuns = runs
	}
	return doc, nil
}

// LastBuild returns the most recent build result, nil before the first one.
func (a *App) LastBuild() *Result { return a.lastBuild.Load() }
