package app

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"flowmake/internal/pipeline"
	"flowmake/internal/task/deps"
	logx "flowmake/pkg/logx"
)

// Result summarizes one build round.
type Result struct {
	BuildID  string        `json:"build_id"`
	Goals    []string      `json:"goals"`
	OK       bool          `json:"ok"`
	Duration time.Duration `json:"duration"`

	Started   []string `json:"started,omitempty"` // non-dependency tasks run directly
	UpToDate  []string `json:"up_to_date,omitempty"`
	Triggered []string `json:"triggered,omitempty"` // tasks promoted by goals
	Failed    []string `json:"failed,omitempty"`    // failures that fail the build
	Tolerated []string `json:"tolerated,omitempty"` // failures of can_fail tasks

	// Leaves maps each goal to its source files.
	Leaves map[string][]string `json:"leaves,omitempty"`
}

// Build runs one round: it loads the pipeline, registers its tasks in a
// fresh registry scoped under the app's process-wide one, requests goals (the
// pipeline's own when none are given) and waits for every task.
//
// Load errors, invalid tasks and cycles wrap ErrPipeline. A failed task only clears OK.
func (a *App) Build(ctx context.Context, pipelinePath string, goals []string) (Result, error) {
	a.buildMu.Lock()
	defer a.buildMu.Unlock()

	start := time.Now()
	res := Result{BuildID: strconv.FormatInt(start.UnixNano(), 36)}
	a.buildID.Store(res.BuildID)

	p, err := pipeline.Load(pipelinePath)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrPipeline, err)
	}
	if len(goals) == 0 {
		goals = p.Goals
	}
	res.Goals = goals

	cfg := a.cfgm.Get()
	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	tasks, err := p.Build(engCfg.DefaultTimeout)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrPipeline, err)
	}

	log := a.log.With(logx.String("build_id", res.BuildID))
	reg := deps.New(
		deps.WithParent(a.rootFor(p)),
		deps.WithExecutor(a.engine),
		deps.WithOracle(a.oracle),
		deps.WithLogger(log.With(logx.String("comp", "deps"))),
		deps.WithBus(a.bus),
		deps.WithPollInterval(time.Duration(a.poll.Load())),
	)

	log.Info("build started", logx.String("pipeline", pipelinePath), logx.Strings("goals", goals), logx.Int("tasks", len(tasks)))
	rep, err := pipeline.Applier{Registry: reg, Executor: a.engine, Log: log}.Apply(tasks, goals)
	res.Started, res.UpToDate, res.Triggered = rep.Started, rep.UpToDate, rep.Triggered
	if err != nil {
		// Already submitted tasks keep running; let them finish before
		// reporting.
		reg.WaitTasksAll(ctx)
		if errors.Is(err, deps.ErrNoExecutor) {
			return res, err
		}
		return res, fmt.Errorf("%w: %w", ErrPipeline, err)
	}

	res.OK = reg.WaitTasksAll(ctx)
	res.Duration = time.Since(start)
	for _, t := range reg.Tasks() {
		if !t.IsDone() || t.IsDoneOk() {
			continue
		}
		if t.CanFail() {
			res.Tolerated = append(res.Tolerated, t.ID())
		} else {
			res.Failed = append(res.Failed, t.ID())
		}
	}
	res.Leaves = make(map[string][]string, len(goals))
	for _, g := range goals {
		res.Leaves[g] = reg.FindLeafNodes(g)
	}

	fields := []logx.Field{
		logx.Bool("ok", res.OK),
		logx.Duration("took", res.Duration),
		logx.Int("started", len(res.Started)),
		logx.Int("triggered", len(res.Triggered)),
		logx.Int("up_to_date", len(res.UpToDate)),
	}
	if len(res.Failed) > 0 {
		fields = append(fields, logx.Strings("failed", res.Failed))
	}
	if len(res.Tolerated) > 0 {
		fields = append(fields, logx.Strings("tolerated", res.Tolerated))
	}
	last := res
	a.lastBuild.Store(&last)
	if res.OK {
		log.Info("build finished", fields...)
	} else {
		log.Warn("build failed", fields...)
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	return res, nil
}

// rootFor returns the process-wide registry for p. It is replaced, and
// installed as deps.Default, only when the task declarations change; rounds
// over an unchanged pipeline share it. Caller holds buildMu.
func (a *App) rootFor(p *pipeline.Pipeline) *deps.Registry {
	if a.root != nil && reflect.DeepEqual(a.rootTasks, p.Tasks) {
		return a.root
	}
	a.root = deps.New(
		deps.WithOracle(a.oracle),
		deps.WithLogger(a.log.With(logx.String("comp", "deps"))),
		deps.WithBus(a.bus),
	)
	a.rootTasks = append([]pipeline.TaskSpec(nil), p.Tasks...)
	deps.SetDefault(a.root)
	a.log.Debug("process registry reinitialized", logx.Int("tasks", len(p.Tasks)))
	return a.root
}
