package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"flowmake/internal/eventbus"
	"flowmake/internal/observability/status"
	"flowmake/internal/pipeline"
	"flowmake/internal/storage"
	"flowmake/internal/task/deps"
	"flowmake/internal/task/engine"
	"flowmake/internal/task/scheduler"
	"flowmake/internal/task/stale"
	logx "flowmake/pkg/logx"
)

var (
	// ErrConfig marks configuration errors.
	ErrConfig = errors.New("config error")
	// ErrPipeline marks pipeline load errors and dependency cycles.
	ErrPipeline = errors.New("pipeline error")
)

type App struct {
	cfgm *ConfigManager
	sup  *Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	runner engine.Runner
	engine *engine.Service
	sched  *scheduler.Service
	oracle stale.Oracle
	status *status.Service

	// buildMu serializes build rounds; watch triggers and schedules share
	// one engine. It also guards root and rootTasks.
	buildMu   sync.Mutex
	root      *deps.Registry
	rootTasks []pipeline.TaskSpec
	buildID   atomic.Value // string
	poll      atomic.Int64 // time.Duration
	lastBuild atomic.Pointer[Result]

	stopOnce sync.Once
}

type Option func(*App)

// WithRunner replaces the process runner. Used by tests.
func WithRunner(r engine.Runner) Option { return func(a *App) { a.runner = r } }

// WithOracle replaces the mtime staleness check.
func WithOracle(o stale.Oracle) Option { return func(a *App) { a.oracle = o } }

// New loads the config at cfgPath (empty means defaults) and starts the
// engine and the history recorder.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New()}
	for _, o := range opts {
		if o != nil {
			o(a)
		}
	}
	a.buildID.Store("")
	a.poll.Store(int64(pollInterval(cfg)))

	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		logSvc.Close()
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	} else if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			logSvc.Close()
			return nil, fmt.Errorf("storage: %w", err)
		}
		a.store = st
		log.Info("run history enabled", logx.String("driver", sc.Driver))
	}

	engCfg, err := mapEngineConfig(cfg)
	if err != nil {
		a.closeEarly()
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if a.runner == nil {
		a.runner = engine.NewProcessRunner(cfg.Engine.Shell, cfg.Engine.LogDir, log.With(logx.String("comp", "runner")))
	}
	if a.oracle == nil {
		a.oracle = stale.NewModTime(log.With(logx.String("comp", "stale")))
	}
	a.engine = engine.New(engCfg, a.runner, log.With(logx.String("comp", "engine")), a.bus)
	a.sched = scheduler.New(mapSchedulerConfig(cfg), log.With(logx.String("comp", "scheduler")))
	a.status = status.New(mapStatusConfig(cfg), a.statusDoc, log.With(logx.String("comp", "status")))

	a.sup = NewSupervisor(context.Background(), WithSupervisorLogger(log))
	a.engine.Start(a.sup.Context())
	a.startRecorder()
	a.startEventLog()
	return a, nil
}

func (a *App) closeEarly() {
	if a.store != nil {
		_ = a.store.Close()
	}
	a.logs.Close()
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Config() *Config { return a.cfgm.Get() }

// Store returns the run-history store, nil when disabled.
func (a *App) Store() storage.Store { return a.store }

func (a *App) Engine() *engine.Service { return a.engine }

// Done is closed when the app is stopping.
func (a *App) Done() <-chan struct{} { return a.sup.Context().Done() }

// Err returns the first error reported by a supervised goroutine.
func (a *App) Err() error { return a.sup.Err() }

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Trace("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

// Stop shuts the app down. Each step is bounded so one stuck component
// cannot stall the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	var firstErr error
	a.stopOnce.Do(func() {
		a.log.Info("stopping", logx.String("reason", string(reason)))

		step := func(name string, max time.Duration, fn func(context.Context) error) {
			start := time.Now()
			stepCtx := ctx
			if max > 0 {
				if dl, ok := ctx.Deadline(); ok && time.Until(dl) < max {
					max = time.Until(dl)
				}
				var cancel context.CancelFunc
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}

			done := make(chan error, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- fmt.Errorf("panic in stop step %s: %v", name, r)
					}
				}()
				done <- fn(stepCtx)
			}()

			select {
			case err := <-done:
				if err != nil {
					a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
					if firstErr == nil {
						firstErr = err
					}
				}
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
			case <-stepCtx.Done():
				a.log.Warn("stop step deadline reached (continuing)",
					logx.String("name", name),
					logx.Err(stepCtx.Err()),
					logx.Duration("elapsed", time.Since(start)),
				)
			}
		}

		step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
		step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
		step("engine", 3*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })

		// Cancelling the supervisor ends the config, watcher and recorder
		// loops; the recorder drains what the engine already published.
		a.sup.Cancel()
		step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
		step("storage", time.Second, func(context.Context) error {
			if a.store != nil {
				return a.store.Close()
			}
			return nil
		})

		a.log.Info("stopped")
		a.logs.Close()
	})
	return firstErr
}
