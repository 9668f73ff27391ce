package app

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"flowmake/internal/task/scheduler"
	"flowmake/internal/task/watch"
	logx "flowmake/pkg/logx"
)

// allGoals keys the pipeline file in the watch set: editing it rebuilds the
// requested goals.
const allGoals = "*"

type WatchOptions struct {
	Pipeline string
	Goals    []string // empty means the pipeline's goals

	// Ready runs once after the initial build, with the watcher and
	// schedules in place.
	Ready func()
	// OnBuild observes every build round, including the initial one.
	OnBuild func(Result, error)
}

type watchSession struct {
	a    *App
	opts WatchOptions
	log  logx.Logger
	w    *watch.Watcher

	mu     sync.Mutex
	leaves map[string][]string
	sched  map[string]struct{} // schedule names owned by this session
}

// Watch builds once, then rebuilds goals whose sources change and runs the
// configured schedules until ctx is done or the app stops. A broken pipeline
// does not end the session; the pipeline file stays watched.
func (a *App) Watch(ctx context.Context, opts WatchOptions) error {
	cfg := a.cfgm.Get()
	d, err := cfg.ResolveDurations()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}
	log := a.log.With(logx.String("comp", "watch"))
	s := &watchSession{
		a:      a,
		opts:   opts,
		log:    log,
		w:      watch.New(d.Debounce, log),
		leaves: map[string][]string{},
		sched:  map[string]struct{}{},
	}

	s.build(ctx, opts.Goals)
	if err := ctx.Err(); err != nil {
		return err
	}

	a.sup.Go("watch.files", func(c context.Context) error { return s.w.Run(c, s.onChange) })
	s.syncSchedules(cfg)
	a.sched.Start(a.sup.Context())
	a.status.Start(a.sup.Context())
	a.startConfigReload(s)

	log.Info("watching", logx.Strings("dirs", s.w.Dirs()), logx.Strings("schedules", a.sched.Names()))
	if opts.Ready != nil {
		opts.Ready()
	}

	select {
	case <-ctx.Done():
		return nil
	case <-a.Done():
		return a.Err()
	}
}

func (s *watchSession) onChange(ctx context.Context, goals []string) {
	for _, g := range goals {
		if g == allGoals {
			s.build(ctx, s.opts.Goals)
			return
		}
	}
	s.build(ctx, goals)
}

func (s *watchSession) build(ctx context.Context, goals []string) (Result, error) {
	res, err := s.a.Build(ctx, s.opts.Pipeline, goals)
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("build error", logx.Err(err))
	}
	s.mu.Lock()
	for g, l := range res.Leaves {
		s.leaves[g] = l
	}
	targets := make(map[string][]string, len(s.leaves)+1)
	for g, l := range s.leaves {
		targets[g] = l
	}
	s.mu.Unlock()
	targets[allGoals] = []string{s.opts.Pipeline}
	s.w.SetTargets(targets)

	if s.opts.OnBuild != nil {
		s.opts.OnBuild(res, err)
	}
	return res, err
}

// scheduledJob builds goal (all requested goals when empty) and reports a
// failed build as a job error.
func (s *watchSession) scheduledJob(goal string) scheduler.Job {
	return func(ctx context.Context) error {
		goals := s.opts.Goals
		if g := strings.TrimSpace(goal); g != "" {
			goals = []string{g}
		}
		res, err := s.build(ctx, goals)
		if err != nil {
			return err
		}
		if !res.OK {
			return fmt.Errorf("build failed: %s", strings.Join(res.Failed, ","))
		}
		return nil
	}
}

// syncSchedules makes the scheduler match cfg.Watch.Schedules.
func (s *watchSession) syncSchedules(cfg *Config) {
	want := map[string]struct{}{}
	for i, sc := range cfg.Watch.Schedules {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			name = fmt.Sprintf("schedule[%d]", i)
		}
		want[name] = struct{}{}
		if err := s.a.sched.Add(name, sc.Schedule, s.scheduledJob(sc.Goal)); err != nil {
			s.log.Error("schedule rejected", logx.String("name", name), logx.String("schedule", sc.Schedule), logx.Err(err))
			delete(want, name)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for name := range s.sched {
		if _, ok := want[name]; !ok {
			s.a.sched.Remove(name)
			removed = append(removed, name)
		}
	}
	s.sched = want
	if len(removed) > 0 {
		sort.Strings(removed)
		s.log.Info("schedules removed", logx.Strings("names", removed))
	}
}

// startConfigReload watches the config file and applies what can change at
// runtime. Storage, shell, log dir and debounce need a restart.
func (a *App) startConfigReload(s *watchSession) {
	if a.cfgm.Path() == "" {
		return
	}
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *Config) error {
		var errs []error
		for _, sc := range cfg.Watch.Schedules {
			if _, err := scheduler.ParseSchedule(sc.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("watch.schedules[%s]: %w", sc.Name, err))
			}
		}
		if _, err := mapEngineConfig(cfg); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	updates := a.cfgm.Subscribe(4)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go0("config.apply", func(c context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		prev := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.applyConfig(prev, cfg, s)
				prev = cfg
			}
		}
	})
}

func (a *App) applyConfig(prev, cfg *Config, s *watchSession) {
	changed, attrs := SummarizeConfigChange(prev, cfg)
	if len(changed) == 0 {
		return
	}
	a.log.Info("config reloaded", append([]logx.Field{logx.Strings("changed", changed)}, attrs...)...)

	a.logs.Apply(mapLogConfig(cfg))
	if engCfg, err := mapEngineConfig(cfg); err == nil {
		a.engine.Apply(engCfg)
	}
	a.sched.Apply(mapSchedulerConfig(cfg))
	a.poll.Store(int64(pollInterval(cfg)))
	a.status.Reconfigure(a.sup.Context(), mapStatusConfig(cfg))
	if s != nil {
		s.syncSchedules(cfg)
	}

	var restart []string
	for _, c := range changed {
		if c == "storage" || c == "systemd" {
			restart = append(restart, c)
		}
	}
	if prev.Engine.Shell != cfg.Engine.Shell || prev.Engine.LogDir != cfg.Engine.LogDir {
		restart = append(restart, "engine.shell/log_dir")
	}
	if prev.Watch.Debounce != cfg.Watch.Debounce {
		restart = append(restart, "watch.debounce")
	}
	if len(restart) > 0 {
		a.log.Warn("config change needs restart", logx.Strings("fields", restart))
	}
}
