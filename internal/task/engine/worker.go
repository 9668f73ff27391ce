package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	"flowmake/internal/eventbus"
	"flowmake/internal/task"
	logx "flowmake/pkg/logx"
)

func (s *Service) execOne(ctx context.Context, t *task.Task, cfg Config, permits chan struct{}) {
	log := s.log.With(logx.String("task_id", t.ID()))
	submitted := time.Now()

	if err := s.waitDependencies(ctx, t); err != nil {
		s.finish(t, cfg, log, outcome{started: submitted, code: -1, err: err})
		return
	}
	depsDelay := time.Since(submitted)

	if err := s.limiter.Wait(ctx); err != nil {
		s.finish(t, cfg, log, outcome{started: submitted, depsDelay: depsDelay, code: -1, err: err})
		return
	}

	s.waitingForPermit.Add(1)
	select {
	case <-permits:
		s.waitingForPermit.Add(-1)
	case <-ctx.Done():
		s.waitingForPermit.Add(-1)
		s.finish(t, cfg, log, outcome{started: submitted, depsDelay: depsDelay, code: -1, err: ctx.Err()})
		return
	}
	defer func() { permits <- struct{}{} }()

	if err := t.MarkRunning(); err != nil {
		s.finish(t, cfg, log, outcome{started: submitted, depsDelay: depsDelay, code: -1, err: err})
		return
	}
	start := time.Now()
	log.Debug("task.started", logx.Duration("deps_delay", depsDelay))
	eventbus.Publish(s.bus, eventbus.TaskStarted, TaskEvent{ID: t.ID(), Started: start, DepsDelay: depsDelay, CanFail: t.CanFail()})

	s.inFlight.Add(1)
	code, attempts, err := s.attempt(ctx, t, cfg, log)
	s.inFlight.Add(-1)

	s.finish(t, cfg, log, outcome{started: start, depsDelay: depsDelay, attempts: attempts, code: code, err: err})
}

// waitDependencies blocks until every dependency is terminal. A dependency
// that failed without canFail fails this task too.
func (s *Service) waitDependencies(ctx context.Context, t *task.Task) error {
	deps := t.Dependencies()
	if len(deps) == 0 {
		return nil
	}
	s.waitingForDeps.Add(1)
	defer s.waitingForDeps.Add(-1)

	for _, d := range deps {
		select {
		case <-d.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
		if !d.IsDoneOk() && !d.CanFail() {
			return NoRetry(fmt.Errorf("%w: %s", ErrDependencyFailed, d.ID()))
		}
	}
	return nil
}

// attempt runs t through the Runner, retrying failures with jittered
// exponential backoff.
func (s *Service) attempt(ctx context.Context, t *task.Task, cfg Config, log logx.Logger) (code, attempts int, err error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timeout := t.Timeout()
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}

	maxAttempts := 1 + cfg.RetryMax
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		attempts = attempt

		runCtx := ctx
		var cancel context.CancelFunc
		if timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, timeout)
		}
		code, err = s.runSafe(runCtx, t, log)
		if cancel != nil {
			cancel()
		}
		if err == nil && code != 0 {
			err = &ExitError{Code: code}
		}
		if err == nil {
			return code, attempts, nil
		}
		if IsNoRetry(err) || ctx.Err() != nil || attempt >= maxAttempts {
			break
		}

		delay := backoffDelayWithHint(cfg, attempt, err, rng)
		log.Debug("task retry scheduled", logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return code, attempts, ctx.Err()
		case <-tmr.C:
		}
	}
	var nr noRetryError
	if errors.As(err, &nr) {
		err = nr.err
	}
	return code, attempts, err
}

// runSafe converts a Runner panic into an error.
func (s *Service) runSafe(ctx context.Context, t *task.Task, log logx.Logger) (code int, err error) {
	defer func() {
		if r := recover(); r != nil {
			code = -1
			err = fmt.Errorf("panic: %v", r)
			log.Error("task.panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	if s.runner == nil {
		return -1, NoRetry(errors.New("no runner configured"))
	}
	return s.runner.Run(ctx, t)
}

type outcome struct {
	started   time.Time
	depsDelay time.Duration
	attempts  int
	code      int
	err       error
}

func (s *Service) finish(t *task.Task, cfg Config, log logx.Logger, o outcome) {
	var nr noRetryError
	if errors.As(o.err, &nr) {
		o.err = nr.err
	}
	if o.err != nil && o.code == 0 {
		o.code = -1
	}
	if err := t.Finish(o.code, o.err); err != nil {
		log.Warn("task already finished", logx.Err(err))
		return
	}

	dur := time.Since(o.started)
	ev := TaskEvent{ID: t.ID(), Started: o.started, DepsDelay: o.depsDelay, Duration: dur, Attempts: o.attempts, ExitCode: o.code, CanFail: t.CanFail()}
	item := HistoryItem{ID: t.ID(), Started: o.started, DepsDelay: o.depsDelay, Duration: dur, Attempts: o.attempts, ExitCode: o.code}

	if o.err != nil {
		s.failed.Add(1)
		ev.Error = o.err.Error()
		item.Error = ev.Error
		if t.CanFail() {
			log.Info("task.failed (tolerated)", logx.Int("exit_code", o.code), logx.Err(o.err), logx.Duration("dur", dur), logx.Int("attempts", o.attempts))
		} else {
			log.Warn("task.failed", logx.Int("exit_code", o.code), logx.Err(o.err), logx.Duration("dur", dur), logx.Int("attempts", o.attempts))
		}
		eventbus.Publish(s.bus, eventbus.TaskFailed, ev)
	} else {
		s.succeeded.Add(1)
		if dur >= 750*time.Millisecond {
			log.Info("task.completed", logx.Duration("dur", dur), logx.Int("attempts", o.attempts))
		} else {
			log.Debug("task.completed", logx.Duration("dur", dur), logx.Int("attempts", o.attempts))
		}
		eventbus.Publish(s.bus, eventbus.TaskFinished, ev)
	}
	s.record(item, cfg.HistorySize)
}

func backoffDelayWithHint(cfg Config, retry int, err error, rng *rand.Rand) time.Duration {
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d := ra.RetryAfter()
		if d < 0 {
			d = 0
		}
		return clampJitter(d, cfg, rng)
	}
	return backoffDelay(cfg, retry, rng)
}

func backoffDelay(cfg Config, retry int, rng *rand.Rand) time.Duration {
	d := cfg.RetryBase
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	for i := 1; i < retry; i++ {
		d *= 2
		if cfg.RetryMaxDelay > 0 && d > cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	return clampJitter(d, cfg, rng)
}

func clampJitter(d time.Duration, cfg Config, rng *rand.Rand) time.Duration {
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 15 * time.Second
	}
	if d > maxD {
		d = maxD
	}
	if j := cfg.RetryJitter; j > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * j
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
