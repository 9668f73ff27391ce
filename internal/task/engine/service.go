package engine

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"flowmake/internal/eventbus"
	"flowmake/internal/task"
	logx "flowmake/pkg/logx"

	rtsup "flowmake/internal/runtime/supervisor"
)

// Service is the execution collaborator of the dependency registry.
//
// Execute returns immediately. Each task runs in its own supervised goroutine
// which waits for the task's dependencies, a launch token and a worker permit
// before handing the task to the Runner.
type Service struct {
	mu      sync.Mutex
	cfg     Config
	log     logx.Logger
	bus     eventbus.Bus
	runner  Runner
	limiter *rate.Limiter
	permits chan struct{}
	sup     *rtsup.Supervisor
	running sync.WaitGroup

	inFlight         atomic.Int32
	waitingForDeps   atomic.Int32
	waitingForPermit atomic.Int32
	submitted        atomic.Uint64
	succeeded        atomic.Uint64
	failed           atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, runner Runner, log logx.Logger, bus eventbus.Bus) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		cfg:     cfg,
		log:     log,
		bus:     bus,
		runner:  runner,
		limiter: newLimiter(cfg),
	}
}

func newLimiter(cfg Config) *rate.Limiter {
	if cfg.LaunchRate <= 0 {
		return rate.NewLimiter(rate.Inf, cfg.LaunchBurst)
	}
	return rate.NewLimiter(rate.Limit(cfg.LaunchRate), cfg.LaunchBurst)
}

// Start prepares the worker permits and the supervisor. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.permits = newPermits(s.cfg.Workers)
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		// One failing task must not cancel its siblings.
		rtsup.WithCancelOnError(false),
	)
	s.log.Info("task engine started", logx.Int("workers", s.cfg.Workers), logx.Int("retry_max", s.cfg.RetryMax))
}

func newPermits(n int) chan struct{} {
	ch := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		ch <- struct{}{}
	}
	return ch
}

// Apply swaps settings at runtime. Tasks already waiting keep the permit pool
// they started with; a new worker count applies to tasks submitted afterwards.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	if s.sup != nil && prev.Workers != cfg.Workers {
		s.permits = newPermits(cfg.Workers)
	}
	s.mu.Unlock()

	if prev.LaunchRate != cfg.LaunchRate || prev.LaunchBurst != cfg.LaunchBurst {
		if cfg.LaunchRate <= 0 {
			s.limiter.SetLimit(rate.Inf)
		} else {
			s.limiter.SetLimit(rate.Limit(cfg.LaunchRate))
		}
		s.limiter.SetBurst(cfg.LaunchBurst)
	}
	s.log.Info("task engine config applied", logx.Int("workers", cfg.Workers), logx.Int("retry_max", cfg.RetryMax), logx.Any("launch_rate", cfg.LaunchRate))
}

// Execute schedules t and returns without waiting for it.
func (s *Service) Execute(t *task.Task) error {
	s.mu.Lock()
	sup := s.sup
	cfg := s.cfg
	permits := s.permits
	s.mu.Unlock()
	if sup == nil || sup.Context().Err() != nil {
		return ErrStopped
	}
	if err := t.MarkScheduled(); err != nil {
		return err
	}

	s.submitted.Add(1)
	s.running.Add(1)
	sup.Go("task."+t.ID(), func(ctx context.Context) error {
		defer s.running.Done()
		s.execOne(ctx, t, cfg, permits)
		return nil
	})
	return nil
}

// Wait blocks until every submitted task has finished or ctx ends.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop cancels in-flight tasks (killing their processes) and waits for the
// task goroutines to finish, bounded by ctx.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out", logx.Err(ctx.Err()))
		return
	}
	s.log.Info("task engine stopped")
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	running := s.sup != nil
	s.mu.Unlock()

	s.hmu.Lock()
	h := make([]HistoryItem, len(s.history))
	copy(h, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Running:          running,
		Workers:          cfg.Workers,
		InFlight:         int(s.inFlight.Load()),
		WaitingForDeps:   int(s.waitingForDeps.Load()),
		WaitingForPermit: int(s.waitingForPermit.Load()),
		Submitted:        s.submitted.Load(),
		Succeeded:        s.succeeded.Load(),
		Failed:           s.failed.Load(),
		DefaultTimeout:   cfg.DefaultTimeout,
		RetryMax:         cfg.RetryMax,
		LaunchRate:       cfg.LaunchRate,
		History:          h,
	}
}

func (s *Service) record(item HistoryItem, size int) {
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
