package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"flowmake/internal/eventbus"
	"flowmake/internal/task"
	"flowmake/internal/task/deps"
	logx "flowmake/pkg/logx"
)

var _ deps.Executor = (*Service)(nil)

func startService(t *testing.T, cfg Config, r Runner, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, r, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitDone(t *testing.T, tasks ...*task.Task) {
	t.Helper()
	for _, tk := range tasks {
		select {
		case <-tk.Done():
		case <-time.After(5 * time.Second):
			t.Fatalf("task %s did not finish (state %s)", tk.ID(), tk.State())
		}
	}
}

func TestExecuteRunsTask(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	s := startService(t, Config{}, RunnerFunc(func(context.Context, *task.Task) (int, error) { return 0, nil }), bus)
	tk := task.New("a", nil, nil, false, false)
	if err := s.Execute(tk); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	waitDone(t, tk)
	if !tk.IsDoneOk() {
		t.Fatalf("state = %s", tk.State())
	}

	var types []string
	deadline := time.After(time.Second)
	for len(types) < 2 {
		select {
		case ev := <-events:
			types = append(types, ev.Type)
		case <-deadline:
			t.Fatalf("events = %v", types)
		}
	}
	if types[0] != eventbus.TaskStarted || types[1] != eventbus.TaskFinished {
		t.Fatalf("events = %v", types)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	snap := s.Snapshot()
	if snap.Submitted != 1 || snap.Succeeded != 1 || len(snap.History) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestExecuteRejectsRescheduling(t *testing.T) {
	t.Parallel()
	s := startService(t, Config{}, RunnerFunc(func(context.Context, *task.Task) (int, error) { return 0, nil }), nil)
	tk := task.New("a", nil, nil, false, false)
	if err := s.Execute(tk); err != nil {
		t.Fatal(err)
	}
	if err := s.Execute(tk); !errors.Is(err, task.ErrInvalidTransition) {
		t.Fatalf("second Execute err = %v", err)
	}
	waitDone(t, tk)
}

func TestExecuteBeforeStart(t *testing.T) {
	t.Parallel()
	s := New(Config{}, nil, logx.Nop(), nil)
	if err := s.Execute(task.New("a", nil, nil, false, false)); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestExecuteWaitsForDependencies(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var order []string
	release := make(chan struct{})
	r := RunnerFunc(func(_ context.Context, tk *task.Task) (int, error) {
		if tk.ID() == "up" {
			<-release
		}
		mu.Lock()
		order = append(order, tk.ID())
		mu.Unlock()
		return 0, nil
	})
	s := startService(t, Config{Workers: 4}, r, nil)

	up := task.New("up", nil, []string{"mid"}, false, false)
	down := task.New("down", []string{"mid"}, nil, false, false)
	down.SetDependencies([]*task.Task{up})

	if err := s.Execute(down); err != nil {
		t.Fatal(err)
	}
	if err := s.Execute(up); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if down.IsDone() {
		t.Fatalf("down finished before its dependency")
	}
	close(release)
	waitDone(t, up, down)

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "up" || order[1] != "down" {
		t.Fatalf("order = %v", order)
	}
}

func TestDependencyFailurePropagates(t *testing.T) {
	t.Parallel()
	var ran atomic.Int32
	r := RunnerFunc(func(_ context.Context, tk *task.Task) (int, error) {
		ran.Add(1)
		if tk.ID() == "up" {
			return 2, nil
		}
		return 0, nil
	})
	s := startService(t, Config{}, r, nil)

	up := task.New("up", nil, []string{"mid"}, false, false)
	down := task.New("down", []string{"mid"}, nil, false, false)
	down.SetDependencies([]*task.Task{up})
	_ = s.Execute(up)
	_ = s.Execute(down)
	waitDone(t, up, down)

	if up.ExitCode() != 2 {
		t.Fatalf("up exit code = %d", up.ExitCode())
	}
	if down.IsDoneOk() || !errors.Is(down.Err(), ErrDependencyFailed) {
		t.Fatalf("down state = %s err = %v", down.State(), down.Err())
	}
	if ran.Load() != 1 {
		t.Fatalf("runner calls = %d, want 1", ran.Load())
	}
}

func TestToleratedDependencyFailureDoesNotBlock(t *testing.T) {
	t.Parallel()
	r := RunnerFunc(func(_ context.Context, tk *task.Task) (int, error) {
		if tk.ID() == "up" {
			return 1, nil
		}
		return 0, nil
	})
	s := startService(t, Config{}, r, nil)
	up := task.New("up", nil, []string{"mid"}, true, false)
	down := task.New("down", []string{"mid"}, nil, false, false)
	down.SetDependencies([]*task.Task{up})
	_ = s.Execute(up)
	_ = s.Execute(down)
	waitDone(t, up, down)
	if !down.IsDoneOk() {
		t.Fatalf("down state = %s err = %v", down.State(), down.Err())
	}
}

func TestRetries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		retryMax  int
		failFirst int
		err       error
		wantOK    bool
		wantCalls int32
	}{
		{name: "no retries by default", retryMax: 0, failFirst: 1, wantOK: false, wantCalls: 1},
		{name: "recovers after retry", retryMax: 2, failFirst: 2, wantOK: true, wantCalls: 3},
		{name: "gives up", retryMax: 1, failFirst: 5, wantOK: false, wantCalls: 2},
		{name: "no retry error", retryMax: 3, failFirst: 5, err: NoRetry(errors.New("bad input")), wantOK: false, wantCalls: 1},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			r := RunnerFunc(func(context.Context, *task.Task) (int, error) {
				n := calls.Add(1)
				if int(n) <= tt.failFirst {
					if tt.err != nil {
						return -1, tt.err
					}
					return 1, nil
				}
				return 0, nil
			})
			s := startService(t, Config{RetryMax: tt.retryMax, RetryBase: time.Millisecond, RetryMaxDelay: 2 * time.Millisecond}, r, nil)
			tk := task.New("t", nil, nil, false, false)
			_ = s.Execute(tk)
			waitDone(t, tk)
			if tk.IsDoneOk() != tt.wantOK {
				t.Fatalf("ok = %t err = %v", tk.IsDoneOk(), tk.Err())
			}
			if calls.Load() != tt.wantCalls {
				t.Fatalf("calls = %d, want %d", calls.Load(), tt.wantCalls)
			}
			if tt.err != nil && IsNoRetry(tk.Err()) {
				t.Fatalf("recorded error still wrapped: %v", tk.Err())
			}
		})
	}
}

func TestTaskTimeout(t *testing.T) {
	t.Parallel()
	r := RunnerFunc(func(ctx context.Context, _ *task.Task) (int, error) {
		<-ctx.Done()
		return -1, ctx.Err()
	})
	s := startService(t, Config{}, r, nil)
	tk := task.New("slow", nil, nil, false, false, task.WithTimeout(20*time.Millisecond))
	_ = s.Execute(tk)
	waitDone(t, tk)
	if !errors.Is(tk.Err(), context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", tk.Err())
	}
}

func TestRunnerPanicFailsTask(t *testing.T) {
	t.Parallel()
	r := RunnerFunc(func(context.Context, *task.Task) (int, error) { panic("boom") })
	s := startService(t, Config{}, r, nil)
	tk := task.New("p", nil, nil, false, false)
	_ = s.Execute(tk)
	waitDone(t, tk)
	if tk.IsDoneOk() || tk.ExitCode() != -1 {
		t.Fatalf("state = %s code = %d", tk.State(), tk.ExitCode())
	}
}

func TestWorkersBoundConcurrency(t *testing.T) {
	t.Parallel()
	var cur, peak atomic.Int32
	r := RunnerFunc(func(context.Context, *task.Task) (int, error) {
		n := cur.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
		return 0, nil
	})
	s := startService(t, Config{Workers: 2}, r, nil)
	var tasks []*task.Task
	for i := 0; i < 8; i++ {
		tk := task.New(string(rune('a'+i)), nil, nil, false, false)
		tasks = append(tasks, tk)
		_ = s.Execute(tk)
	}
	waitDone(t, tasks...)
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestStopCancelsRunningTasks(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	r := RunnerFunc(func(ctx context.Context, _ *task.Task) (int, error) {
		close(started)
		<-ctx.Done()
		return -1, ctx.Err()
	})
	s := New(Config{}, r, logx.Nop(), nil)
	s.Start(context.Background())
	tk := task.New("long", nil, nil, false, false)
	_ = s.Execute(tk)
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	waitDone(t, tk)
	if tk.IsDoneOk() {
		t.Fatalf("cancelled task reported success")
	}
	if err := s.Execute(task.New("late", nil, nil, false, false)); !errors.Is(err, ErrStopped) {
		t.Fatalf("Execute after Stop err = %v", err)
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}.withDefaults()
	cfg.RetryJitter = 0
	rng := rand.New(rand.NewSource(1))
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{5, time.Second},
	}
	for _, tt := range tests {
		if got := backoffDelay(cfg, tt.retry, rng); got != tt.want {
			t.Fatalf("backoffDelay(%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}
	if got := backoffDelayWithHint(cfg, 1, RetryAfter(errors.New("busy"), 5*time.Second), rng); got != time.Second {
		t.Fatalf("hint not clamped: %s", got)
	}
}
