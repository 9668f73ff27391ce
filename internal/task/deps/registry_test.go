package deps

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"flowmake/internal/task"
	"flowmake/internal/task/stale"
)

func newTask(id string, inputs, outputs []string) *task.Task {
	return task.New(id, inputs, outputs, false, false)
}

func newDepTask(id string, inputs, outputs []string) *task.Task {
	return task.New(id, inputs, outputs, false, true)
}

func TestAddDisjointTasksNeverCycle(t *testing.T) {
	t.Parallel()
	for _, reversed := range []bool{false, true} {
		reg := New(WithOracle(stale.Always))
		a := newTask("a", []string{"a.in"}, []string{"a.out"})
		b := newTask("b", []string{"b.in"}, []string{"b.out"})
		first, second := a, b
		if reversed {
			first, second = b, a
		}
		if err := reg.Add(first); err != nil {
			t.Fatalf("reversed=%t add %s: %v", reversed, first.ID(), err)
		}
		if err := reg.Add(second); err != nil {
			t.Fatalf("reversed=%t add %s: %v", reversed, second.ID(), err)
		}
		if reg.Len() != 2 {
			t.Fatalf("len = %d, want 2", reg.Len())
		}
	}
}

func TestAddRejectsCycles(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		existing []*task.Task
		cand     *task.Task
		wantPath string
	}{
		{
			name:     "self cycle",
			cand:     newTask("c", []string{"x"}, []string{"x"}),
			wantPath: "c -> c",
		},
		{
			name:     "self cycle dependency only",
			cand:     newDepTask("c", []string{"x"}, []string{"x"}),
			wantPath: "c -> c",
		},
		{
			name: "two step",
			existing: []*task.Task{
				newTask("a", []string{"b.out"}, []string{"a.out"}),
			},
			cand:     newTask("b", []string{"a.out"}, []string{"b.out"}),
			wantPath: "b -> a -> b",
		},
		{
			name: "three step chain",
			existing: []*task.Task{
				newTask("a", []string{"src"}, []string{"mid"}),
				newTask("b", []string{"mid"}, []string{"out"}),
			},
			cand:     newTask("c", []string{"out"}, []string{"src"}),
			wantPath: "c -> b -> a -> c",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			reg := New(WithOracle(stale.Always))
			for _, e := range tt.existing {
				if err := reg.Add(e); err != nil {
					t.Fatalf("add %s: %v", e.ID(), err)
				}
			}
			before := reg.String()
			beforeLen := reg.Len()

			err := reg.Add(tt.cand)
			if !errors.Is(err, ErrCircularDependency) {
				t.Fatalf("Add err = %v, want circular dependency", err)
			}
			var cerr *CircularDependencyError
			if !errors.As(err, &cerr) {
				t.Fatalf("error type = %T", err)
			}
			if got := strings.Join(cerr.Path, " -> "); got != tt.wantPath {
				t.Fatalf("path = %q, want %q", got, tt.wantPath)
			}
			if reg.HasTask(tt.cand.ID()) {
				t.Fatalf("rejected task is registered")
			}
			if reg.Len() != beforeLen || reg.String() != before {
				t.Fatalf("indices changed after rejected add:\n%s", reg.String())
			}
			for _, out := range tt.cand.OutputFiles() {
				for _, p := range reg.Producers(out) {
					if p == tt.cand {
						t.Fatalf("rejected task indexed under %s", out)
					}
				}
			}
		})
	}
}

func TestAddAllowsDiamond(t *testing.T) {
	t.Parallel()
	reg := New(WithOracle(stale.Always))
	for _, tk := range []*task.Task{
		newTask("root", []string{"src"}, []string{"x"}),
		newTask("left", []string{"x"}, []string{"y"}),
		newTask("right", []string{"x"}, []string{"z"}),
		newTask("join", []string{"y", "z"}, []string{"w"}),
	} {
		if err := reg.Add(tk); err != nil {
			t.Fatalf("add %s: %v", tk.ID(), err)
		}
	}
}

func TestAddIsIdempotent(t *testing.T) {
	t.Parallel()
	reg := New(WithOracle(stale.Always))
	first := newTask("a", nil, []string{"a.out"})
	second := newTask("a", nil, []string{"other.out"})
	if err := reg.Add(first); err != nil {
		t.Fatal(err)
	}
	if err := reg.Add(second); err != nil {
		t.Fatalf("re-add: %v", err)
	}
	got, ok := reg.Get("a")
	if !ok || got != first {
		t.Fatalf("Get returned %v, want first task", got)
	}
	if len(reg.Producers("other.out")) != 0 {
		t.Fatalf("second task was indexed")
	}
	if reg.Len() != 1 {
		t.Fatalf("len = %d", reg.Len())
	}
}

func TestAddRejectsMissingID(t *testing.T) {
	t.Parallel()
	reg := New()
	if err := reg.Add(nil); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("nil task err = %v", err)
	}
	if err := reg.Add(newTask("  ", nil, nil)); !errors.Is(err, ErrInvalidTask) {
		t.Fatalf("blank id err = %v", err)
	}
}

func TestDirectDependencies(t *testing.T) {
	t.Parallel()
	reg := New(WithOracle(stale.Always))

	live := newTask("live", nil, []string{"live.out"})
	depOnly := newDepTask("dep", nil, []string{"dep.out"})
	done := newTask("done", nil, []string{"done.out"})
	_ = done.MarkScheduled()
	_ = done.MarkRunning()
	_ = done.Finish(0, nil)

	for _, tk := range []*task.Task{live, depOnly, done} {
		if err := reg.Add(tk); err != nil {
			t.Fatal(err)
		}
	}

	consumer := newTask("consumer", []string{"live.out", "dep.out", "done.out", "src"}, []string{"c.out"})
	if err := reg.Add(consumer); err != nil {
		t.Fatal(err)
	}
	got := consumer.Dependencies()
	if len(got) != 1 || got[0] != live {
		t.Fatalf("deps = %v, want [live]", got)
	}

	lazy := newDepTask("lazy", []string{"live.out"}, []string{"lazy.out"})
	if err := reg.Add(lazy); err != nil {
		t.Fatal(err)
	}
	if len(lazy.Dependencies()) != 0 {
		t.Fatalf("dependency-only task got deps at add time")
	}
}

func TestFindNodesAndLeaves(t *testing.T) {
	t.Parallel()
	reg := New(WithOracle(stale.Always))
	for _, tk := range []*task.Task{
		newTask("a", []string{"src1", "src2"}, []string{"mid"}),
		newTask("b", []string{"mid", "src3"}, []string{"out"}),
	} {
		if err := reg.Add(tk); err != nil {
			t.Fatal(err)
		}
	}

	nodes := reg.FindNodes("out")
	if got := strings.Join(nodes, ","); got != "out,mid,src3,src1,src2" {
		t.Fatalf("nodes = %s", got)
	}
	leaves := reg.FindLeafNodes("out")
	if got := strings.Join(leaves, ","); got != "src3,src1,src2" {
		t.Fatalf("leaves = %s", got)
	}
	for _, leaf := range leaves {
		if got := reg.FindNodes(leaf); len(got) != 1 || got[0] != leaf {
			t.Fatalf("FindNodes(%s) = %v, leaves must be a fixed point", leaf, got)
		}
	}
	if got := reg.FindLeafNodes("plain.txt"); len(got) != 1 || got[0] != "plain.txt" {
		t.Fatalf("source file leaves = %v", got)
	}
}

func TestWithParentForwardsAdds(t *testing.T) {
	t.Parallel()
	parent := New(WithOracle(stale.Always))
	child := New(WithParent(parent), WithOracle(stale.Always))

	a := newTask("a", []string{"src"}, []string{"mid"})
	if err := child.Add(a); err != nil {
		t.Fatal(err)
	}
	if !parent.HasTask("a") || !child.HasTask("a") {
		t.Fatalf("task not visible in both registries")
	}

	// A cycle that only exists in the parent is still rejected, and the child
	// stays untouched.
	if err := parent.Add(newTask("p", []string{"back"}, []string{"src"})); err != nil {
		t.Fatal(err)
	}
	err := child.Add(newTask("c", []string{"mid"}, []string{"back"}))
	if !errors.Is(err, ErrCircularDependency) {
		t.Fatalf("err = %v, want cycle from parent", err)
	}
	if child.HasTask("c") || parent.HasTask("c") {
		t.Fatalf("rejected task leaked into a registry")
	}
}

func TestStringListsOutputsSorted(t *testing.T) {
	t.Parallel()
	reg := New(WithOracle(stale.Always))
	_ = reg.Add(newTask("b", nil, []string{"z.out"}))
	_ = reg.Add(newTask("a", nil, []string{"a.out", "z.out"}))
	want := "a.out:\n\ta\nz.out:\n\tb\n\ta\n"
	if got := reg.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestExitCodeLookup(t *testing.T) {
	t.Parallel()
	reg := New(WithOracle(stale.Always))
	tk := newTask("a", nil, nil)
	_ = reg.Add(tk)
	_ = tk.MarkScheduled()
	_ = tk.MarkRunning()
	_ = tk.Finish(7, nil)
	if got := reg.ExitCode("a"); got != 7 {
		t.Fatalf("ExitCode = %d, want 7", got)
	}
	if got := reg.ExitCode("missing"); got != 0 {
		t.Fatalf("ExitCode(missing) = %d, want 0", got)
	}
}

func TestConcurrentAddsAcceptAtMostOneSideOfACycle(t *testing.T) {
	t.Parallel()
	for i := 0; i < 50; i++ {
		reg := New(WithOracle(stale.Always))
		a := newTask("a", []string{"b.out"}, []string{"a.out"})
		b := newTask("b", []string{"a.out"}, []string{"b.out"})

		var wg sync.WaitGroup
		errs := make([]error, 2)
		for j, tk := range []*task.Task{a, b} {
			wg.Add(1)
			go func(j int, tk *task.Task) {
				defer wg.Done()
				errs[j] = reg.Add(tk)
			}(j, tk)
		}
		wg.Wait()

		failed := 0
		for _, err := range errs {
			if errors.Is(err, ErrCircularDependency) {
				failed++
			}
		}
		if failed != 1 || reg.Len() != 1 {
			t.Fatalf("round %d: failed=%d len=%d", i, failed, reg.Len())
		}
	}
}

func TestConcurrentAddsOfDisjointTasks(t *testing.T) {
	t.Parallel()
	reg := New(WithOracle(stale.Always))
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%02d", i)
			if err := reg.Add(newTask(id, []string{id + ".in"}, []string{id + ".out"})); err != nil {
				t.Errorf("add %s: %v", id, err)
			}
		}(i)
	}
	wg.Wait()
	if reg.Len() != 64 {
		t.Fatalf("len = %d, want 64", reg.Len())
	}
}

func TestDefaultReset(t *testing.T) {
	old := Default()
	t.Cleanup(func() { SetDefault(old) })

	_ = Default().Add(newTask("x", nil, nil))
	fresh := Reset()
	if fresh == old || Default() != fresh {
		t.Fatalf("Reset did not install a new registry")
	}
	if Default().HasTask("x") {
		t.Fatalf("fresh default registry has stale tasks")
	}
	SetDefault(nil)
	if Default() != fresh {
		t.Fatalf("SetDefault(nil) replaced the registry")
	}
}
