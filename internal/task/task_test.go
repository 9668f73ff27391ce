package task

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewDedupsPaths(t *testing.T) {
	t.Parallel()
	tk := New(" a ", []string{"x", "y", "x", ""}, []string{"o", "o"}, false, true)
	if tk.ID() != "a" {
		t.Fatalf("id = %q", tk.ID())
	}
	if got := strings.Join(tk.InputFiles(), ","); got != "x,y" {
		t.Fatalf("inputs = %s", got)
	}
	if got := strings.Join(tk.OutputFiles(), ","); got != "o" {
		t.Fatalf("outputs = %s", got)
	}
	if !tk.IsDependencyOnly() || tk.IsScheduled() || tk.IsDone() {
		t.Fatalf("unexpected initial flags: %s", tk.Describe())
	}
	if tk.ExitCode() != -1 {
		t.Fatalf("exit code before finish = %d", tk.ExitCode())
	}
}

func TestLifecycle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		code     int
		err      error
		wantOK   bool
		wantCode int
	}{
		{name: "success", code: 0, wantOK: true},
		{name: "nonzero exit", code: 3, wantOK: false, wantCode: 3},
		{name: "error", code: 0, err: errors.New("spawn failed"), wantOK: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			tk := New("t", nil, nil, false, false)
			if err := tk.MarkRunning(); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("MarkRunning before schedule err = %v", err)
			}
			if err := tk.MarkScheduled(); err != nil {
				t.Fatalf("MarkScheduled: %v", err)
			}
			if err := tk.MarkScheduled(); err == nil {
				t.Fatalf("second MarkScheduled should fail")
			}
			if err := tk.MarkRunning(); err != nil {
				t.Fatalf("MarkRunning: %v", err)
			}
			if err := tk.Finish(tt.code, tt.err); err != nil {
				t.Fatalf("Finish: %v", err)
			}
			select {
			case <-tk.Done():
			default:
				t.Fatalf("done channel not closed")
			}
			if !tk.IsDone() || tk.IsDoneOk() != tt.wantOK {
				t.Fatalf("done=%t ok=%t, want ok=%t", tk.IsDone(), tk.IsDoneOk(), tt.wantOK)
			}
			if tk.ExitCode() != tt.wantCode {
				t.Fatalf("exit code = %d, want %d", tk.ExitCode(), tt.wantCode)
			}
			if err := tk.Finish(0, nil); err == nil {
				t.Fatalf("second Finish should fail")
			}
			if tk.IsDoneOk() != tt.wantOK {
				t.Fatalf("second Finish changed the outcome")
			}
		})
	}
}

func TestDeleteOutputFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	present := filepath.Join(dir, "present.txt")
	missing := filepath.Join(dir, "missing.txt")
	if err := os.WriteFile(present, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tk := New("t", nil, []string{present, missing}, false, false)
	if err := tk.DeleteOutputFiles(); err != nil {
		t.Fatalf("DeleteOutputFiles: %v", err)
	}
	if _, err := os.Stat(present); !os.IsNotExist(err) {
		t.Fatalf("output still present: %v", err)
	}
}

func TestDescribeListsDependencies(t *testing.T) {
	t.Parallel()
	a := New("a", nil, []string{"a.out"}, false, false)
	b := New("b", []string{"a.out"}, []string{"b.out"}, true, false, WithCommand("cat a.out > b.out"))
	b.SetDependencies([]*Task{a})
	d := b.Describe()
	for _, want := range []string{"task b", "depends on: a", "can fail: true", "run: cat a.out > b.out"} {
		if !strings.Contains(d, want) {
			t.Fatalf("Describe missing %q:\n%s", want, d)
		}
	}
}
