//go:build unix

package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"flowmake/internal/task"
	logx "flowmake/pkg/logx"
)

func TestProcessRunnerCapturesOutput(t *testing.T) {
	t.Parallel()
	logDir := filepath.Join(t.TempDir(), "logs")
	r := NewProcessRunner("sh", logDir, logx.Nop())

	tk := task.New("dir/echo", nil, nil, false, false,
		task.WithCommand(`echo "hello $GREETING"; echo oops 1>&2`),
		task.WithEnv("GREETING=world"),
	)
	code, err := r.Run(context.Background(), tk)
	if err != nil || code != 0 {
		t.Fatalf("Run = %d, %v", code, err)
	}
	out, err := os.ReadFile(filepath.Join(logDir, "dir_echo.stdout"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(out)) != "hello world" {
		t.Fatalf("stdout = %q", out)
	}
	errOut, err := os.ReadFile(filepath.Join(logDir, "dir_echo.stderr"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(errOut)) != "oops" {
		t.Fatalf("stderr = %q", errOut)
	}
}

func TestProcessRunnerExitCode(t *testing.T) {
	t.Parallel()
	r := NewProcessRunner("", "", logx.Nop())
	code, err := r.Run(context.Background(), task.New("x", nil, nil, false, false, task.WithCommand("exit 3")))
	if err != nil || code != 3 {
		t.Fatalf("Run = %d, %v; want 3, nil", code, err)
	}
}

func TestProcessRunnerWorkingDir(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	r := NewProcessRunner("sh", "", logx.Nop())
	tk := task.New("w", nil, nil, false, false, task.WithCommand("echo data > made.txt"), task.WithDir(dir))
	if code, err := r.Run(context.Background(), tk); err != nil || code != 0 {
		t.Fatalf("Run = %d, %v", code, err)
	}
	if _, err := os.Stat(filepath.Join(dir, "made.txt")); err != nil {
		t.Fatalf("command did not run in task dir: %v", err)
	}
}

func TestProcessRunnerCancel(t *testing.T) {
	t.Parallel()
	r := NewProcessRunner("sh", "", logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Run(ctx, task.New("sleep", nil, nil, false, false, task.WithCommand("sleep 10")))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("process was not killed promptly")
	}
}

func TestProcessRunnerMissingCommand(t *testing.T) {
	t.Parallel()
	r := NewProcessRunner("sh", "", logx.Nop())
	_, err := r.Run(context.Background(), task.New("empty", nil, nil, false, false))
	if !errors.Is(err, ErrNoCommand) || !IsNoRetry(err) {
		t.Fatalf("err = %v", err)
	}
}
