package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"flowmake/internal/task"
	logx "flowmake/pkg/logx"
)

// ProcessRunner runs a task's command through a shell as a local process.
//
// The process gets its own process group so that cancellation kills the whole
// tree. When LogDir is set, stdout and stderr go to <LogDir>/<id>.stdout and
// <LogDir>/<id>.stderr; otherwise they are discarded.
type ProcessRunner struct {
	Shell  string
	LogDir string
	Log    logx.Logger
}

func NewProcessRunner(shell, logDir string, log logx.Logger) *ProcessRunner {
	return &ProcessRunner{Shell: shell, LogDir: logDir, Log: log}
}

func (r *ProcessRunner) Run(ctx context.Context, t *task.Task) (int, error) {
	command := strings.TrimSpace(t.Command())
	if command == "" {
		return -1, NoRetry(fmt.Errorf("%w: %s", ErrNoCommand, t.ID()))
	}
	shell := strings.TrimSpace(r.Shell)
	if shell == "" {
		shell = "sh"
	}

	cmd := exec.Command(shell, "-c", command)
	cmd.Dir = t.Dir()
	cmd.Env = append(os.Environ(), t.Env()...)
	setProcessGroup(cmd)

	stdout, stderr, closeLogs, err := r.openLogs(t.ID())
	if err != nil {
		return -1, NoRetry(err)
	}
	defer closeLogs()
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return -1, NoRetry(fmt.Errorf("start %s: %w", t.ID(), err))
	}
	r.Log.Debug("process started", logx.String("task_id", t.ID()), logx.Int("pid", cmd.Process.Pid))

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		killProcessGroup(cmd)
		<-done
		return -1, fmt.Errorf("%s cancelled: %w", t.ID(), ctx.Err())
	case err = <-done:
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("wait %s: %w", t.ID(), err)
	}
	return 0, nil
}

func (r *ProcessRunner) openLogs(id string) (stdout, stderr io.Writer, closeFn func(), err error) {
	if strings.TrimSpace(r.LogDir) == "" {
		return io.Discard, io.Discard, func() {}, nil
	}
	if err := os.MkdirAll(r.LogDir, 0o755); err != nil {
		return nil, nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	name := sanitizeID(id)
	outF, err := os.Create(filepath.Join(r.LogDir, name+".stdout"))
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open stdout log: %w", err)
	}
	errF, err := os.Create(filepath.Join(r.LogDir, name+".stderr"))
	if err != nil {
		_ = outF.Close()
		return nil, nil, nil, fmt.Errorf("open stderr log: %w", err)
	}
	return outF, errF, func() {
		_ = outF.Close()
		_ = errF.Close()
	}, nil
}

// sanitizeID keeps task ids usable as file names.
func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, id)
}
