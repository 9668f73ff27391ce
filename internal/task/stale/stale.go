// Package stale decides whether a set of outputs is out of date relative to
// a set of inputs, make-style.
package stale

import (
	"errors"
	"io/fs"
	"os"
	"time"

	logx "flowmake/pkg/logx"
)

// Oracle answers "are these outputs stale relative to these inputs?".
// Implementations only look at the filesystem, never at the task graph.
type Oracle interface {
	NeedsUpdate(outputs, inputs []string) bool
}

// Func adapts a plain function to Oracle.
type Func func(outputs, inputs []string) bool

func (f Func) NeedsUpdate(outputs, inputs []string) bool { return f(outputs, inputs) }

// StatFunc matches os.Stat.
type StatFunc func(name string) (fs.FileInfo, error)

// ModTime compares modification times.
//
// Outputs are stale when there are none, when any is missing, or when any
// input is newer than the oldest output. A missing input also counts as stale
// so that the producing task gets a chance to report the problem.
type ModTime struct {
	Log  logx.Logger
	Stat StatFunc
}

// NewModTime returns a ModTime oracle backed by os.Stat.
func NewModTime(log logx.Logger) *ModTime {
	return &ModTime{Log: log, Stat: os.Stat}
}

func (m *ModTime) stat(name string) (fs.FileInfo, error) {
	if m == nil || m.Stat == nil {
		return os.Stat(name)
	}
	return m.Stat(name)
}

func (m *ModTime) NeedsUpdate(outputs, inputs []string) bool {
	if len(outputs) == 0 {
		return true
	}

	var oldest time.Time
	for i, out := range outputs {
		fi, err := m.stat(out)
		if err != nil {
			m.note("output", out, err)
			return true
		}
		if i == 0 || fi.ModTime().Before(oldest) {
			oldest = fi.ModTime()
		}
	}

	for _, in := range inputs {
		fi, err := m.stat(in)
		if err != nil {
			m.note("input", in, err)
			return true
		}
		if fi.ModTime().After(oldest) {
			if m != nil && m.Log.Enabled(logx.LevelDebug) {
				m.Log.Debug("input newer than outputs", logx.String("input", in), logx.Time("input_mtime", fi.ModTime()), logx.Time("oldest_output", oldest))
			}
			return true
		}
	}
	return false
}

func (m *ModTime) note(kind, path string, err error) {
	if m == nil {
		return
	}
	if errors.Is(err, fs.ErrNotExist) {
		m.Log.Debug(kind+" missing", logx.String("path", path))
		return
	}
	m.Log.Warn("stat failed, treating as stale", logx.String(kind, path), logx.Err(err))
}

// Always is an oracle that reports every goal as stale.
var Always Oracle = Func(func(_, _ []string) bool { return true })
