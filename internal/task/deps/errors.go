package deps

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrCircularDependency = errors.New("circular dependency")
	ErrInvalidTask        = errors.New("invalid task")
	ErrNoExecutor         = errors.New("no executor configured")
)

// CircularDependencyError names the task that closed a cycle and one witness
// path through it. Path runs from consumer to producer and ends where it began.
type CircularDependencyError struct {
	TaskID string
	Path   []string
	// Goal is set when the cycle surfaced during goal resolution.
	Goal string
}

func (e *CircularDependencyError) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(ErrCircularDependency.Error())
	if e.Goal != "" {
		fmt.Fprintf(&b, " while resolving goal %q", e.Goal)
	}
	fmt.Fprintf(&b, ": task %q", e.TaskID)
	if len(e.Path) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Path, " -> "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *CircularDependencyError) Unwrap() error { return ErrCircularDependency }
