package deps

import "sync/atomic"

var defaultRegistry atomic.Pointer[Registry]

func init() { defaultRegistry.Store(New()) }

// Default returns the process-wide registry, for callers that do not carry
// one explicitly. Prefer passing a *Registry where possible.
func Default() *Registry { return defaultRegistry.Load() }

// SetDefault installs r as the process-wide registry. A nil r is ignored.
func SetDefault(r *Registry) {
	if r != nil {
		defaultRegistry.Store(r)
	}
}

// Reset discards the process-wide registry and installs an empty one.
func Reset() *Registry {
	r := New()
	defaultRegistry.Store(r)
	return r
}
