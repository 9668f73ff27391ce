// Package watch triggers goal rebuilds when source files change.
//
// The watcher observes the directories holding each goal's leaf inputs,
// coalesces bursts of events and calls back with the affected goals. Only one
// callback runs at a time; changes seen meanwhile are delivered afterwards.
package watch

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "flowmake/pkg/logx"
)

const (
	DefaultDebounce    = 500 * time.Millisecond
	restartBackoffBase = 250 * time.Millisecond
	restartBackoffMax  = 5 * time.Second
)

// OnChange receives the sorted set of goals whose leaves changed.
type OnChange func(ctx context.Context, goals []string)

type Watcher struct {
	log      logx.Logger
	debounce time.Duration

	mu     sync.Mutex
	byFile map[string][]string // absolute leaf path -> goals
	reload chan struct{}
}

func New(debounce time.Duration, log logx.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Watcher{
		log:      log,
		debounce: debounce,
		byFile:   map[string][]string{},
		reload:   make(chan struct{}, 1),
	}
}

// SetTargets replaces the watched set: goal -> leaf input paths. Relative
// paths resolve against the working directory. A running watcher picks up the
// new directories.
func (w *Watcher) SetTargets(targets map[string][]string) {
	byFile := map[string][]string{}
	for goal, leaves := range targets {
		for _, leaf := range leaves {
			abs, err := filepath.Abs(leaf)
			if err != nil {
				w.log.Warn("cannot resolve leaf path", logx.String("path", leaf), logx.Err(err))
				continue
			}
			byFile[abs] = appendUnique(byFile[abs], goal)
		}
	}
	w.mu.Lock()
	w.byFile = byFile
	w.mu.Unlock()

	select {
	case w.reload <- struct{}{}:
	default:
	}
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

// Dirs returns the sorted directories that hold watched leaves.
func (w *Watcher) Dirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	set := map[string]struct{}{}
	for f := range w.byFile {
		set[filepath.Dir(f)] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

func (w *Watcher) goalsFor(name string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.byFile[filepath.Clean(name)]
}

// Run watches until ctx is done. A broken fsnotify watcher is recreated
// with jittered backoff.
func (w *Watcher) Run(ctx context.Context, onChange OnChange) error {
	if onChange == nil {
		return errors.New("watch: nil callback")
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := restartBackoffBase
	nextBackoff := func() time.Duration {
		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		if backoff < restartBackoffMax {
			backoff = min(backoff*2, restartBackoffMax)
		}
		return wait
	}

	pending := map[string]struct{}{}
	var (
		timer    *time.Timer
		timerC   <-chan time.Time
		inflight chan struct{}
	)
	arm := func() {
		if timer == nil {
			timer = time.NewTimer(w.debounce)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		}
		timerC = timer.C
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		if inflight != nil {
			<-inflight
		}
	}()
	flush := func() {
		timerC = nil
		if inflight != nil || len(pending) == 0 {
			return
		}
		goals := make([]string, 0, len(pending))
		for g := range pending {
			goals = append(goals, g)
		}
		sort.Strings(goals)
		clear(pending)
		w.log.Info("sources changed; rebuilding", logx.Strings("goals", goals))
		done := make(chan struct{})
		inflight = done
		go func() {
			defer close(done)
			onChange(ctx, goals)
		}()
	}

	for {
		if ctx.Err() != nil {
			return nil
		}
		fw, err := w.open()
		if err != nil {
			w.log.Warn("leaf watch init failed", logx.Err(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(nextBackoff()):
				continue
			}
		}
		backoff = restartBackoffBase

		broken, reconfigure := false, false
		for !broken && !reconfigure {
			select {
			case <-ctx.Done():
				_ = fw.Close()
				return nil
			case <-w.reload:
				reconfigure = true
			case <-timerC:
				flush()
			case <-inflight:
				inflight = nil
				if len(pending) > 0 {
					arm()
				}
			case ev, ok := <-fw.Events:
				if !ok {
					broken = true
					break
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove|fsnotify.Chmod) == 0 {
					continue
				}
				goals := w.goalsFor(ev.Name)
				if len(goals) == 0 {
					continue
				}
				w.log.Debug("leaf changed", logx.String("path", ev.Name), logx.String("op", ev.Op.String()))
				for _, g := range goals {
					pending[g] = struct{}{}
				}
				arm()
			case err, ok := <-fw.Errors:
				if !ok {
					broken = true
					break
				}
				if errors.Is(err, fsnotify.ErrEventOverflow) {
					// Events were lost; rebuild everything watched.
					w.log.Warn("leaf watch overflow; rebuilding all goals", logx.Err(err))
					w.markAll(pending)
					arm()
					continue
				}
				w.log.Warn("leaf watch error", logx.Err(err))
			}
		}
		_ = fw.Close()
		if reconfigure {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		wait := nextBackoff()
		w.log.Warn("leaf watcher stopped; restarting", logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (w *Watcher) markAll(pending map[string]struct{}) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, goals := range w.byFile {
		for _, g := range goals {
			pending[g] = struct{}{}
		}
	}
}

func (w *Watcher) open() (*fsnotify.Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := w.Dirs()
	added := 0
	for _, d := range dirs {
		if err := fw.Add(d); err != nil {
			// The directory may not exist yet; its leaf is simply stale.
			w.log.Warn("cannot watch directory", logx.String("dir", d), logx.Err(err))
			continue
		}
		added++
	}
	w.log.Debug("leaf watcher started", logx.Int("dirs", added), logx.Int("configured", len(dirs)))
	return fw, nil
}
