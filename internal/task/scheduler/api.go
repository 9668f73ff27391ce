package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "flowmake/pkg/logx"
)

// Add parses schedule and registers job under name, replacing any schedule
// with the same name.
//
// Supported schedule formats:
//   - Cron: "*/5 * * * *", "0 30 3 * * *", "@hourly", "@every 55m"
//   - Interval duration: "55m", "2h30m"
//   - Interval HH:MM: "00:50" (50 minutes), "02:30" (2 hours 30 minutes)
func (s *Service) Add(name, schedule string, job Job) error {
	if job == nil {
		return errors.New("job required")
	}
	ps, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}
	switch ps.Kind {
	case SpecCron:
		if _, err := s.parser.Parse(ps.Cron); err != nil {
			return fmt.Errorf("schedule %q: %w", name, err)
		}
		return s.add(name, ps.Cron, job)
	case SpecInterval:
		return s.add(name, fmt.Sprintf("@every %s", ps.Every.String()), job)
	default:
		return fmt.Errorf("unsupported schedule kind")
	}
}

func (s *Service) add(name, spec string, job Job) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.removeScheduleLocked(name)
	s.defs = append(s.defs, scheduleDef{
		name:    name,
		spec:    spec,
		job:     job,
		running: &atomic.Bool{},
		stats:   &runStats{},
	})
	if s.c == nil {
		// Registered when Start runs.
		return nil
	}
	d := &s.defs[len(s.defs)-1]
	if err := s.addCronLocked(d); err != nil {
		s.log.Error("schedule register failed", logx.String("name", name), logx.String("spec", spec), logx.Err(err))
		return err
	}
	args := []logx.Field{logx.String("name", name), logx.String("spec", spec)}
	if next := s.previewNextRunsLocked(spec, 4); next != "" {
		args = append(args, logx.String("next", next))
	}
	s.log.Debug("schedule registered", args...)
	return nil
}

// Remove unschedules name. It reports whether a schedule was removed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	removed := s.removeScheduleLocked(name)
	s.mu.Unlock()
	if removed {
		s.log.Debug("schedule removed", logx.String("name", name))
	}
	return removed
}

// Names returns the registered schedule names in registration order.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.defs))
	for _, d := range s.defs {
		out = append(out, d.name)
	}
	return out
}

// removeScheduleLocked removes all defs matching name and unregisters them
// from cron if running. Call with s.mu held.
func (s *Service) removeScheduleLocked(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	removed := false
	n := 0
	for _, d := range s.defs {
		if d.name == name {
			if s.c != nil && d.entryID != 0 {
				s.c.Remove(d.entryID)
			}
			removed = true
			continue
		}
		s.defs[n] = d
		n++
	}
	s.defs = s.defs[:n]
	return removed
}

// trigger runs d.job unless its previous run is still going.
func (s *Service) trigger(ctx context.Context, d scheduleDef) {
	if !d.running.CompareAndSwap(false, true) {
		d.stats.skipped.Add(1)
		s.log.Debug("schedule trigger skipped; previous run still active", logx.String("schedule", d.name))
		return
	}
	defer d.running.Store(false)

	d.stats.runs.Add(1)
	start := time.Now()
	if err := d.job(ctx); err != nil {
		d.stats.failed.Add(1)
		s.reportJobError(d.name, err)
		return
	}
	s.log.Debug("scheduled job done", logx.String("schedule", d.name), logx.Duration("took", time.Since(start)))
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	def := *d
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	job := cron.FuncJob(func() { s.trigger(ctx, def) })

	// Interval schedules get a startup spread so they do not all fire at once.
	spec := strings.TrimSpace(d.spec)
	if strings.HasPrefix(spec, "@every") {
		every, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every")))
		if err == nil && every > 0 {
			sched, jitter := makeIntervalScheduleWithSpread(every, time.Now().In(s.loc), d.name)
			d.startupSpread = jitter
			d.entryID = s.c.Schedule(sched, job)
			return nil
		}
	}

	d.startupSpread = 0
	eid, err := s.c.AddJob(d.spec, job)
	if err == nil {
		d.entryID = eid
	}
	return err
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	s.loc = s.loadLocationLocked()
	s.c = s.newCronLocked()
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", s.loc.String()), logx.Int("schedules", len(s.defs)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// previewNextRunsLocked lists the next n trigger times for debug logs.
func (s *Service) previewNextRunsLocked(spec string, n int) string {
	if s.log.IsZero() || !s.log.Enabled(logx.LevelDebug) || n <= 0 {
		return ""
	}
	sched, err := s.parser.Parse(spec)
	if err != nil {
		return ""
	}
	loc := s.loc
	if loc == nil {
		loc = time.Local
	}
	t := time.Now().In(loc)
	var b strings.Builder
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(t.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}
