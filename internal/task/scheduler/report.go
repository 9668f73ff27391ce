package scheduler

import (
	"context"
	"errors"
	"time"

	logx "flowmake/pkg/logx"
)

const triggerWarnThrottle = 5 * time.Second

func (s *Service) reportJobError(name string, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, context.Canceled) {
		if !s.log.IsZero() {
			s.log.Debug("scheduled job cancelled", logx.String("schedule", name))
		}
		return
	}

	now := time.Now()
	s.warnMu.Lock()
	if s.lastWarn == nil {
		s.lastWarn = make(map[string]time.Time)
	}
	last := s.lastWarn[name]
	if !last.IsZero() && now.Sub(last) < triggerWarnThrottle {
		s.warnMu.Unlock()
		return
	}
	s.lastWarn[name] = now
	s.warnMu.Unlock()

	if s.log.IsZero() {
		return
	}
	s.log.Warn("scheduled job failed", logx.String("schedule", name), logx.Err(err))
}
