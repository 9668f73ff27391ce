package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "flowmake/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Job is the work fired by a schedule.
type Job func(ctx context.Context) error

type scheduleDef struct {
	name          string
	spec          string // cron spec or @every
	job           Job
	entryID       cron.EntryID
	startupSpread time.Duration // initial random delay for @every schedules

	running *atomic.Bool
	stats   *runStats
}

type runStats struct {
	runs    atomic.Uint64
	skipped atomic.Uint64
	failed  atomic.Uint64
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location
	ctx context.Context

	parser cron.Parser
	c      *cron.Cron
	defs   []scheduleDef

	// Trigger error throttling: key is schedule name.
	warnMu   sync.Mutex
	lastWarn map[string]time.Time
}

type ScheduleInfo struct {
	Name          string
	Spec          string
	StartupSpread time.Duration
	Next          time.Time
	Prev          time.Time
	Running       bool
	Runs          uint64
	Skipped       uint64
	Failed        uint64
}

type Snapshot struct {
	Running   bool
	Timezone  string
	Schedules []ScheduleInfo
}
