package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
	}
}

// Validate checks field ranges and that every duration parses.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" {
		switch strings.ToLower(lvl) {
		case "trace", "debug", "info", "warn", "warning", "error":
		default:
			add(fmt.Errorf("logging.level: unknown level %q", lvl))
		}
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		add(errors.New("logging.file.path: required when file logging is enabled"))
	}

	e := cfg.Engine
	if e.Workers < 0 {
		add(errors.New("engine.workers: must be >= 0"))
	}
	if e.RetryMax < 0 {
		add(errors.New("engine.retry_max: must be >= 0"))
	}
	if e.LaunchRate < 0 {
		add(errors.New("engine.launch_rate: must be >= 0"))
	}
	if e.LaunchBurst < 0 {
		add(errors.New("engine.launch_burst: must be >= 0"))
	}
	if e.HistorySize < 0 {
		add(errors.New("engine.history_size: must be >= 0"))
	}
	for _, d := range []struct{ path, raw string }{
		{"engine.retry_base", e.RetryBase},
		{"engine.retry_max_delay", e.RetryMaxDelay},
		{"engine.default_timeout", e.DefaultTimeout},
		{"waiter.poll_interval", cfg.Waiter.PollInterval},
		{"watch.debounce", cfg.Watch.Debounce},
	} {
		_, err := ParseDurationField(d.path, d.raw)
		add(err)
	}

	if s := cfg.Storage; s != nil {
		driver := strings.ToLower(strings.TrimSpace(s.Driver))
		switch driver {
		case "", "none", "file", "sqlite", "sqlite3":
		default:
			add(fmt.Errorf("storage.driver: unsupported driver %q", s.Driver))
		}
		if driver != "none" && strings.TrimSpace(s.Path) == "" {
			add(errors.New("storage.path: required"))
		}
		_, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout)
		add(err)
	}

	if tz := strings.TrimSpace(cfg.Watch.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			add(fmt.Errorf("watch.timezone: %w", err))
		}
	}
	seen := map[string]bool{}
	for i, sc := range cfg.Watch.Schedules {
		name := strings.TrimSpace(sc.Name)
		if name == "" {
			name = fmt.Sprintf("schedule[%d]", i)
		}
		if seen[name] {
			add(fmt.Errorf("watch.schedules: duplicate name %q", name))
		}
		seen[name] = true
		if strings.TrimSpace(sc.Schedule) == "" {
			add(fmt.Errorf("watch.schedules[%s].schedule: required", name))
		}
	}

	if addr := strings.TrimSpace(cfg.HTTP.Addr); addr != "" {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			add(fmt.Errorf("http.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}

// Durations resolved from the string fields, with defaults applied.
type Durations struct {
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	DefaultTimeout time.Duration
	PollInterval   time.Duration
	Debounce       time.Duration
	BusyTimeout    time.Duration
}

// ResolveDurations parses every duration field. Zero values are left for the
// consuming package to default, except Debounce which defaults to 500ms.
func (c *Config) ResolveDurations() (Durations, error) {
	var d Durations
	var err error
	if d.RetryBase, err = ParseDurationField("engine.retry_base", c.Engine.RetryBase); err != nil {
		return d, err
	}
	if d.RetryMaxDelay, err = ParseDurationField("engine.retry_max_delay", c.Engine.RetryMaxDelay); err != nil {
		return d, err
	}
	if d.DefaultTimeout, err = ParseDurationField("engine.default_timeout", c.Engine.DefaultTimeout); err != nil {
		return d, err
	}
	if d.PollInterval, err = ParseDurationField("waiter.poll_interval", c.Waiter.PollInterval); err != nil {
		return d, err
	}
	if d.Debounce, err = ParseDurationOrDefault("watch.debounce", c.Watch.Debounce, 500*time.Millisecond); err != nil {
		return d, err
	}
	if c.Storage != nil {
		if d.BusyTimeout, err = ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
			return d, err
		}
	}
	return d, nil
}
