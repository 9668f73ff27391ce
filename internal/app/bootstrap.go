package app

import (
	"time"

	"flowmake/internal/config"
	"flowmake/internal/observability/status"
	"flowmake/internal/runtime/supervisor"
	"flowmake/internal/task/engine"
	"flowmake/internal/task/scheduler"
	logx "flowmake/pkg/logx"
)

// ---- Config ----

type Config = config.Config

type ConfigManager = config.Manager

var NewConfigManager = config.NewManager

var SummarizeConfigChange = config.SummarizeConfigChange

// ---- Runtime ----

type Supervisor = supervisor.Supervisor

var NewSupervisor = supervisor.New

var WithSupervisorLogger = supervisor.WithLogger

// ---- Mapping ----

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapEngineConfig(cfg *Config) (engine.Config, error) {
	d, err := cfg.ResolveDurations()
	if err != nil {
		return engine.Config{}, err
	}
	e := cfg.Engine
	return engine.Config{
		Workers:        e.Workers,
		DefaultTimeout: d.DefaultTimeout,
		RetryMax:       e.RetryMax,
		RetryBase:      d.RetryBase,
		RetryMaxDelay:  d.RetryMaxDelay,
		LaunchRate:     e.LaunchRate,
		LaunchBurst:    e.LaunchBurst,
		HistorySize:    e.HistorySize,
	}, nil
}

func mapStatusConfig(cfg *Config) status.Config {
	h := cfg.HTTP
	return status.Config{
		Enabled:       h.Enabled,
		Addr:          h.Addr,
		Token:         h.Token,
		AllowInsecure: h.AllowInsecure,
		Pprof:         h.Pprof,
	}
}

func mapSchedulerConfig(cfg *Config) scheduler.Config {
	return scheduler.Config{Timezone: cfg.Watch.Timezone}
}

// pollInterval is the waiter poll interval; 0 keeps the registry default.
func pollInterval(cfg *Config) time.Duration {
	d, err := cfg.ResolveDurations()
	if err != nil {
		return 0
	}
	return d.PollInterval
}
