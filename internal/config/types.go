package config

// Config is the flowmake runtime configuration. JSON or YAML; unknown keys are
// rejected.
//
// All durations are Go duration strings (e.g. "250ms", "10s", "1m").
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Engine  EngineConfig  `json:"engine"`
	Waiter  WaiterConfig  `json:"waiter,omitempty"`

	// Storage is optional; nil disables run history.
	Storage *StorageConfig `json:"storage,omitempty"`

	Watch   WatchConfig   `json:"watch,omitempty"`
	HTTP    HTTPConfig    `json:"http,omitempty"`
	Systemd SystemdConfig `json:"systemd,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// EngineConfig controls task execution.
//
// Defaults (when fields are omitted/zero):
//   - workers: 4
//   - retry_max: 0 (a failing command is not retried)
//   - retry_base: "500ms", retry_max_delay: "15s"
//   - default_timeout: "0s" (disabled)
//   - launch_rate: 0 (unthrottled), launch_burst: 1
//   - log_dir: "" (process output discarded)
//   - shell: "sh"
//   - history_size: 200
type EngineConfig struct {
	Workers        int     `json:"workers,omitempty"`
	RetryMax       int     `json:"retry_max,omitempty"`
	RetryBase      string  `json:"retry_base,omitempty"`
	RetryMaxDelay  string  `json:"retry_max_delay,omitempty"`
	DefaultTimeout string  `json:"default_timeout,omitempty"`
	LaunchRate     float64 `json:"launch_rate,omitempty"`
	LaunchBurst    int     `json:"launch_burst,omitempty"`
	LogDir         string  `json:"log_dir,omitempty"`
	Shell          string  `json:"shell,omitempty"`
	HistorySize    int     `json:"history_size,omitempty"`
}

type WaiterConfig struct {
	// PollInterval bounds how long a waiter sleeps between state checks.
	// Default "250ms".
	PollInterval string `json:"poll_interval,omitempty"`
}

// StorageConfig controls the run-history store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./.flowmake/history.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// WatchConfig controls watch mode: rebuilding goals when their source leaves
// change, and on schedules.
type WatchConfig struct {
	Enabled   bool             `json:"enabled"`
	Debounce  string           `json:"debounce,omitempty"` // default "500ms"
	Timezone  string           `json:"timezone,omitempty"`
	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

// ScheduleConfig rebuilds Goal on Schedule.
//
// Schedule accepts 5/6-field cron specs, descriptors (@daily), Go duration
// intervals ("15m"), "HH:MM" intervals and the "cron:", "interval:" and
// "every:" prefixes. An empty Goal rebuilds every goal of the pipeline.
type ScheduleConfig struct {
	Name     string `json:"name"`
	Goal     string `json:"goal,omitempty"`
	Schedule string `json:"schedule"`
}

// HTTPConfig controls the status server started in watch mode. It serves
// /healthz, /status and, when Pprof is set, /debug/pprof/.
//
// Binding to a non-loopback address requires Token or AllowInsecure.
type HTTPConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"` // default "127.0.0.1:7070"
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

type SystemdConfig struct {
	// Notify sends READY=1 / STOPPING=1 in watch mode.
	Notify bool `json:"notify"`
}
