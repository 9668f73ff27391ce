package config

import (
	"reflect"
	"sort"
	"strings"

	logx "flowmake/pkg/logx"
)

// SummarizeConfigChange returns the sorted list of changed sections and
// structured attrs describing their new values.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Engine != newCfg.Engine {
		changed = append(changed, "engine")
		attrs = append(attrs,
			logx.Int("engine.workers", newCfg.Engine.Workers),
			logx.Int("engine.retry_max", newCfg.Engine.RetryMax),
			logx.String("engine.default_timeout", strings.TrimSpace(newCfg.Engine.DefaultTimeout)),
			logx.Any("engine.launch_rate", newCfg.Engine.LaunchRate),
			logx.Bool("engine.log_dir_set", strings.TrimSpace(newCfg.Engine.LogDir) != ""),
		)
	}

	if strings.TrimSpace(oldCfg.Waiter.PollInterval) != strings.TrimSpace(newCfg.Waiter.PollInterval) {
		changed = append(changed, "waiter")
		attrs = append(attrs, logx.String("waiter.poll_interval", strings.TrimSpace(newCfg.Waiter.PollInterval)))
	}

	// Nil means disabled.
	var oDriver, nDriver, oBusy, nBusy, oPath, nPath string
	if s := oldCfg.Storage; s != nil {
		oDriver, oBusy, oPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if s := newCfg.Storage; s != nil {
		nDriver, nBusy, nPath = strings.TrimSpace(s.Driver), strings.TrimSpace(s.BusyTimeout), strings.TrimSpace(s.Path)
	}
	if (oldCfg.Storage == nil) != (newCfg.Storage == nil) || oDriver != nDriver || oBusy != nBusy || oPath != nPath {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.Bool("storage.enabled", newCfg.Storage != nil),
			logx.String("storage.driver", nDriver),
			logx.String("storage.busy_timeout", nBusy),
		)
	}

	if !reflect.DeepEqual(oldCfg.Watch, newCfg.Watch) {
		changed = append(changed, "watch")
		attrs = append(attrs,
			logx.Bool("watch.enabled", newCfg.Watch.Enabled),
			logx.String("watch.debounce", strings.TrimSpace(newCfg.Watch.Debounce)),
			logx.Int("watch.schedules", len(newCfg.Watch.Schedules)),
		)
	}

	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
			logx.Bool("http.pprof", newCfg.HTTP.Pprof),
		)
	}

	if oldCfg.Systemd != newCfg.Systemd {
		changed = append(changed, "systemd")
		attrs = append(attrs, logx.Bool("systemd.notify", newCfg.Systemd.Notify))
	}

	sort.Strings(changed)
	return changed, attrs
}
