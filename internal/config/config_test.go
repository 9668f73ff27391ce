package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseBytesYAMLAndJSON(t *testing.T) {
	t.Parallel()
	yml := `
logging:
  level: debug
  console: true
engine:
  workers: 8
  retry_max: 2
  default_timeout: 30s
storage:
  driver: sqlite
  path: ./history.db
watch:
  enabled: true
  schedules:
    - name: nightly
      goal: dist/app
      schedule: "0 3 * * *"
`
	cfg, err := ParseBytes("flowmake.yaml", []byte(yml))
	if err != nil {
		t.Fatalf("ParseBytes yaml: %v", err)
	}
	if cfg.Engine.Workers != 8 || cfg.Engine.RetryMax != 2 || cfg.Storage == nil || cfg.Storage.Driver != "sqlite" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Watch.Schedules) != 1 || cfg.Watch.Schedules[0].Goal != "dist/app" {
		t.Fatalf("schedules = %+v", cfg.Watch.Schedules)
	}

	js := `{"logging":{"level":"warn","console":false},"engine":{"workers":2}}`
	cfg, err = ParseBytes("flowmake.json", []byte(js))
	if err != nil {
		t.Fatalf("ParseBytes json: %v", err)
	}
	if cfg.Logging.Level != "warn" || cfg.Engine.Workers != 2 || cfg.Storage != nil {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestParseBytesRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		doc  string
		want string
	}{
		{"unknown field", "c.json", `{"engine":{"wrokers":2}}`, "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad duration", "c.json", `{"engine":{"retry_base":"soon"}}`, "engine.retry_base"},
		{"negative workers", "c.json", `{"engine":{"workers":-1}}`, "engine.workers"},
		{"bad driver", "c.yaml", "storage:\n  driver: redis\n  path: x\n", "storage.driver"},
		{"missing storage path", "c.yaml", "storage:\n  driver: file\n", "storage.path"},
		{"bad level", "c.yaml", "logging:\n  level: loud\n", "logging.level"},
		{"schedule without spec", "c.yaml", "watch:\n  schedules:\n    - name: a\n", "schedule: required"},
		{"bad http addr", "c.yaml", "http:\n  addr: localhost\n", "http.addr"},
		{"duplicate schedule", "c.yaml", "watch:\n  schedules:\n    - {name: a, schedule: 1m}\n    - {name: a, schedule: 2m}\n", "duplicate"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseBytes(tt.path, []byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestResolveDurations(t *testing.T) {
	t.Parallel()
	cfg := Default()
	cfg.Engine.RetryBase = "100ms"
	cfg.Waiter.PollInterval = "1s"
	d, err := cfg.ResolveDurations()
	if err != nil {
		t.Fatal(err)
	}
	if d.RetryBase != 100*time.Millisecond || d.PollInterval != time.Second || d.Debounce != 500*time.Millisecond {
		t.Fatalf("durations = %+v", d)
	}
}

func TestManagerEmptyPathUsesDefault(t *testing.T) {
	t.Parallel()
	m := NewManager("")
	cfg, err := m.Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Logging.Level != "info" || m.Get() != cfg {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestManagerWatchPublishesChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "flowmake.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  workers: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	m.debounce = 10 * time.Millisecond
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	write := time.NewTicker(100 * time.Millisecond)
	defer write.Stop()
	for {
		select {
		case cfg := <-ch:
			if cfg.Engine.Workers != 3 {
				t.Fatalf("workers = %d", cfg.Engine.Workers)
			}
			cancel()
			<-done
			return
		case <-write.C:
			// Rewrite until the watcher is up.
			_ = os.WriteFile(path, []byte("engine:\n  workers: 3\n"), 0o644)
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}

func TestManagerReloadSkipsInvalid(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "c.json")
	if err := os.WriteFile(path, []byte(`{"engine":{"workers":2}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(path)
	if _, err := m.Load(); err != nil {
		t.Fatal(err)
	}
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	if err := os.WriteFile(path, []byte(`{"engine":{"workers":"many"}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	if err := os.WriteFile(path, []byte(`{"engine":{"workers":2}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	m.reload(context.Background())
	select {
	case cfg := <-ch:
		t.Fatalf("unexpected publish: %+v", cfg)
	default:
	}
	if m.Get().Engine.Workers != 2 {
		t.Fatalf("committed config changed")
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := Default()
	newCfg := Default()
	newCfg.Engine.Workers = 6
	newCfg.Storage = &StorageConfig{Driver: "file", Path: "runs.jsonl"}
	newCfg.Systemd.Notify = true

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	if strings.Join(changed, ",") != "engine,storage,systemd" {
		t.Fatalf("changed = %v", changed)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if changed, _ := SummarizeConfigChange(oldCfg, Default()); len(changed) != 0 {
		t.Fatalf("identical configs reported %v", changed)
	}
}
