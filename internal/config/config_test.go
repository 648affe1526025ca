package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const sampleYAML = `
logging:
  level: info
  console: true
storage:
  driver: sqlite
  path: ./notifbox.db
  busy_timeout: 5s
scheduler:
  enabled: true
  timezone: UTC
  drain:
    schedule: 30s
  archive:
    schedule: "0 3 * * *"
    timeout: 10m
notify:
  max_attempts: 4
  retry_base: 2m
  types:
    comment:
      text: "off"
      subject: "New comment on {{.Target.ID}}"
channels:
  email:
    driver: resend
    from: noreply@example.com
    resend:
      api_key: re_123
api:
  enabled: true
  addr: 127.0.0.1:9090
registries:
  posts:
    recipients:
      - user_id: editor
        locked: true
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "notifbox.yaml", sampleYAML)
	m := NewManager(p)
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Get() != cfg {
		t.Fatalf("Load did not commit")
	}
	if cfg.Storage == nil || cfg.Storage.Driver != "sqlite" || cfg.Scheduler.Archive.Timeout != "10m" {
		t.Fatalf("cfg=%+v", cfg)
	}
	if tc := cfg.Notify.Types["comment"]; tc.Text != "off" || !strings.Contains(tc.Subject, "{{.Target.ID}}") {
		t.Fatalf("types=%+v", cfg.Notify.Types)
	}
	if r := cfg.Registries["posts"]; len(r.Recipients) != 1 || !r.Recipients[0].Locked {
		t.Fatalf("registries=%+v", cfg.Registries)
	}
	if got := cfg.Scheduler.Sweeps()["drain"].Schedule; got != "30s" {
		t.Fatalf("drain schedule=%q", got)
	}
}

func TestDecodeRejects(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		path string
		body string
	}{
		{name: "unknown field", path: "c.json", body: `{"logging":{"level":"info"},"telegram":{}}`},
		{name: "trailing data", path: "c.json", body: `{"logging":{}} {"logging":{}}`},
		{name: "bad yaml", path: "c.yml", body: "logging: [unclosed"},
		{name: "unknown yaml key", path: "c.yaml", body: "api:\n  port: 80\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := Decode(tt.path, []byte(tt.body)); err == nil {
				t.Fatalf("Decode accepted %q", tt.body)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(*Config) {}},
		{name: "bad duration", mutate: func(c *Config) { c.Notify.RetryBase = "soon" }, wantErr: "notify.retry_base"},
		{name: "negative duration", mutate: func(c *Config) { c.Scheduler.Drain.Timeout = "-1s" }, wantErr: "scheduler.drain.timeout"},
		{name: "storage path", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "file"} }, wantErr: "storage.path"},
		{name: "storage driver", mutate: func(c *Config) { c.Storage = &StorageConfig{Driver: "mongo"} }, wantErr: "storage.driver"},
		{name: "toggle", mutate: func(c *Config) { c.Notify.Types = map[string]TemplateTypeConfig{"x": {Email: "maybe"}} }, wantErr: "notify.types.x.email"},
		{name: "smtp host", mutate: func(c *Config) { c.Channels.Email.Driver = "smtp" }, wantErr: "smtp.host"},
		{name: "email driver", mutate: func(c *Config) { c.Channels.Email.Driver = "pigeon" }, wantErr: "channels.email.driver"},
		{name: "registry mode", mutate: func(c *Config) { c.Registries = map[string]RegistryConfig{"posts": {Mode: "seed"}} }, wantErr: "registries.posts.mode"},
		{name: "log file", mutate: func(c *Config) { c.Logging.File.Enabled = true }, wantErr: "logging.file.path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := &Config{}
			tt.mutate(cfg)
			err := Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err=%v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestSummarizeConfigChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{API: APIConfig{Enabled: true, JWTSecret: "a"}}
	newCfg := &Config{
		API:       APIConfig{Enabled: true, JWTSecret: "b"},
		Logging:   LoggingConfig{Level: "debug"},
		Scheduler: SchedulerConfig{Drain: SweepSchedule{Schedule: "1m"}},
		Storage:   &StorageConfig{Driver: "memory"},
	}
	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	want := []string{"api", "logging", "scheduler", "storage"}
	if strings.Join(changed, ",") != strings.Join(want, ",") {
		t.Fatalf("changed=%v want %v", changed, want)
	}
	if len(attrs) == 0 {
		t.Fatalf("no attrs")
	}
	if got := RestartRequired(changed); strings.Join(got, ",") != "api,storage" {
		t.Fatalf("restart=%v", got)
	}
	if changed, _ := SummarizeConfigChange(newCfg, newCfg); len(changed) != 0 {
		t.Fatalf("identical configs changed=%v", changed)
	}
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "notifbox.json", `{"logging":{"level":"info"}}`)
	m := NewManager(p)
	if _, err := m.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	m.SetValidator(func(_ context.Context, cfg *Config) error {
		if cfg.Logging.Level == "rejected" {
			return os.ErrInvalid
		}
		return nil
	})
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Rewrite until the watcher is attached and a reload lands. The interval
	// stays above reloadDebounce so each write gets its own reload.
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(reloadDebounce + 250*time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case cfg := <-sub:
			if cfg.Logging.Level != "debug" {
				t.Fatalf("published level=%q", cfg.Logging.Level)
			}
			if m.Get().Logging.Level != "debug" {
				t.Fatalf("published config not committed")
			}
			return
		case <-tick.C:
			writeFile(t, dir, "notifbox.json", `{"logging":{"level":"rejected"}}`)
			writeFile(t, dir, "notifbox.json", `{"logging":{"level":"debug"}}`)
		case <-deadline:
			t.Fatalf("no config published")
		}
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw     string
		def     time.Duration
		want    time.Duration
		wantErr bool
	}{
		{raw: "", def: time.Second, want: time.Second},
		{raw: " 2m ", want: 2 * time.Minute},
		{raw: "0s", def: 3 * time.Second, want: 3 * time.Second},
		{raw: "-5s", wantErr: true},
		{raw: "fortnight", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDurationOrDefault("x.timeout", tt.raw, tt.def)
		if tt.wantErr {
			if err == nil || !strings.Contains(err.Error(), "x.timeout") {
				t.Fatalf("%q: err=%v", tt.raw, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("%q: got=%v err=%v want %v", tt.raw, got, err, tt.want)
		}
	}
}

func TestDecodeYAMLNonStringKeys(t *testing.T) {
	t.Parallel()
	cfg, err := Decode("c.yml", []byte("notify:\n  types:\n    1:\n      email: \"on\"\n"))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Notify.Types["1"].Email != "on" {
		t.Fatalf("types=%+v", cfg.Notify.Types)
	}
}

func TestDebouncerCoalescesAndCapsWait(t *testing.T) {
	t.Parallel()
	var fired atomic.Int32
	d := newDebouncer(50*time.Millisecond, 200*time.Millisecond, func() { fired.Add(1) })
	defer d.stop()

	for i := 0; i < 5; i++ {
		d.trigger()
	}
	time.Sleep(150 * time.Millisecond)
	if n := fired.Load(); n != 1 {
		t.Fatalf("burst fired %d times, want 1", n)
	}

	// Events closer together than the delay must not postpone forever.
	stopAt := time.Now().Add(600 * time.Millisecond)
	for time.Now().Before(stopAt) {
		d.trigger()
		time.Sleep(10 * time.Millisecond)
	}
	if n := fired.Load(); n < 2 {
		t.Fatalf("steady stream never fired, count=%d", n)
	}
	time.Sleep(150 * time.Millisecond)

	d.trigger()
	d.stop()
	before := fired.Load()
	time.Sleep(100 * time.Millisecond)
	if fired.Load() != before {
		t.Fatalf("fired after stop")
	}
}
