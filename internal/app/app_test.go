package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"notifbox/internal/config"
	"notifbox/internal/notify"
	"notifbox/internal/notify/model"
	"notifbox/internal/storage"
	"notifbox/internal/task/engine"
)

func TestMapNotifyConfig(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Notify: config.NotifyConfig{
		MaxAttempts: 4,
		RetryBase:   "2m",
		Types: map[string]config.TemplateTypeConfig{
			"comment": {Email: "on", Text: "OFF", Subject: "hi"},
		},
	}}
	got, err := mapNotifyConfig(cfg)
	if err != nil {
		t.Fatalf("mapNotifyConfig: %v", err)
	}
	if got.MaxAttempts != 4 || got.RetryBase != 2*time.Minute {
		t.Fatalf("got=%+v", got)
	}
	tc := got.Types["comment"]
	if tc.Channels.Email != model.On || tc.Channels.Text != model.Off || tc.Channels.Summary != model.Unset {
		t.Fatalf("toggles=%+v", tc.Channels)
	}
	if tc.Subject != "hi" {
		t.Fatalf("subject=%q", tc.Subject)
	}

	cfg.Notify.Types["comment"] = config.TemplateTypeConfig{Summary: "yes"}
	if _, err := mapNotifyConfig(cfg); err == nil || !strings.Contains(err.Error(), "notify.types.comment.summary") {
		t.Fatalf("err=%v", err)
	}
}

func TestMapStorageConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      *config.StorageConfig
		driver  string
		busy    time.Duration
		wantErr bool
	}{
		{name: "omitted", in: nil, driver: "memory"},
		{name: "memory", in: &config.StorageConfig{Driver: "Memory"}, driver: "memory"},
		{name: "sqlite default busy", in: &config.StorageConfig{Driver: "sqlite", Path: "x.db"}, driver: "sqlite", busy: time.Second},
		{name: "sqlite busy", in: &config.StorageConfig{Driver: "sqlite", Path: "x.db", BusyTimeout: "3s"}, driver: "sqlite", busy: 3 * time.Second},
		{name: "file needs path", in: &config.StorageConfig{Driver: "file"}, wantErr: true},
		{name: "unknown", in: &config.StorageConfig{Driver: "redis"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := mapStorageConfig(&config.Config{Storage: tt.in})
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("mapStorageConfig: %v", err)
			}
			if got.Driver != tt.driver || got.BusyTimeout != tt.busy {
				t.Fatalf("got=%+v", got)
			}
		})
	}
}

func TestMapTaskEngineConfig(t *testing.T) {
	t.Parallel()
	off := false
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Enabled: true}}
	got, err := mapTaskEngineConfig(cfg)
	if err != nil || !got.Enabled {
		t.Fatalf("engine follows scheduler: got=%+v err=%v", got, err)
	}

	cfg.TaskEngine = &config.TaskEngineConfig{Enabled: &off}
	if _, err := mapTaskEngineConfig(cfg); err == nil {
		t.Fatalf("expected conflict error")
	}

	cfg.Scheduler.Enabled = false
	cfg.TaskEngine = &config.TaskEngineConfig{Workers: 3, CircuitTripFailures: 2, CircuitBaseDelay: "1s", DefaultTimeout: "30s"}
	got, err = mapTaskEngineConfig(cfg)
	if err != nil {
		t.Fatalf("mapTaskEngineConfig: %v", err)
	}
	if got.Enabled || got.Workers != 3 || got.Circuit.TripFailures != 2 || got.Circuit.BaseDelay != time.Second || got.DefaultTimeout != 30*time.Second {
		t.Fatalf("got=%+v", got)
	}
}

func TestValidateRejectsBadSchedule(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Enabled: true, Drain: config.SweepSchedule{Schedule: "every now and then"}}}
	if err := validate(cfg); err == nil || !strings.Contains(err.Error(), "scheduler.drain.schedule") {
		t.Fatalf("err=%v", err)
	}
	cfg.Scheduler.Drain.Schedule = "30s"
	cfg.Scheduler.Timezone = "Mars/Olympus"
	if err := validate(cfg); err == nil || !strings.Contains(err.Error(), "scheduler.timezone") {
		t.Fatalf("err=%v", err)
	}
}

func TestRegistryTemplater(t *testing.T) {
	t.Parallel()
	tmpl := newRegistryTemplater(map[string]config.RegistryConfig{
		"posts": {Recipients: []config.RecipientConfig{
			{UserID: "editor", Email: "ed@example.com", Locked: true},
			{UserID: " "},
		}},
		"drafts":   {Mode: "invalid"},
		"archived": {Mode: "delete"},
	})
	ctx := context.Background()

	res, err := tmpl.Template(ctx, model.TargetRef{Collection: "posts", ID: "p1"})
	if err != nil {
		t.Fatalf("Template: %v", err)
	}
	apply, ok := res.(notify.ApplyTemplate)
	if !ok || len(apply.Recipients) != 1 {
		t.Fatalf("res=%#v", res)
	}
	if r := apply.Recipients[0]; r.UserID != "editor" || r.Email != "ed@example.com" || !r.Locked {
		t.Fatalf("seed=%+v", r)
	}

	if res, _ := tmpl.Template(ctx, model.TargetRef{Collection: "drafts", ID: "d"}); res != (notify.InvalidTemplate{}) {
		t.Fatalf("drafts=%#v", res)
	}
	if res, _ := tmpl.Template(ctx, model.TargetRef{Collection: "archived", ID: "a"}); res != (notify.DeleteTemplate{}) {
		t.Fatalf("archived=%#v", res)
	}
	res, _ = tmpl.Template(ctx, model.UserTarget("u1"))
	if a, ok := res.(notify.ApplyTemplate); !ok || len(a.Recipients) != 0 {
		t.Fatalf("unknown collection=%#v", res)
	}

	tmpl.Apply(map[string]config.RegistryConfig{"posts": {Mode: "delete"}})
	if res, _ := tmpl.Template(ctx, model.TargetRef{Collection: "posts", ID: "p1"}); res != (notify.DeleteTemplate{}) {
		t.Fatalf("after Apply=%#v", res)
	}
}

const appConfig = `{
  "logging": {"level": "error", "console": false},
  "scheduler": {"enabled": true, "drain": {"schedule": "1h", "timeout": "30s"}},
  "registries": {"posts": {"recipients": [{"user_id": "editor", "email": "ed@example.com"}]}}
}`

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func hasSchedule(a *App, name string) bool {
	for _, s := range a.sched.Snapshot().Schedules {
		if s.Name == name {
			return true
		}
	}
	return false
}

func TestAppLifecycle(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notifbox.json")
	writeConfig(t, path, appConfig)

	a, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !hasSchedule(a, "drain") || hasSchedule(a, "resync") {
		t.Fatalf("schedules=%+v", a.sched.Snapshot().Schedules)
	}

	// Registries come from config.
	box, _, err := a.Notify().EnsureBox(ctx, model.TargetRef{Collection: "posts", ID: "p1"})
	if err != nil {
		t.Fatalf("EnsureBox: %v", err)
	}
	if out, err := a.Notify().InitializeBox(ctx, box.ID, false); err != nil || out != notify.InitApplied {
		t.Fatalf("InitializeBox: out=%v err=%v", out, err)
	}
	box, err = a.Notify().Box(ctx, box.ID)
	if err != nil || len(box.Recipients) != 1 || box.Recipients[0].UserID != "editor" {
		t.Fatalf("box=%+v err=%v", box, err)
	}

	// A manual trigger runs the sweep on the task engine.
	if err := a.sched.Trigger("drain"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	waitFor(t, "drain run", func() bool {
		for _, h := range a.engine.Snapshot().History {
			if h.Name == "drain" && h.Error == "" {
				return true
			}
		}
		return false
	})

	// Hot reload adds a resync schedule.
	reloaded := strings.Replace(appConfig, `"drain": {"schedule": "1h", "timeout": "30s"}`,
		`"drain": {"schedule": "1h", "timeout": "30s"}, "resync": {"schedule": "15m"}`, 1)
	// Rewrite until the watcher picks it up, spaced wider than the reload
	// debounce so a write never postpones the previous one.
	tick := time.NewTicker(600 * time.Millisecond)
	defer tick.Stop()
	deadline := time.After(10 * time.Second)
	writeConfig(t, path, reloaded)
	for !hasSchedule(a, "resync") {
		select {
		case <-tick.C:
			writeConfig(t, path, reloaded)
		case <-deadline:
			t.Fatalf("resync schedule never applied")
		}
	}

	st := a.Status()
	if !st.TaskEngine.Running || !st.Scheduler.Running || st.Supervisor == nil {
		t.Fatalf("status=%+v", st)
	}
	names := map[string]bool{}
	for _, g := range st.Supervisor.Goroutines {
		names[g.Name] = true
	}
	if !names["config.watch"] || !names["config.reload"] {
		t.Fatalf("supervised=%v", names)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx, StopAppStop); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	select {
	case <-a.Done():
	default:
		t.Fatalf("Done not closed after Stop")
	}
	if err := a.Err(); err != nil {
		t.Fatalf("Err: %v", err)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "notifbox.json")
	writeConfig(t, path, `{"scheduler": {"enabled": true, "archive": {"schedule": "sometimes"}}}`)
	if _, err := New(path); err == nil {
		t.Fatalf("New accepted an invalid schedule")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestClassifySweepError(t *testing.T) {
	t.Parallel()
	if err := classifySweepError(context.Canceled); !engine.IsNoRetry(err) {
		t.Fatalf("canceled sweep should not retry: %v", err)
	}
	conflict := fmt.Errorf("drain: %w", storage.ErrTooManyConflicts)
	err := classifySweepError(conflict)
	if engine.IsNoRetry(err) || !errors.Is(err, storage.ErrTooManyConflicts) || !strings.Contains(err.Error(), "retry-after(5s)") {
		t.Fatalf("conflict err=%v", err)
	}
	plain := errors.New("boom")
	if got := classifySweepError(plain); got != plain {
		t.Fatalf("plain err rewritten: %v", got)
	}
}
