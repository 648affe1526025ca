package app

import (
	"fmt"
	"strings"
	"time"

	"notifbox/internal/config"
	"notifbox/internal/notify"
	"notifbox/internal/notify/channel"
	"notifbox/internal/notify/model"
	"notifbox/internal/storage"
	"notifbox/internal/task/engine"
	"notifbox/internal/task/scheduler"
	"notifbox/internal/transport/httpapi"
	logx "notifbox/pkg/logx"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		Format:  cfg.Logging.Format,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	out := storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), MaxTxRetries: sc.MaxTxRetries}
	switch driver {
	case "", "memory":
		out.Driver = "memory"
	case "file":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
	case "sqlite", "sqlite3":
		if out.Path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		out.BusyTimeout = busy
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	return out, nil
}

// mapTaskEngineConfig derives engine settings. An omitted enabled flag
// follows scheduler.enabled.
func mapTaskEngineConfig(cfg *config.Config) (engine.Config, error) {
	if cfg == nil {
		return engine.Config{}, nil
	}
	out := engine.Config{Enabled: cfg.Scheduler.Enabled}
	te := cfg.TaskEngine
	if te == nil {
		return out, nil
	}
	if te.Enabled != nil {
		out.Enabled = *te.Enabled
	}
	if cfg.Scheduler.Enabled && !out.Enabled {
		return engine.Config{}, fmt.Errorf("task_engine.enabled cannot be false while scheduler.enabled is true")
	}
	if te.Workers < 0 || te.QueueSize < 0 || te.HistorySize < 0 || te.RetryMax < 0 {
		return engine.Config{}, fmt.Errorf("task_engine: workers, queue_size, history_size and retry_max must be >= 0")
	}
	out.Workers = te.Workers
	out.QueueSize = te.QueueSize
	out.HistorySize = te.HistorySize
	out.RetryMax = te.RetryMax
	out.Circuit.TripFailures = te.CircuitTripFailures

	var err error
	if out.DefaultTimeout, err = config.ParseDurationField("task_engine.default_timeout", te.DefaultTimeout); err != nil {
		return engine.Config{}, err
	}
	if out.MaxQueueDelay, err = config.ParseDurationField("task_engine.max_queue_delay", te.MaxQueueDelay); err != nil {
		return engine.Config{}, err
	}
	if out.Circuit.BaseDelay, err = config.ParseDurationField("task_engine.circuit_base_delay", te.CircuitBaseDelay); err != nil {
		return engine.Config{}, err
	}
	if out.Circuit.MaxDelay, err = config.ParseDurationField("task_engine.circuit_max_delay", te.CircuitMaxDelay); err != nil {
		return engine.Config{}, err
	}
	return out, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tz := strings.TrimSpace(cfg.Scheduler.Timezone)
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	for name, s := range cfg.Scheduler.Sweeps() {
		if strings.TrimSpace(s.Schedule) == "" {
			continue
		}
		if err := scheduler.Validate(s.Schedule); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.%s.schedule: %w", name, err)
		}
	}
	return scheduler.Config{Enabled: cfg.Scheduler.Enabled, Timezone: tz}, nil
}

func mapNotifyConfig(cfg *config.Config) (notify.Config, error) {
	n := cfg.Notify
	out := notify.Config{
		MaxAttempts:           n.MaxAttempts,
		MaxInitAttempts:       n.MaxInitAttempts,
		UnknownTypeMaxRetries: n.UnknownTypeMaxRetries,
		MissingConfigRetries:  n.MissingConfigRetries,
		Parallelism:           n.Parallelism,
		PageSize:              n.PageSize,
		ResyncBatch:           n.ResyncBatch,
		ArchiveBatch:          n.ArchiveBatch,
		MaxInitPass:           n.MaxInitPass,
	}
	durations := []struct {
		path string
		raw  string
		dst  *time.Duration
	}{
		{"notify.retry_base", n.RetryBase, &out.RetryBase},
		{"notify.retry_max_delay", n.RetryMaxDelay, &out.RetryMaxDelay},
		{"notify.init_defer_delay", n.InitDeferDelay, &out.InitDeferDelay},
		{"notify.unknown_type_backoff", n.UnknownTypeBackoff, &out.UnknownTypeBackoff},
		{"notify.missing_config_backoff", n.MissingConfigBackoff, &out.MissingConfigBackoff},
	}
	for _, d := range durations {
		v, err := config.ParseDurationField(d.path, d.raw)
		if err != nil {
			return notify.Config{}, err
		}
		*d.dst = v
	}

	if len(n.Types) > 0 {
		out.Types = make(map[string]notify.TypeConfig, len(n.Types))
	}
	for typ, tc := range n.Types {
		typ = strings.TrimSpace(typ)
		if typ == "" {
			return notify.Config{}, fmt.Errorf("notify.types: empty type name")
		}
		var toggles model.ChannelToggles
		for ch, raw := range map[model.Channel]string{
			model.ChannelEmail:   tc.Email,
			model.ChannelText:    tc.Text,
			model.ChannelSummary: tc.Summary,
		} {
			t, err := parseToggle(raw)
			if err != nil {
				return notify.Config{}, fmt.Errorf("notify.types.%s.%s: %w", typ, ch, err)
			}
			toggles.Set(ch, t)
		}
		out.Types[typ] = notify.TypeConfig{Channels: toggles, Subject: tc.Subject, Body: tc.Body, HTML: tc.HTML}
	}
	return out, nil
}

func parseToggle(raw string) (model.Toggle, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return model.Unset, nil
	case "on":
		return model.On, nil
	case "off":
		return model.Off, nil
	}
	return model.Unset, fmt.Errorf("want \"on\" or \"off\", got %q", raw)
}

func mapEmailConfig(cfg *config.Config) channel.EmailConfig {
	e := cfg.Channels.Email
	return channel.EmailConfig{
		Driver:      e.Driver,
		From:        e.From,
		RatePerSec:  e.RatePerSec,
		Burst:       e.Burst,
		Concurrency: e.Concurrency,
		SMTP: channel.SMTPConfig{
			Host:     e.SMTP.Host,
			Port:     e.SMTP.Port,
			Username: e.SMTP.Username,
			Password: e.SMTP.Password,
		},
		Resend: channel.ResendConfig{APIKey: e.Resend.APIKey, BaseURL: e.Resend.BaseURL},
	}
}

func mapTextConfig(cfg *config.Config) (channel.TextConfig, error) {
	t := cfg.Channels.Text
	timeout, err := config.ParseDurationField("channels.text.timeout", t.Timeout)
	if err != nil {
		return channel.TextConfig{}, err
	}
	return channel.TextConfig{
		URL:         t.URL,
		Token:       t.Token,
		From:        t.From,
		Timeout:     timeout,
		RatePerSec:  t.RatePerSec,
		Burst:       t.Burst,
		Concurrency: t.Concurrency,
		MaxLength:   t.MaxLength,
	}, nil
}

func mapAPIConfig(cfg *config.Config) httpapi.Config {
	return httpapi.Config{Addr: cfg.API.Addr, JWTSecret: cfg.API.JWTSecret}
}

// validate is the hot-reload gate: everything the app would map must map.
func validate(cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTaskEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}
	if _, err := mapTextConfig(cfg); err != nil {
		return err
	}
	for name, s := range cfg.Scheduler.Sweeps() {
		if _, err := config.ParseDurationField("scheduler."+name+".timeout", s.Timeout); err != nil {
			return err
		}
	}
	return nil
}
