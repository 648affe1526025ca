package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate checks everything that can be checked without other packages:
// durations, enum values and required fields of enabled sections.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	check := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		check(err)
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Format)) {
	case "", "pretty", "console", "json":
	default:
		check(fmt.Errorf("logging.format: unknown format %q", cfg.Logging.Format))
	}
	if cfg.Logging.File.Enabled && strings.TrimSpace(cfg.Logging.File.Path) == "" {
		check(errors.New("logging.file.path: required when file logging is enabled"))
	}

	if s := cfg.Storage; s != nil {
		switch strings.ToLower(strings.TrimSpace(s.Driver)) {
		case "", "memory":
		case "file", "sqlite":
			if strings.TrimSpace(s.Path) == "" {
				check(fmt.Errorf("storage.path: required for driver %q", s.Driver))
			}
		default:
			check(fmt.Errorf("storage.driver: unknown driver %q", s.Driver))
		}
		dur("storage.busy_timeout", s.BusyTimeout)
	}

	if te := cfg.TaskEngine; te != nil {
		dur("task_engine.default_timeout", te.DefaultTimeout)
		dur("task_engine.max_queue_delay", te.MaxQueueDelay)
		dur("task_engine.circuit_base_delay", te.CircuitBaseDelay)
		dur("task_engine.circuit_max_delay", te.CircuitMaxDelay)
	}

	for name, s := range cfg.Scheduler.sweeps() {
		dur("scheduler."+name+".timeout", s.Timeout)
	}

	n := cfg.Notify
	dur("notify.retry_base", n.RetryBase)
	dur("notify.retry_max_delay", n.RetryMaxDelay)
	dur("notify.init_defer_delay", n.InitDeferDelay)
	dur("notify.unknown_type_backoff", n.UnknownTypeBackoff)
	dur("notify.missing_config_backoff", n.MissingConfigBackoff)
	for typ, tc := range n.Types {
		if strings.TrimSpace(typ) == "" {
			check(errors.New("notify.types: empty type name"))
		}
		for ch, v := range map[string]string{"email": tc.Email, "text": tc.Text, "summary": tc.Summary} {
			switch strings.ToLower(strings.TrimSpace(v)) {
			case "", "on", "off":
			default:
				check(fmt.Errorf("notify.types.%s.%s: want \"on\" or \"off\", got %q", typ, ch, v))
			}
		}
	}

	e := cfg.Channels.Email
	switch strings.ToLower(strings.TrimSpace(e.Driver)) {
	case "":
	case "smtp":
		if strings.TrimSpace(e.SMTP.Host) == "" {
			check(errors.New("channels.email.smtp.host: required for driver smtp"))
		}
	case "resend":
		if strings.TrimSpace(e.Resend.APIKey) == "" {
			check(errors.New("channels.email.resend.api_key: required for driver resend"))
		}
	default:
		check(fmt.Errorf("channels.email.driver: unknown driver %q", e.Driver))
	}
	dur("channels.text.timeout", cfg.Channels.Text.Timeout)

	for coll, r := range cfg.Registries {
		switch strings.ToLower(strings.TrimSpace(r.Mode)) {
		case "", "apply", "invalid", "delete":
		default:
			check(fmt.Errorf("registries.%s.mode: unknown mode %q", coll, r.Mode))
		}
	}
	return errors.Join(errs...)
}

// sweeps lists the per-sweep schedules by name.
func (s SchedulerConfig) sweeps() map[string]SweepSchedule {
	return map[string]SweepSchedule{
		"drain":   s.Drain,
		"resync":  s.Resync,
		"init":    s.Init,
		"archive": s.Archive,
	}
}

// Sweeps is the exported form of the per-sweep schedules, keyed by sweep name.
func (s SchedulerConfig) Sweeps() map[string]SweepSchedule { return s.sweeps() }
