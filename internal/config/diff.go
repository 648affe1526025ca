package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifbox/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and safe log fields
// describing the new values. Secrets (passwords, api keys, tokens, the jwt
// secret) are only reported as set/unset.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.String("logging.format", newCfg.Logging.Format),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	oS, nS := derefStorage(oldCfg.Storage), derefStorage(newCfg.Storage)
	if oS != nS {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
			logx.String("storage.busy_timeout", strings.TrimSpace(nS.BusyTimeout)),
		)
	}

	oTE, nTE := derefTaskEngine(oldCfg.TaskEngine), derefTaskEngine(newCfg.TaskEngine)
	if (oldCfg.TaskEngine != nil) != (newCfg.TaskEngine != nil) || !reflect.DeepEqual(oTE, nTE) {
		changed = append(changed, "task_engine")
		enabled := newCfg.Scheduler.Enabled
		if nTE.Enabled != nil {
			enabled = *nTE.Enabled
		}
		attrs = append(attrs,
			logx.Bool("task_engine.enabled", enabled),
			logx.Int("task_engine.workers", nTE.Workers),
			logx.Int("task_engine.queue_size", nTE.QueueSize),
			logx.String("task_engine.default_timeout", strings.TrimSpace(nTE.DefaultTimeout)),
			logx.Int("task_engine.retry_max", nTE.RetryMax),
		)
	}

	if oldCfg.Scheduler != newCfg.Scheduler {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
		for _, name := range sortedKeys(newCfg.Scheduler.sweeps()) {
			if o, n := oldCfg.Scheduler.sweeps()[name], newCfg.Scheduler.sweeps()[name]; o != n {
				attrs = append(attrs, logx.String("scheduler."+name, n.Schedule))
			}
		}
	}

	if !reflect.DeepEqual(oldCfg.Notify, newCfg.Notify) {
		changed = append(changed, "notify")
		attrs = append(attrs,
			logx.Int("notify.max_attempts", newCfg.Notify.MaxAttempts),
			logx.String("notify.retry_base", newCfg.Notify.RetryBase),
			logx.Int("notify.parallelism", newCfg.Notify.Parallelism),
			logx.Strings("notify.types", sortedKeys(newCfg.Notify.Types)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		e, t := newCfg.Channels.Email, newCfg.Channels.Text
		attrs = append(attrs,
			logx.String("channels.email.driver", e.Driver),
			logx.Float64("channels.email.rate_per_sec", e.RatePerSec),
			logx.Bool("channels.email.secret_set", e.SMTP.Password != "" || e.Resend.APIKey != ""),
			logx.Bool("channels.text.url_set", strings.TrimSpace(t.URL) != ""),
			logx.Bool("channels.text.token_set", t.Token != ""),
			logx.Float64("channels.text.rate_per_sec", t.RatePerSec),
		)
	}

	if oldCfg.API != newCfg.API {
		changed = append(changed, "api")
		attrs = append(attrs,
			logx.Bool("api.enabled", newCfg.API.Enabled),
			logx.String("api.addr", newCfg.API.Addr),
			logx.Bool("api.auth", newCfg.API.JWTSecret != ""),
			logx.Bool("api.pprof", newCfg.API.Pprof),
		)
	}

	if !reflect.DeepEqual(oldCfg.Registries, newCfg.Registries) {
		changed = append(changed, "registries")
		attrs = append(attrs, logx.Strings("registries.collections", sortedKeys(newCfg.Registries)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired reports sections that changed but are only read at start.
func RestartRequired(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "api":
			out = append(out, s)
		}
	}
	return out
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{}
	}
	return *s
}

func derefTaskEngine(te *TaskEngineConfig) TaskEngineConfig {
	if te == nil {
		return TaskEngineConfig{}
	}
	return *te
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
