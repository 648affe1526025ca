package config

// Config is the on-disk configuration (JSON or YAML).
//
// Durations are Go duration strings ("500ms", "10s", "6h").
type Config struct {
	Logging    LoggingConfig     `json:"logging"`
	Storage    *StorageConfig    `json:"storage,omitempty"`
	TaskEngine *TaskEngineConfig `json:"task_engine,omitempty"`
	Scheduler  SchedulerConfig   `json:"scheduler"`
	Notify     NotifyConfig      `json:"notify"`
	Channels   ChannelsConfig    `json:"channels"`
	API        APIConfig         `json:"api"`

	// Registries seeds registry templates per target collection. Targets in
	// collections not listed here initialize empty.
	Registries map[string]RegistryConfig `json:"registries,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	Format  string      `json:"format,omitempty"` // "pretty" | "json"
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// StorageConfig selects the document store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notifbox.db" }
//
// Drivers: "memory", "file", "sqlite". Omitted means memory.
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite only
	MaxTxRetries int    `json:"max_tx_retries,omitempty"`
}

// TaskEngineConfig controls execution of scheduled sweeps.
//
// Defaults (when fields are omitted/zero):
//   - enabled: scheduler.enabled
//   - workers: 2
//   - queue_size: 64
//   - default_timeout: "0s" (disabled)
//   - max_queue_delay: "0s" (disabled)
//   - history_size: 200
//   - retry_max: 0
//   - circuit_trip_failures: 5 (negative disables)
type TaskEngineConfig struct {
	Enabled *bool `json:"enabled,omitempty"`
	Workers int   `json:"workers,omitempty"`

	QueueSize      int    `json:"queue_size,omitempty"`
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// MaxQueueDelay drops tasks queued longer than this.
	MaxQueueDelay string `json:"max_queue_delay,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
	RetryMax    int `json:"retry_max,omitempty"`

	CircuitTripFailures int    `json:"circuit_trip_failures,omitempty"`
	CircuitBaseDelay    string `json:"circuit_base_delay,omitempty"`
	CircuitMaxDelay     string `json:"circuit_max_delay,omitempty"`
}

// SchedulerConfig controls sweep triggers. Schedule strings accept cron
// ("*/5 * * * *", "@hourly"), Go durations ("30s") or HH:MM intervals.
// An empty schedule disables that sweep's trigger.
type SchedulerConfig struct {
	Enabled  bool   `json:"enabled"`
	Timezone string `json:"timezone,omitempty"`

	Drain   SweepSchedule `json:"drain"`
	Resync  SweepSchedule `json:"resync"`
	Init    SweepSchedule `json:"init"`
	Archive SweepSchedule `json:"archive"`
}

type SweepSchedule struct {
	Schedule string `json:"schedule"`
	Timeout  string `json:"timeout,omitempty"`
}

// NotifyConfig holds dispatch limits and template types.
type NotifyConfig struct {
	MaxAttempts     int    `json:"max_attempts,omitempty"`
	RetryBase       string `json:"retry_base,omitempty"`
	RetryMaxDelay   string `json:"retry_max_delay,omitempty"`
	InitDeferDelay  string `json:"init_defer_delay,omitempty"`
	MaxInitAttempts int    `json:"max_init_attempts,omitempty"`

	UnknownTypeBackoff    string `json:"unknown_type_backoff,omitempty"`
	UnknownTypeMaxRetries int    `json:"unknown_type_max_retries,omitempty"`
	MissingConfigBackoff  string `json:"missing_config_backoff,omitempty"`
	MissingConfigRetries  int    `json:"missing_config_retries,omitempty"`

	Parallelism  int `json:"parallelism,omitempty"`
	PageSize     int `json:"page_size,omitempty"`
	ResyncBatch  int `json:"resync_batch,omitempty"`
	ArchiveBatch int `json:"archive_batch,omitempty"`
	MaxInitPass  int `json:"max_init_pass,omitempty"`

	Types map[string]TemplateTypeConfig `json:"types,omitempty"`
}

// TemplateTypeConfig configures one template type. Channel values are
// "on" or "off"; omitted channels are on.
type TemplateTypeConfig struct {
	Email   string `json:"email,omitempty"`
	Text    string `json:"text,omitempty"`
	Summary string `json:"summary,omitempty"`

	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
	HTML    string `json:"html,omitempty"`
}

type ChannelsConfig struct {
	Email EmailChannelConfig `json:"email"`
	Text  TextChannelConfig  `json:"text"`
}

// EmailChannelConfig: driver "smtp" (gomail) or "resend". An empty driver
// leaves the channel unconfigured and email batches back off.
type EmailChannelConfig struct {
	Driver      string  `json:"driver"`
	From        string  `json:"from"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
	Concurrency int     `json:"concurrency,omitempty"`

	SMTP struct {
		Host     string `json:"host"`
		Port     int    `json:"port"`
		Username string `json:"username,omitempty"`
		Password string `json:"password,omitempty"`
	} `json:"smtp"`
	Resend struct {
		APIKey  string `json:"api_key,omitempty"`
		BaseURL string `json:"base_url,omitempty"`
	} `json:"resend"`
}

type TextChannelConfig struct {
	URL         string  `json:"url"`
	Token       string  `json:"token,omitempty"`
	From        string  `json:"from,omitempty"`
	Timeout     string  `json:"timeout,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	Burst       int     `json:"burst,omitempty"`
	Concurrency int     `json:"concurrency,omitempty"`
	MaxLength   int     `json:"max_length,omitempty"`
}

// APIConfig controls the HTTP admin API. Changes need a restart.
type APIConfig struct {
	Enabled   bool   `json:"enabled"`
	Addr      string `json:"addr,omitempty"` // default "127.0.0.1:8080"
	JWTSecret string `json:"jwt_secret,omitempty"`
	// Metrics serves /metrics on the API listener.
	Metrics bool `json:"metrics,omitempty"`
	// Pprof mounts /debug/pprof behind the same auth as /v1.
	Pprof bool `json:"pprof,omitempty"`
}

// RegistryConfig describes what a new registry in one collection starts with.
type RegistryConfig struct {
	// Mode is "apply" (default), "invalid" or "delete".
	Mode       string            `json:"mode,omitempty"`
	Recipients []RecipientConfig `json:"recipients,omitempty"`
}

type RecipientConfig struct {
	UserID    string `json:"user_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	SummaryID string `json:"summary_id,omitempty"`
	Locked    bool   `json:"locked,omitempty"`
}
