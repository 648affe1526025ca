package notify

import (
	"time"

	"notifbox/internal/notify/model"
)

// TypeConfig configures one template type.
type TypeConfig struct {
	// Channels are the channel defaults; a channel whose toggle is Off starts
	// in the none state.
	Channels model.ChannelToggles
	// Subject and Body are text/template sources for the built-in factory.
	Subject string
	Body    string
	HTML    string
}

// Config holds engine limits. Zero values take the defaults below.
type Config struct {
	Types map[string]TypeConfig

	MaxAttempts     int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	InitDeferDelay  time.Duration
	MaxInitAttempts int // deferrals before a needs-init box is bypassed

	UnknownTypeBackoff    time.Duration
	UnknownTypeMaxRetries int
	MissingConfigBackoff  time.Duration
	MissingConfigRetries  int

	Parallelism  int // sweep workers
	PageSize     int // drain / archive / init page size
	ResyncBatch  int // users per resync batch
	ArchiveBatch int // messages per archive transaction
	MaxInitPass  int // safety cap on initialize-all passes
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Minute
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 6 * time.Hour
	}
	if c.InitDeferDelay <= 0 {
		c.InitDeferDelay = 30 * time.Second
	}
	if c.MaxInitAttempts <= 0 {
		c.MaxInitAttempts = 10
	}
	if c.UnknownTypeBackoff <= 0 {
		c.UnknownTypeBackoff = 6 * time.Hour
	}
	if c.UnknownTypeMaxRetries <= 0 {
		c.UnknownTypeMaxRetries = 4
	}
	if c.MissingConfigBackoff <= 0 {
		c.MissingConfigBackoff = time.Hour
	}
	if c.MissingConfigRetries <= 0 {
		c.MissingConfigRetries = 24
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 5
	}
	if c.PageSize <= 0 {
		c.PageSize = 100
	}
	if c.ResyncBatch <= 0 {
		c.ResyncBatch = 50
	}
	if c.ArchiveBatch <= 0 {
		c.ArchiveBatch = 200
	}
	if c.MaxInitPass <= 0 {
		c.MaxInitPass = 20
	}
	return c
}

// retryDelay is the exponential backoff after attempt n (1-based).
func (c Config) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	return min(d, c.RetryMaxDelay)
}
