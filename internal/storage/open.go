package storage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	logx "notifbox/pkg/logx"
)

const defaultTxRetries = 8

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(cfg), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "none":
		return nil, ErrDisabled
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

// retryTx runs attempt until it stops returning ErrConflict or the retry
// budget is spent. Backoff is short and jittered since conflicts resolve
// as soon as the competing commit lands.
func retryTx(ctx context.Context, maxRetries int, attempt func() error) error {
	if maxRetries <= 0 {
		maxRetries = defaultTxRetries
	}
	backoff := 2 * time.Millisecond
	for i := 0; ; i++ {
		err := attempt()
		if err == nil || !errors.Is(err, ErrConflict) {
			return err
		}
		if i+1 >= maxRetries {
			return fmt.Errorf("%w: %v", ErrTooManyConflicts, err)
		}
		d := backoff + time.Duration(rand.Int64N(int64(backoff)))
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		if backoff < 100*time.Millisecond {
			backoff *= 2
		}
	}
}
