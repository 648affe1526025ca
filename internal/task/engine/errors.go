package engine

import (
	"errors"
	"time"
)

// Enqueue rejections.
var (
	ErrDisabled    = errors.New("task engine disabled")
	ErrStopped     = errors.New("task engine stopped")
	ErrQueueFull   = errors.New("task engine queue full")
	ErrOverlapSkip = errors.New("task skipped: already queued or running")
	ErrCircuitOpen = errors.New("task skipped: circuit breaker open")
)

// runError annotates a task failure with retry advice.
type runError struct {
	err       error
	permanent bool
	after     time.Duration
}

func (e *runError) Error() string {
	if e.permanent {
		return "no-retry: " + e.err.Error()
	}
	return "retry-after(" + e.after.String() + "): " + e.err.Error()
}

func (e *runError) Unwrap() error { return e.err }

// NoRetry marks a permanent failure; the engine will not retry it.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &runError{err: err, permanent: true}
}

func IsNoRetry(err error) bool {
	var re *runError
	return errors.As(err, &re) && re.permanent
}

// RetryAfter suggests the delay before the next attempt. The engine still
// caps it at RetryMaxDelay.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &runError{err: err, after: max(after, 0)}
}

// retryHint reports the delay attached by RetryAfter, if any.
func retryHint(err error) (time.Duration, bool) {
	var re *runError
	if errors.As(err, &re) && !re.permanent {
		return re.after, true
	}
	return 0, false
}
