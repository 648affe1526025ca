package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"time"

	logx "notifbox/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan queued) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			s.inFlight.Add(1)
			s.execOne(ctx, stopCh, qt, rng)
			s.inFlight.Add(-1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, stopCh <-chan struct{}, qt queued, rng *rand.Rand) {
	if qt.state != nil {
		defer qt.state.release()
	}
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		s.drop(qt.task, start, queueDelay, "stale_queue_delay")
		return
	}

	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay}
	s.publish("task.started", item)

	var err error
attempts:
	for item.Attempts = 1; ; item.Attempts++ {
		err = s.runOnce(ctx, qt)
		if err == nil || IsNoRetry(err) || item.Attempts > qt.opt.RetryMax {
			break
		}
		delay := backoffDelay(qt.opt, item.Attempts, err, rng)
		s.log.Debug("task retry scheduled", logx.String("task", qt.task.Name), logx.Int("attempt", item.Attempts+1), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			err = ctx.Err()
			break attempts
		case <-stopCh:
			t.Stop()
			err = ErrStopped
			break attempts
		case <-t.C:
		}
	}

	item.Duration = time.Since(start)
	fields := []logx.Field{logx.String("task", qt.task.Name), logx.Duration("queue_delay", queueDelay), logx.Duration("dur", item.Duration), logx.Int("attempts", item.Attempts)}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("task failed", append(fields, logx.Err(err))...)
		s.publish("task.failed", item)
	} else {
		if item.Duration >= 750*time.Millisecond {
			s.log.Info("task completed", fields...)
		} else {
			s.log.Debug("task completed", fields...)
		}
		s.publish("task.finished", item)
	}
	s.breaker.record(qt.task.Name, cfg.Circuit, time.Now(), err)
	s.record(item)
}

// runOnce runs a single attempt, converting a panic into an error.
func (s *Service) runOnce(ctx context.Context, qt queued) (err error) {
	runCtx := ctx
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task panicked", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()
	return qt.task.Run(runCtx)
}

// backoffDelay is exponential from RetryBase, or the RetryAfter hint when the
// error carries one, with jitter and capped at RetryMaxDelay.
func backoffDelay(opt TaskOptions, attempt int, err error, rng *rand.Rand) time.Duration {
	d := opt.RetryBase
	if hint, ok := retryHint(err); ok {
		d = hint
	} else {
		for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	d = min(d, opt.RetryMaxDelay)
	if d > 0 && rng != nil {
		d = time.Duration(float64(d) * (1 + (rng.Float64()*2-1)*opt.RetryJitter))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
