package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"notifbox/internal/config"
	"notifbox/internal/notify"
	"notifbox/internal/storage"
	"notifbox/internal/task/engine"
	"notifbox/internal/transport/httpapi"
	logx "notifbox/pkg/logx"
)

type sweepFunc func(ctx context.Context) (notify.Report, error)

func (a *App) sweepJobs() map[string]sweepFunc {
	return map[string]sweepFunc{
		httpapi.SweepDrain:   a.notify.DrainQueued,
		httpapi.SweepResync:  a.notify.ResyncAllFlagged,
		httpapi.SweepInit:    a.notify.InitializeAllFlagged,
		httpapi.SweepArchive: a.notify.ArchiveCompleted,
	}
}

// registerSweeps installs one schedule per configured sweep and removes the
// ones whose schedule became empty.
func (a *App) registerSweeps(cfg *config.Config) error {
	jobs := a.sweepJobs()
	for name, s := range cfg.Scheduler.Sweeps() {
		fn, ok := jobs[name]
		if !ok {
			continue
		}
		if strings.TrimSpace(s.Schedule) == "" {
			if a.sched.Remove(name) {
				a.log.Info("sweep unscheduled", logx.String("sweep", name))
			}
			continue
		}
		timeout, err := config.ParseDurationField("scheduler."+name+".timeout", s.Timeout)
		if err != nil {
			return err
		}
		if err := a.sched.AddSchedule(name, s.Schedule, timeout, a.sweepJob(name, fn)); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) sweepJob(name string, fn sweepFunc) func(context.Context) error {
	log := a.log.With(logx.String("sweep", name))
	return func(ctx context.Context) error {
		rep, err := fn(ctx)
		if err != nil {
			return classifySweepError(err)
		}
		if rep.Visited > 0 {
			log.Info("sweep finished",
				logx.Int("visited", rep.Visited),
				logx.Int("succeeded", rep.Succeeded),
				logx.Int("failed", rep.Failed),
				logx.Duration("took", rep.Took),
			)
		} else {
			log.Debug("sweep finished (idle)", logx.Duration("took", rep.Took))
		}
		return nil
	}
}

const conflictRetryDelay = 5 * time.Second

// classifySweepError turns sweep failures into task engine retry advice.
func classifySweepError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return engine.NoRetry(err)
	case errors.Is(err, storage.ErrTooManyConflicts):
		return engine.RetryAfter(err, conflictRetryDelay)
	}
	return err
}
