// Package pool runs a finite batch of tasks with bounded parallelism and
// keyed mutual exclusion.
//
// Sweeps hand it one page of work at a time. A task may name keys (for
// example the registry ids it writes); two tasks sharing a key never run
// at the same time, while unrelated tasks fill the remaining slots.
package pool

import (
	"context"
	"fmt"
	"strings"
	"sync"

	logx "notifbox/pkg/logx"
)

type Task struct {
	Name string
	// Keys are non-concurrency keys. Empty keys are ignored.
	Keys []string
	Run  func(ctx context.Context) error
}

type Runner struct {
	Limit int
	Log   logx.Logger
}

// Run executes every task and returns one error slot per task, in order.
// Tasks not started before ctx is done get ctx.Err().
func (r Runner) Run(ctx context.Context, tasks []Task) []error {
	errs := make([]error, len(tasks))
	if len(tasks) == 0 {
		return errs
	}
	limit := r.Limit
	if limit <= 0 {
		limit = 1
	}
	log := r.Log
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		mu      sync.Mutex
		cond    = sync.NewCond(&mu)
		held    = map[string]struct{}{}
		running int
		wg      sync.WaitGroup
	)
	pending := make([]int, len(tasks))
	for i := range pending {
		pending[i] = i
	}

	keysFree := func(keys []string) bool {
		for _, k := range keys {
			if _, busy := held[k]; busy {
				return false
			}
		}
		return true
	}

	mu.Lock()
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			for _, idx := range pending {
				errs[idx] = err
			}
			break
		}
		pick := -1
		if running < limit {
			for i, idx := range pending {
				if keysFree(normKeys(tasks[idx].Keys)) {
					pick = i
					break
				}
			}
		}
		if pick < 0 {
			// running > 0 here: with nothing running no key is held.
			cond.Wait()
			continue
		}

		idx := pending[pick]
		pending = append(pending[:pick], pending[pick+1:]...)
		keys := normKeys(tasks[idx].Keys)
		for _, k := range keys {
			held[k] = struct{}{}
		}
		running++
		wg.Add(1)
		go func(idx int, keys []string) {
			defer wg.Done()
			err := runSafe(ctx, tasks[idx], log)
			mu.Lock()
			errs[idx] = err
			for _, k := range keys {
				delete(held, k)
			}
			running--
			cond.Broadcast()
			mu.Unlock()
		}(idx, keys)
	}
	mu.Unlock()
	wg.Wait()
	return errs
}

func runSafe(ctx context.Context, t Task, log logx.Logger) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error("pool task panic",
				logx.String("task", t.Name),
				logx.Any("panic", rec),
				logx.Stack(logx.StackTrace(3, 24)),
			)
			err = fmt.Errorf("task %s panicked: %v", t.Name, rec)
		}
	}()
	if t.Run == nil {
		return nil
	}
	return t.Run(ctx)
}

func normKeys(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	out := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
