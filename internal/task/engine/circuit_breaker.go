package engine

import (
	"sort"
	"sync"
	"time"
)

// circuits opens a task name after TripFailures consecutive failed runs.
// Each further failure doubles the cooldown up to MaxDelay; a success or
// ResetAfter without failures closes it again.
type circuits struct {
	mu sync.Mutex
	m  map[string]*circuit
}

type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func (cs *circuits) entry(name string, cfg CircuitConfig, now time.Time) *circuit {
	if cs.m == nil {
		cs.m = map[string]*circuit{}
	}
	c := cs.m[name]
	if c == nil {
		c = &circuit{}
		cs.m[name] = c
	}
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > cfg.ResetAfter {
		*c = circuit{}
	}
	return c
}

func (cs *circuits) isOpen(name string, cfg CircuitConfig, now time.Time) (bool, time.Time) {
	if cfg.TripFailures < 0 {
		return false, time.Time{}
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c := cs.entry(name, cfg, now)
	if now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

func (cs *circuits) record(name string, cfg CircuitConfig, now time.Time, err error) {
	if cfg.TripFailures < 0 {
		return
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c := cs.entry(name, cfg, now)
	if err == nil {
		*c = circuit{}
		return
	}
	c.fails++
	c.lastFailure = now
	if c.fails < cfg.TripFailures {
		return
	}
	d := cfg.BaseDelay
	for i := cfg.TripFailures; i < c.fails && d < cfg.MaxDelay; i++ {
		d *= 2
	}
	c.openUntil = now.Add(min(d, cfg.MaxDelay))
}

func (cs *circuits) open(now time.Time) []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var out []string
	for name, c := range cs.m {
		if now.Before(c.openUntil) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}
