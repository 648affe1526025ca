package engine

import (
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"notifbox/internal/eventbus"
	logx "notifbox/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) (*Service, eventbus.Bus) {
	t.Helper()
	cfg.Enabled = true
	bus := eventbus.New()
	s := New(cfg, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func waitEvent(t *testing.T, ch <-chan eventbus.Event, typ string) HistoryItem {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e.Data.(HistoryItem)
			}
		case <-timeout:
			t.Fatalf("no %s event", typ)
		}
	}
}

func TestRunsAndRetries(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 2})
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	var runs atomic.Int32
	err := s.Enqueue(Task{
		Name: "drain",
		Opt:  TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: time.Millisecond},
		Run: func(context.Context) error {
			if runs.Add(1) < 3 {
				return errors.New("store busy")
			}
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	item := waitEvent(t, events, "task.finished")
	if item.Attempts != 3 || item.Error != "" || item.Name != "drain" {
		t.Fatalf("item=%+v", item)
	}
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: 5})
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	var runs atomic.Int32
	_ = s.Enqueue(Task{Name: "init", Run: func(context.Context) error {
		runs.Add(1)
		return NoRetry(errors.New("bad config"))
	}})
	item := waitEvent(t, events, "task.failed")
	if runs.Load() != 1 || item.Attempts != 1 {
		t.Fatalf("runs=%d item=%+v", runs.Load(), item)
	}
}

func TestPanicBecomesFailure(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: -1})
	events, unsub := bus.Subscribe(16, "task.")
	defer unsub()

	_ = s.Enqueue(Task{Name: "archive", Run: func(context.Context) error { panic("nil box") }})
	if item := waitEvent(t, events, "task.failed"); item.Error != "panic: nil box" {
		t.Fatalf("item=%+v", item)
	}
	// The worker survives the panic.
	_ = s.Enqueue(Task{Name: "archive", Run: func(context.Context) error { return nil }})
	waitEvent(t, events, "task.finished")
}

func TestOverlapSkip(t *testing.T) {
	t.Parallel()
	s, _ := startEngine(t, Config{Workers: 1})
	release := make(chan struct{})
	started := make(chan struct{})
	if err := s.Enqueue(Task{Name: "resync", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(Task{Name: "resync", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("err=%v want ErrOverlapSkip", err)
	}
	if err := s.Enqueue(Task{Name: "resync", Opt: TaskOptions{Overlap: OverlapAllow}, Run: func(context.Context) error { return nil }}); err != nil {
		t.Fatalf("OverlapAllow rejected: %v", err)
	}
	close(release)
}

func TestCircuitOpensAfterFailures(t *testing.T) {
	t.Parallel()
	s, bus := startEngine(t, Config{Workers: 1, RetryMax: -1, Circuit: CircuitConfig{TripFailures: 2, BaseDelay: time.Hour}})
	events, unsub := bus.Subscribe(16, "task.failed")
	defer unsub()

	fail := func(context.Context) error { return errors.New("smtp down") }
	for i := 0; i < 2; i++ {
		if err := s.Enqueue(Task{Name: "drain", Run: fail}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		waitEvent(t, events, "task.failed")
	}
	// The breaker is updated right after the event; give it a moment.
	deadline := time.Now().Add(time.Second)
	var err error
	for time.Now().Before(deadline) {
		if err = s.Enqueue(Task{Name: "drain", Run: fail}); errors.Is(err, ErrCircuitOpen) {
			break
		}
		if err == nil {
			waitEvent(t, events, "task.failed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err=%v want ErrCircuitOpen", err)
	}
	if open := s.Snapshot().CircuitOpen; len(open) != 1 || open[0] != "drain" {
		t.Fatalf("open=%v", open)
	}
}

func TestEnqueueStates(t *testing.T) {
	t.Parallel()
	noop := func(context.Context) error { return nil }

	disabled := New(Config{}, logx.Nop(), nil)
	if err := disabled.Enqueue(Task{Name: "x", Run: noop}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err=%v", err)
	}
	stopped := New(Config{Enabled: true}, logx.Nop(), nil)
	if err := stopped.Enqueue(Task{Name: "x", Run: noop}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err=%v", err)
	}
	if err := stopped.Enqueue(Task{Run: noop}); err == nil {
		t.Fatalf("missing name accepted")
	}
}

func TestBackoffDelay(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: time.Second, RetryMaxDelay: 5 * time.Second, RetryJitter: 0.2}
	cases := []struct {
		attempt int
		err     error
		want    time.Duration
	}{
		{1, errors.New("x"), time.Second},
		{2, errors.New("x"), 2 * time.Second},
		{3, errors.New("x"), 4 * time.Second},
		{6, errors.New("x"), 5 * time.Second},
		{1, RetryAfter(errors.New("429"), 3*time.Second), 3 * time.Second},
		{1, RetryAfter(errors.New("429"), time.Hour), 5 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(opt, tc.attempt, tc.err, nil); got != tc.want {
			t.Fatalf("attempt %d (%v): got %s want %s", tc.attempt, tc.err, got, tc.want)
		}
		got := backoffDelay(opt, tc.attempt, tc.err, rand.New(rand.NewSource(1)))
		lo, hi := time.Duration(float64(tc.want)*0.8), min(time.Duration(float64(tc.want)*1.2), opt.RetryMaxDelay)
		if got < lo || got > hi {
			t.Fatalf("jittered %s outside [%s,%s]", got, lo, hi)
		}
	}
}
