package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunner_BoundsParallelism(t *testing.T) {
	t.Parallel()

	var cur, peak atomic.Int32
	tasks := make([]Task, 12)
	for i := range tasks {
		tasks[i] = Task{Name: "t", Run: func(ctx context.Context) error {
			n := cur.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			cur.Add(-1)
			return nil
		}}
	}
	errs := Runner{Limit: 3}.Run(context.Background(), tasks)
	for i, err := range errs {
		if err != nil {
			t.Fatalf("task %d: %v", i, err)
		}
	}
	if p := peak.Load(); p > 3 || p < 1 {
		t.Fatalf("peak parallelism = %d, want 1..3", p)
	}
}

func TestRunner_SharedKeysNeverOverlap(t *testing.T) {
	t.Parallel()

	var (
		mu     sync.Mutex
		active = map[string]int{}
		bad    atomic.Bool
	)
	enter := func(keys []string) {
		mu.Lock()
		defer mu.Unlock()
		for _, k := range keys {
			active[k]++
			if active[k] > 1 {
				bad.Store(true)
			}
		}
	}
	leave := func(keys []string) {
		mu.Lock()
		defer mu.Unlock()
		for _, k := range keys {
			active[k]--
		}
	}

	keySets := [][]string{{"box-a"}, {"box-a", "box-b"}, {"box-b"}, {"box-c"}, {"box-a", "box-c"}, {"box-c", ""}}
	var tasks []Task
	for i := 0; i < 4; i++ {
		for _, ks := range keySets {
			ks := ks
			tasks = append(tasks, Task{Name: "k", Keys: ks, Run: func(ctx context.Context) error {
				enter(normKeys(ks))
				time.Sleep(2 * time.Millisecond)
				leave(normKeys(ks))
				return nil
			}})
		}
	}
	Runner{Limit: 6}.Run(context.Background(), tasks)
	if bad.Load() {
		t.Fatalf("two tasks sharing a key ran concurrently")
	}
}

func TestRunner_ErrorsAndPanicsAreReportedPerTask(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	errs := Runner{Limit: 2}.Run(context.Background(), []Task{
		{Name: "ok", Run: func(context.Context) error { return nil }},
		{Name: "fail", Run: func(context.Context) error { return boom }},
		{Name: "panic", Run: func(context.Context) error { panic("kaboom") }},
	})
	if errs[0] != nil || !errors.Is(errs[1], boom) || errs[2] == nil {
		t.Fatalf("errs = %v", errs)
	}
}

func TestRunner_CanceledContextSkipsPending(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	errs := Runner{Limit: 1}.Run(ctx, []Task{{Name: "x", Run: func(context.Context) error { return nil }}})
	if !errors.Is(errs[0], context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", errs[0])
	}
}
