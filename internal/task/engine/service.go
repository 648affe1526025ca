package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"notifbox/internal/eventbus"
	rtsup "notifbox/internal/runtime/supervisor"
	logx "notifbox/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Service executes queued tasks on a fixed set of supervised workers with
// overlap skipping, retries and a per-name circuit breaker.
type Service struct {
	log logx.Logger
	bus eventbus.Bus

	mu     sync.Mutex
	cfg    Config
	q      chan queued
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	stateMu sync.Mutex
	states  map[string]*runState

	breaker circuits

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    atomic.Uint64
	inFlight atomic.Int32
	dropped  atomic.Uint64
	lastWarn atomic.Int64
}

type queued struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *runState
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg.withDefaults(),
		log:    log,
		bus:    bus,
		states: map[string]*runState{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) running() bool { return s.stopCh != nil }

// Apply swaps the config. Workers restart when their count or the queue size
// changes; enable/disable is handled by the caller via Start/Stop.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	restart := s.running() && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize)
	s.mu.Unlock()
	if restart {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the workers. It is a no-op when disabled or already running.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cfg.Enabled || s.running() {
		return
	}
	cfg := s.cfg
	s.q = make(chan queued, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log))

	queue, stopCh := s.q, s.stopCh
	for i := 0; i < cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			if c.Err() != nil {
				return c.Err()
			}
			select {
			case <-stopCh:
				return nil
			default:
				return errors.New("worker exited unexpectedly")
			}
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop cancels in-flight tasks and waits for the workers until ctx ends.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running() {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	sup := s.sup
	queue := s.q
	s.q, s.stopCh, s.sup = nil, nil, nil
	s.mu.Unlock()

	sup.Cancel()
	if err := sup.Wait(ctx); err != nil && ctx.Err() != nil {
		s.log.Warn("task engine stop timed out", logx.Err(err))
		return
	}
	// Anything still queued never ran; free its overlap slot.
	for {
		select {
		case qt := <-queue:
			if qt.state != nil {
				qt.state.release()
			}
		default:
			s.log.Info("task engine stopped")
			return
		}
	}
}

// Enqueue adds t without blocking and fails with ErrQueueFull when saturated.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit blocks until t is accepted, ctx ends, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return errors.New("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return errors.New("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), s.idSeq.Add(1))
	}

	s.mu.Lock()
	cfg, q, stopCh := s.cfg, s.q, s.stopCh
	s.mu.Unlock()
	if !cfg.Enabled {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}

	if open, until := s.breaker.isOpen(t.Name, cfg.Circuit, now); open {
		s.skipped(t, now, "circuit_open")
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.Time("until", until))
		return ErrCircuitOpen
	}

	opt := t.Opt.withDefaults(cfg)
	var st *runState
	if opt.Overlap == OverlapSkipIfRunning {
		st = s.stateFor(t.Name)
		if !st.tryAcquire() {
			s.skipped(t, now, "overlap_skip")
			return ErrOverlapSkip
		}
	}
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queued{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st}

	release := func() {
		if st != nil {
			st.release()
		}
	}
	if !block {
		select {
		case q <- qt:
			return nil
		default:
			release()
			s.drop(t, now, 0, "queue_full")
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		release()
		return ctx.Err()
	case <-stopCh:
		release()
		return ErrStopped
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	s.hmu.Lock()
	h := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()

	snap := Snapshot{
		Enabled:        cfg.Enabled,
		Running:        q != nil,
		Workers:        cfg.Workers,
		InFlight:       int(s.inFlight.Load()),
		Dropped:        s.dropped.Load(),
		DefaultTimeout: cfg.DefaultTimeout,
		RetryMax:       cfg.RetryMax,
		CircuitOpen:    s.breaker.open(time.Now()),
		History:        h,
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	return snap
}

func (s *Service) stateFor(name string) *runState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[name]
	if st == nil {
		st = &runState{}
		s.states[name] = st
	}
	return st
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	limit := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > limit {
		s.history = s.history[len(s.history)-limit:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(typ string, item HistoryItem) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: item})
	}
}

func (s *Service) skipped(t Task, now time.Time, reason string) {
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: reason}
	s.record(item)
	s.publish("task.skipped", item)
}

func (s *Service) drop(t Task, now time.Time, queueDelay time.Duration, reason string) {
	s.dropped.Add(1)
	item := HistoryItem{ID: t.ID, Name: t.Name, Started: now, QueueDelay: queueDelay, Error: reason}
	s.record(item)
	s.publish("task.dropped", item)

	prev := s.lastWarn.Load()
	if prev == 0 || now.UnixNano()-prev >= int64(warnThrottleEvery) {
		if s.lastWarn.CompareAndSwap(prev, now.UnixNano()) {
			s.log.Warn("task dropped", logx.String("task", t.Name), logx.String("reason", reason), logx.Int64("dropped", int64(s.dropped.Load())))
		}
	}
}
