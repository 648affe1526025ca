package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"notifbox/internal/config"
	"notifbox/internal/eventbus"
	"notifbox/internal/metrics"
	"notifbox/internal/notify"
	"notifbox/internal/notify/channel"
	"notifbox/internal/notify/model"
	"notifbox/internal/runtime/supervisor"
	"notifbox/internal/storage"
	"notifbox/internal/task/engine"
	"notifbox/internal/task/scheduler"
	"notifbox/internal/transport/httpapi"
	logx "notifbox/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	metrics   *metrics.Registry
	templater *registryTemplater
	notify    *notify.Engine
	email     *channel.Email
	text      *channel.Text

	engine *engine.Service
	sched  *scheduler.Service
	api    *httpapi.Server
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	// Everything below owns nothing that needs closing except store.
	fail := func(err error) (*App, error) {
		_ = store.Close()
		return nil, err
	}

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return fail(err)
	}
	tcfg, err := mapTextConfig(cfg)
	if err != nil {
		return fail(err)
	}
	email := channel.NewEmail(mapEmailConfig(cfg), log.With(logx.String("comp", "email")))
	text := channel.NewText(tcfg, log.With(logx.String("comp", "text")))
	summary := channel.NewSummary(store, log.With(logx.String("comp", "summary")))

	reg := metrics.New()
	tmpl := newRegistryTemplater(cfg.Registries)
	nEng, err := notify.New(ncfg, notify.Options{
		Store:     store,
		Log:       log.With(logx.String("comp", "notify")),
		Bus:       bus,
		Metrics:   reg,
		Templater: tmpl,
		Channels: map[model.Channel]channel.Service{
			model.ChannelEmail:   email,
			model.ChannelText:    text,
			model.ChannelSummary: summary,
		},
	})
	if err != nil {
		return fail(err)
	}

	engCfg, err := mapTaskEngineConfig(cfg)
	if err != nil {
		return fail(err)
	}
	engineSvc := engine.New(engCfg, log.With(logx.String("comp", "taskengine")), bus)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return fail(err)
	}
	schedSvc := scheduler.New(schedCfg, engineSvc, log.With(logx.String("comp", "scheduler")))

	a := &App{
		cfgm:      cfgm,
		log:       log,
		logs:      logSvc,
		bus:       bus,
		store:     store,
		metrics:   reg,
		templater: tmpl,
		notify:    nEng,
		email:     email,
		text:      text,
		engine:    engineSvc,
		sched:     schedSvc,
	}
	if err := a.registerSweeps(cfg); err != nil {
		return fail(err)
	}

	if cfg.API.Enabled {
		opt := httpapi.Options{Engine: nEng, Sweeps: schedSvc, Pprof: cfg.API.Pprof, Status: a.status, Log: log}
		if cfg.API.Metrics {
			opt.Metrics = reg.Handler()
		}
		a.api = httpapi.New(mapAPIConfig(cfg), opt)
	}
	return a, nil
}

// Status is the runtime view served at /v1/status.
type Status struct {
	TaskEngine engine.Snapshot      `json:"task_engine"`
	Scheduler  scheduler.Snapshot   `json:"scheduler"`
	Supervisor *supervisor.Snapshot `json:"supervisor,omitempty"`
}

func (a *App) status() any { return a.Status() }

func (a *App) Status() Status {
	st := Status{TaskEngine: a.engine.Snapshot(), Scheduler: a.sched.Snapshot()}
	if a.sup != nil {
		sn := a.sup.Snapshot()
		st.Supervisor = &sn
	}
	return st
}

// Notify exposes the fan-out engine for embedding callers.
func (a *App) Notify() *notify.Engine { return a.notify }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	}

	a.sup.Go0("metrics.observe", func(c context.Context) {
		a.metrics.Observe(c, a.bus)
	})

	// Debug-level event trail; components subscribe themselves for real work.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if a.api != nil {
		a.sup.Go("http.api", a.api.Run)
	}

	// hot reload config fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started",
		logx.Bool("taskengine", a.engine.Enabled()),
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("api", a.api != nil),
	)
	return nil
}

// applyConfig pushes a committed config into the running services.
func (a *App) applyConfig(c context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config changed in sections read only at start; restart required",
			logx.Strings("sections", restart))
	}

	a.logs.Apply(mapLogging(newCfg))
	a.templater.Apply(newCfg.Registries)

	if ncfg, err := mapNotifyConfig(newCfg); err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
	} else {
		a.notify.Apply(ncfg)
	}
	a.email.Apply(mapEmailConfig(newCfg))
	if tcfg, err := mapTextConfig(newCfg); err != nil {
		a.log.Warn("invalid text channel config; keeping previous", logx.Err(err))
	} else {
		a.text.Apply(tcfg)
	}

	prevSchedEnabled := a.sched.Enabled()
	prevEngEnabled := a.engine.Enabled()

	engCfg, err := mapTaskEngineConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid task_engine config; keeping previous", logx.Err(err))
		engCfg = engine.Config{Enabled: prevEngEnabled}
	} else {
		a.engine.Apply(c, engCfg)
	}
	schedCfg, err := mapSchedulerConfig(newCfg)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		schedCfg = scheduler.Config{Enabled: prevSchedEnabled}
	} else {
		a.sched.Apply(schedCfg)
		if err := a.registerSweeps(newCfg); err != nil {
			a.log.Warn("sweep schedules not fully applied", logx.Err(err))
		}
	}

	// scheduler first on shutdown; engine first on startup
	if prevSchedEnabled && !schedCfg.Enabled {
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	}
	if prevEngEnabled && !engCfg.Enabled {
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.engine.Stop(stopCtx)
		cancel()
	}
	if !prevEngEnabled && engCfg.Enabled {
		a.log.Info("task engine enabled via config")
		a.engine.Start(c)
	}
	if !prevSchedEnabled && schedCfg.Enabled {
		a.log.Info("scheduler enabled via config")
		a.sched.Start(c)
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.store.Close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel first so background loops (api, watcher) start unwinding.
	a.sup.Cancel()

	// step runs one shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// fn must honor stepCtx; if it doesn't, report when it finally returns.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 5*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	// api shutdown, config watch/reload, metrics observer
	step("supervisor", 5*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped", logx.String("reason", string(reason)))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
